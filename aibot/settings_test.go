package aibot

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSetting(t *testing.T) {
	setting := DefaultSetting()
	assert.False(t, setting.Paused)
	assert.Equal(t, DefaultDiscordCustomStatus, setting.CustomStatus)
	assert.Equal(t, DefaultRequestLimit, setting.RequestLimit)
	assert.Equal(t, DBLogLevelInfo, setting.LogLevel)
	assert.Equal(t, DBLogLevelInfo, setting.AILogLevel)
	assert.Equal(t, DBLogLevelInfo, setting.DiscordLogLevel)
	assert.Equal(t, DBLogLevelInfo, setting.DiscordGoLogLevel)
	assert.Equal(t, DBLogLevelInfo, setting.DatabaseLogLevel)
	assert.Equal(t, DBLogLevelInfo, setting.APILogLevel)
	assert.Equal(t, DBLogLevelInfo, setting.SchedulerLogLevel)
}

func TestGetOrCreateSetting(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	setting, err := getOrCreateSetting(ctx, writeDB)
	require.NoError(t, err)
	require.NotZero(t, setting.ID)
	assert.Equal(t, DefaultRequestLimit, setting.RequestLimit)

	// a second call loads the same row
	again, err := getOrCreateSetting(ctx, writeDB)
	require.NoError(t, err)
	assert.Equal(t, setting.ID, again.ID)
}

func TestSettingUpdateApply(t *testing.T) {
	setting := DefaultSetting()

	paused := true
	status := "on break"
	limit := 50
	level := DBLogLevelDebug
	update := SettingUpdate{
		Paused:       &paused,
		CustomStatus: &status,
		RequestLimit: &limit,
		LogLevel:     &level,
		APILogLevel:  &level,
	}

	updates := update.apply(&setting)
	assert.True(t, setting.Paused)
	assert.Equal(t, "on break", setting.CustomStatus)
	assert.Equal(t, 50, setting.RequestLimit)
	assert.Equal(t, DBLogLevelDebug, setting.LogLevel)
	assert.Equal(t, DBLogLevelDebug, setting.APILogLevel)
	// untouched fields stay at defaults
	assert.Equal(t, DBLogLevelInfo, setting.DiscordLogLevel)

	assert.Equal(
		t, map[string]any{
			"paused":        true,
			"custom_status": "on break",
			"request_limit": 50,
			"log_level":     DBLogLevelDebug,
			"api_log_level": DBLogLevelDebug,
		}, updates,
	)
}

func TestSettingUpdateApplyEmpty(t *testing.T) {
	setting := DefaultSetting()
	updates := SettingUpdate{}.apply(&setting)
	assert.Empty(t, updates)
	assert.Equal(t, DefaultSetting(), setting)
}

func TestSettingUpdateValidate(t *testing.T) {
	limit := 0
	update := SettingUpdate{RequestLimit: &limit}
	assert.Error(t, update.validate())

	limit = 10
	assert.NoError(t, update.validate())

	bad := DBLogLevel("LOUD")
	update = SettingUpdate{LogLevel: &bad}
	assert.Error(t, update.validate())
}

func TestSettingApplyLogLevels(t *testing.T) {
	cfg := DefaultConfig()
	setting := DefaultSetting()
	setting.LogLevel = DBLogLevelDebug
	setting.AILogLevel = DBLogLevelError
	setting.DiscordLogLevel = DBLogLevelWarn

	setting.applyLogLevels(cfg)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.AI.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelInfo, cfg.API.LogLevel.Level())
}

func TestSettingApplyLogLevelsNilConfig(t *testing.T) {
	setting := DefaultSetting()
	assert.NotPanics(
		t, func() {
			setting.applyLogLevels(nil)
		},
	)
}
