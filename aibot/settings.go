package aibot

import (
	"context"
	"log/slog"

	"gorm.io/gorm"
)

// Setting is the singleton row of runtime-mutable state: things that can
// be changed from the dashboard and should survive a restart (being
// paused, admin credentials, log levels).
//
//nolint:lll // struct tags can't be split
type Setting struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While
	// paused, incoming messages are recorded but not routed to any
	// AI vendor.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// CustomStatus is the presence text displayed for the bot on Discord
	CustomStatus string `json:"custom_status" gorm:"type:string"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// RequestLimit is the default per-user AI request limit, applied to
	// newly created users
	RequestLimit int `json:"request_limit" gorm:"default:24" binding:"omitempty,min=1"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// AILogLevel is the logging level for AI vendor operations.
	AILogLevel DBLogLevel `gorm:"default:INFO;column:ai_log_level;type:string;check:ai_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"ai_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// SchedulerLogLevel is the logging level for scheduler operations.
	SchedulerLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:scheduler_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"scheduler_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (Setting) TableName() string {
	return "settings"
}

func DefaultSetting() Setting {
	return Setting{
		CustomStatus:      DefaultDiscordCustomStatus,
		RequestLimit:      DefaultRequestLimit,
		LogLevel:          DBLogLevelInfo,
		AILogLevel:        DBLogLevelInfo,
		DiscordLogLevel:   DBLogLevelInfo,
		DiscordGoLogLevel: DBLogLevelInfo,
		DatabaseLogLevel:  DBLogLevelInfo,
		APILogLevel:       DBLogLevelInfo,
		SchedulerLogLevel: DBLogLevelInfo,
	}
}

// getOrCreateSetting loads the settings row, creating it with defaults
// when absent.
func getOrCreateSetting(ctx context.Context, db DBI) (Setting, error) {
	var setting Setting
	err := db.DB().WithContext(ctx).Order("id").First(&setting).Error
	if err == nil {
		return setting, nil
	}
	if err != gorm.ErrRecordNotFound {
		return setting, err
	}
	setting = DefaultSetting()
	_, err = db.Create(ctx, &setting)
	return setting, err
}

// applyLogLevels pushes the stored log levels onto the live LevelVars.
func (s Setting) applyLogLevels(cfg *Config) {
	if cfg == nil {
		return
	}
	setLevel := func(lv *slog.LevelVar, level DBLogLevel) {
		if lv != nil {
			lv.Set(level.Level())
		}
	}
	setLevel(cfg.LogLevel, s.LogLevel)
	setLevel(cfg.DatabaseLogLevel, s.DatabaseLogLevel)
	if cfg.AI != nil {
		setLevel(cfg.AI.LogLevel, s.AILogLevel)
	}
	if cfg.Discord != nil {
		setLevel(cfg.Discord.LogLevel, s.DiscordLogLevel)
		setLevel(cfg.Discord.DiscordGoLogLevel, s.DiscordGoLogLevel)
	}
	if cfg.API != nil {
		setLevel(cfg.API.LogLevel, s.APILogLevel)
	}
	if cfg.Scheduler != nil {
		setLevel(cfg.Scheduler.LogLevel, s.SchedulerLogLevel)
	}
}

// SettingUpdate is the PATCH payload for the settings row. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type SettingUpdate struct {
	Paused       *bool   `json:"paused,omitempty"`
	CustomStatus *string `json:"custom_status,omitempty" binding:"omitnil,max=128"`
	RequestLimit *int    `json:"request_limit,omitempty" binding:"omitnil,min=1"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	AILogLevel        *DBLogLevel `json:"ai_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	SchedulerLogLevel *DBLogLevel `json:"scheduler_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u SettingUpdate) validate() error {
	return structValidator.Struct(u)
}

// apply copies non-nil fields onto the setting, returning the column
// updates to persist.
func (u SettingUpdate) apply(s *Setting) map[string]any {
	updates := map[string]any{}
	if u.Paused != nil {
		s.Paused = *u.Paused
		updates["paused"] = *u.Paused
	}
	if u.CustomStatus != nil {
		s.CustomStatus = *u.CustomStatus
		updates["custom_status"] = *u.CustomStatus
	}
	if u.RequestLimit != nil {
		s.RequestLimit = *u.RequestLimit
		updates["request_limit"] = *u.RequestLimit
	}
	if u.LogLevel != nil {
		s.LogLevel = *u.LogLevel
		updates["log_level"] = *u.LogLevel
	}
	if u.AILogLevel != nil {
		s.AILogLevel = *u.AILogLevel
		updates["ai_log_level"] = *u.AILogLevel
	}
	if u.DiscordLogLevel != nil {
		s.DiscordLogLevel = *u.DiscordLogLevel
		updates["discord_log_level"] = *u.DiscordLogLevel
	}
	if u.DiscordGoLogLevel != nil {
		s.DiscordGoLogLevel = *u.DiscordGoLogLevel
		updates["discordgo_log_level"] = *u.DiscordGoLogLevel
	}
	if u.DatabaseLogLevel != nil {
		s.DatabaseLogLevel = *u.DatabaseLogLevel
		updates["database_log_level"] = *u.DatabaseLogLevel
	}
	if u.APILogLevel != nil {
		s.APILogLevel = *u.APILogLevel
		updates["api_log_level"] = *u.APILogLevel
	}
	if u.SchedulerLogLevel != nil {
		s.SchedulerLogLevel = *u.SchedulerLogLevel
		updates["scheduler_log_level"] = *u.SchedulerLogLevel
	}
	return updates
}
