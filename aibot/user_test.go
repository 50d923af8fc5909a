package aibot

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestNewUser(t *testing.T) {
	user, err := NewUser(
		discordgo.User{
			ID:         "100",
			Username:   "someuser",
			GlobalName: "Some User",
		},
	)
	require.NoError(t, err)

	assert.Equal(t, "100", user.ID)
	assert.Equal(t, "someuser", user.Username)
	assert.Equal(t, "Some User", user.GlobalName)
	assert.False(t, user.Bot)
	assert.False(t, user.Ignored)
	assert.Equal(t, AccessStatusPending, user.AccessStatus)
	assert.NotEmpty(t, user.APIKey)
	assert.Equal(t, DefaultRequestLimit, user.RequestLimit)
	assert.NotZero(t, user.RequestWindowStart)
	assert.NotZero(t, user.LastSeen)
	assert.Contains(t, user.Content, `"id":"100"`)
}

func TestNewUserBot(t *testing.T) {
	user, err := NewUser(discordgo.User{ID: "200", Username: "bot", Bot: true})
	require.NoError(t, err)
	assert.True(t, user.Bot)
	assert.True(t, user.Ignored)
}

func TestUserChangedDiscordUsername(t *testing.T) {
	user := &User{Username: "old", GlobalName: "Old Name"}
	assert.False(
		t, user.changedDiscordUsername(
			discordgo.User{Username: "old", GlobalName: "Old Name"},
		),
	)
	assert.True(
		t, user.changedDiscordUsername(
			discordgo.User{Username: "new", GlobalName: "Old Name"},
		),
	)
	assert.True(
		t, user.changedDiscordUsername(
			discordgo.User{Username: "old", GlobalName: "New Name"},
		),
	)
}

func TestConsumeRequest(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 2)
	require.NoError(t, err)

	window := time.Hour
	ok, err := user.ConsumeRequest(ctx, writeDB, window)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, user.RequestCount)

	ok, err = user.ConsumeRequest(ctx, writeDB, window)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, user.RequestCount)

	// out of requests
	ok, err = user.ConsumeRequest(ctx, writeDB, window)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, user.RequestCount)

	// counter persisted
	fromDB := writeDB.ReloadUser(user.ID)
	require.NotNil(t, fromDB)
	assert.Equal(t, 2, fromDB.RequestCount)
}

func TestConsumeRequestWindowReset(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 2)
	require.NoError(t, err)

	user.RequestCount = 2
	user.RequestWindowStart = time.Now().UTC().Add(-2 * time.Hour).UnixMilli()

	ok, err := user.ConsumeRequest(ctx, writeDB, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, user.RequestCount)
}

func TestConsumeRequestZeroLimitUsesDefault(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, user.RequestLimit)

	ok, err := user.ConsumeRequest(ctx, writeDB, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetExpiredRequestWindows(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	expired, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 5)
	require.NoError(t, err)
	current, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("101"), 5)
	require.NoError(t, err)

	_, err = writeDB.Updates(
		ctx, expired, map[string]any{
			columnUserRequestCount: 3,
			columnUserWindowStart:  time.Now().UTC().Add(-2 * time.Hour).UnixMilli(),
		},
	)
	require.NoError(t, err)
	_, err = writeDB.Updates(
		ctx, current, map[string]any{
			columnUserRequestCount: 3,
			columnUserWindowStart:  time.Now().UTC().UnixMilli(),
		},
	)
	require.NoError(t, err)

	affected, err := ResetExpiredRequestWindows(ctx, writeDB, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	fromDB := writeDB.ReloadUser(expired.ID)
	require.NotNil(t, fromDB)
	assert.Equal(t, 0, fromDB.RequestCount)

	fromDB = writeDB.ReloadUser(current.ID)
	require.NotNil(t, fromDB)
	assert.Equal(t, 3, fromDB.RequestCount)
}

func TestGetUserByAPIKey(t *testing.T) {
	db, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 5)
	require.NoError(t, err)

	found, err := GetUserByAPIKey(db, user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	_, err = GetUserByAPIKey(db, "bogus-key")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = GetUserByAPIKey(db, "")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestUserGetStats(t *testing.T) {
	db, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 5)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = writeDB.Create(
			ctx, &DiscordMessage{
				UserID:    user.ID,
				ChannelID: "chan1",
				Content:   "hello",
			},
		)
		require.NoError(t, err)
	}

	rec := newAIRequest(user, nil, RouteClaude, "question")
	rec.PromptTokens = 10
	rec.CompletionTokens = 5
	rec.TotalTokens = 15
	_, err = writeDB.Create(ctx, rec)
	require.NoError(t, err)

	rec = newAIRequest(user, nil, RouteGPT, "other question")
	rec.TotalTokens = 7
	_, err = writeDB.Create(ctx, rec)
	require.NoError(t, err)

	stats, err := user.getStats(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Messages)
	assert.Equal(t, int64(2), stats.AIRequests)
	assert.Equal(t, int64(22), stats.TotalTokens)
	assert.Equal(t, int64(1), stats.ByVendor[RouteClaude])
	assert.Equal(t, int64(1), stats.ByVendor[RouteGPT])
}

func TestAccessRequestResolve(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 5)
	require.NoError(t, err)

	request := NewAccessRequest(user.ID)
	require.NotEmpty(t, request.ID)
	assert.Equal(t, AccessStatusPending, request.Status)
	_, err = writeDB.Create(ctx, request)
	require.NoError(t, err)

	require.NoError(t, request.resolve(ctx, writeDB, AccessStatusApproved, "admin"))
	assert.Equal(t, AccessStatusApproved, request.Status)
	assert.Equal(t, "admin", request.ResolvedBy)
	assert.NotZero(t, request.ResolvedAt)

	// the user's access status follows the resolution
	fromDB := writeDB.ReloadUser(user.ID)
	require.NotNil(t, fromDB)
	assert.Equal(t, AccessStatusApproved, fromDB.AccessStatus)

	// resolving twice is an error
	err = request.resolve(ctx, writeDB, AccessStatusDenied, "admin")
	assert.ErrorIs(t, err, ErrAccessRequestResolved)
}

func TestAccessRequestResolveInvalidStatus(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 5)
	require.NoError(t, err)

	request := NewAccessRequest(user.ID)
	_, err = writeDB.Create(ctx, request)
	require.NoError(t, err)

	err = request.resolve(ctx, writeDB, AccessStatusPending, "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid resolution status")
}

func TestAccessStatusValid(t *testing.T) {
	for _, status := range []AccessStatus{
		AccessStatusPending,
		AccessStatusRequested,
		AccessStatusApproved,
		AccessStatusDenied,
	} {
		assert.True(t, status.valid(), "status: %s", status)
	}
	assert.False(t, AccessStatus("banned").valid())
	assert.False(t, AccessStatus("").valid())
}

func TestTouchLastLogin(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	user, _, err := writeDB.GetOrCreateUser(ctx, testDiscordUser("100"), 5)
	require.NoError(t, err)
	require.Zero(t, user.LastLogin)

	user.touchLastLogin(ctx, writeDB)
	reloaded := writeDB.ReloadUser("100")
	require.NotNil(t, reloaded)
	first := reloaded.LastLogin
	assert.NotZero(t, first)

	// touching again within the hour is a no-op
	reloaded.touchLastLogin(ctx, writeDB)
	again := writeDB.ReloadUser("100")
	require.NotNil(t, again)
	assert.Equal(t, first, again.LastLogin)
}
