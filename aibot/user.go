package aibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	columnUserID             = "id"
	columnUserUsername       = "username"
	columnUserGlobalName     = "global_name"
	columnUserLastSeen       = "last_seen"
	columnUserLastLogin      = "last_login"
	columnUserIgnored        = "ignored"
	columnUserAPIKey         = "api_key"
	columnUserEncryptedToken = "encrypted_token"
	columnUserAccessStatus   = "access_status"
	columnUserRequestCount   = "request_count"
	columnUserWindowStart    = "request_window_start"
)

// AccessStatus is a user's dashboard authorization state.
type AccessStatus string

const (
	AccessStatusPending   AccessStatus = "pending"
	AccessStatusRequested AccessStatus = "requested"
	AccessStatusApproved  AccessStatus = "approved"
	AccessStatusDenied    AccessStatus = "denied"
)

func (s AccessStatus) valid() bool {
	switch s {
	case AccessStatusPending,
		AccessStatusRequested,
		AccessStatusApproved,
		AccessStatusDenied:
		return true
	}
	return false
}

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots will be ignored
	// by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are bot-specific
	//

	// If true, messages and commands from this user are ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// IsAdmin grants access to the dashboard admin endpoints
	IsAdmin bool `json:"is_admin" gorm:"type:bool;default:false"`

	// AccessStatus is this user's dashboard authorization state
	AccessStatus AccessStatus `json:"access_status" gorm:"type:string;default:pending"`

	// APIKey is the user's dashboard bearer token
	APIKey string `json:"api_key" gorm:"column:api_key;type:string;index" log:"[redacted]"`

	// RequestLimit is the number of AI requests allowed per rolling window
	RequestLimit int `json:"request_limit" gorm:"column:request_limit"`

	// RequestCount is the number of AI requests made in the current window
	RequestCount int `json:"request_count" gorm:"column:request_count;default:0"`

	// RequestWindowStart marks when the current request window began
	RequestWindowStart int64 `json:"request_window_start" gorm:"column:request_window_start"`

	// EncryptedToken holds the user's OAuth token, sealed with
	// EncryptToken
	EncryptedToken string `json:"-" gorm:"type:string" log:"[redacted]"`

	// LastSeen is the last time this user was seen in a Discord message
	// or interaction
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	// LastLogin is the last time this user authenticated to the dashboard
	LastLogin int64 `json:"last_login" gorm:"column:last_login"`

	ModelUnixTime
}

func NewUser(u discordgo.User) (*User, error) {
	content, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	user := User{
		ID:                 u.ID,
		Username:           u.Username,
		GlobalName:         u.GlobalName,
		Bot:                u.Bot,
		Content:            string(content),
		AccessStatus:       AccessStatusPending,
		APIKey:             apiKey,
		RequestLimit:       DefaultRequestLimit,
		RequestWindowStart: time.Now().UTC().UnixMilli(),
		LastSeen:           time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user, nil
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnUserID, u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
		slog.Bool("is_admin", u.IsAdmin),
		slog.String("access_status", string(u.AccessStatus)),
		slog.Int("request_count", u.RequestCount),
		slog.Int("request_limit", u.RequestLimit),
	)
}

// changedDiscordUsername compares [User.Username] and [User.GlobalName]
// with the given discordgo.User, and returns a bool indicating whether
// either field has changed. This helps avoid 'drift' if the user updates
// their Discord profile.
func (u *User) changedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// ConsumeRequest counts one AI request against the user's window,
// resetting the counter first if the window has elapsed. Returns false
// when the user is out of requests.
func (u *User) ConsumeRequest(
	ctx context.Context,
	db DBI,
	window time.Duration,
) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]any{}

	windowStart := time.UnixMilli(u.RequestWindowStart)
	if now.Sub(windowStart) >= window {
		u.RequestCount = 0
		u.RequestWindowStart = now.UnixMilli()
		updates[columnUserWindowStart] = u.RequestWindowStart
	}

	limit := u.RequestLimit
	if limit <= 0 {
		limit = DefaultRequestLimit
	}
	if u.RequestCount >= limit {
		if len(updates) > 0 {
			updates[columnUserRequestCount] = u.RequestCount
			_, _ = db.Updates(ctx, u, updates)
		}
		return false, nil
	}

	u.RequestCount++
	updates[columnUserRequestCount] = u.RequestCount
	_, err := db.Updates(ctx, u, updates)
	return true, err
}

// ResetExpiredRequestWindows zeroes request counters for users whose
// window has elapsed. Run as a built-in scheduled task.
func ResetExpiredRequestWindows(
	ctx context.Context,
	db DBI,
	window time.Duration,
) (int64, error) {
	cutoff := time.Now().UTC().Add(-window).UnixMilli()
	return db.UpdatesWhere(
		ctx,
		&User{},
		map[string]any{
			columnUserRequestCount: 0,
			columnUserWindowStart:  time.Now().UTC().UnixMilli(),
		},
		"request_window_start <= ? AND request_count > 0",
		cutoff,
	)
}

// GetUserByAPIKey looks up a user by their dashboard bearer token.
func GetUserByAPIKey(db *gorm.DB, apiKey string) (*User, error) {
	if apiKey == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user User
	err := db.Where("api_key = ?", apiKey).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// touchLastLogin records when the user last authenticated to the
// dashboard. Writes at most once per hour to keep API-key requests
// cheap.
func (u *User) touchLastLogin(ctx context.Context, db DBI) {
	now := time.Now().UTC()
	if now.UnixMilli()-u.LastLogin < time.Hour.Milliseconds() {
		return
	}
	if _, err := db.Updates(
		ctx, u, map[string]any{columnUserLastLogin: now.UnixMilli()},
	); err != nil {
		logger, _ := ContextLogger(ctx)
		if logger != nil {
			logger.Warn("error updating last login", "user", u)
		}
	}
}

// getStats collects per-user usage for the dashboard user detail view.
func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	s := UserStats{ByVendor: map[string]int64{}}

	var errs []error

	var messageCount int64
	if err := db.WithContext(ctx).Model(&DiscordMessage{}).Where(
		"user_id = ?", u.ID,
	).Count(&messageCount).Error; err != nil {
		errs = append(errs, fmt.Errorf("error counting messages: %w", err))
	}
	s.Messages = messageCount

	var requests []AIRequest
	if err := db.WithContext(ctx).Select(
		"vendor", "total_tokens",
	).Where("user_id = ?", u.ID).Find(&requests).Error; err != nil {
		errs = append(errs, fmt.Errorf("error getting AI requests: %w", err))
	}
	for _, r := range requests {
		s.AIRequests++
		s.TotalTokens += int64(r.TotalTokens)
		s.ByVendor[r.Vendor]++
	}

	return s, errors.Join(errs...)
}

type UserStats struct {
	Messages    int64            `json:"messages"`
	AIRequests  int64            `json:"ai_requests"`
	TotalTokens int64            `json:"total_tokens"`
	ByVendor    map[string]int64 `json:"by_vendor"`
}

// AccessRequest tracks a user's request for dashboard access and its
// resolution.
//
//nolint:lll // struct tags can't be split
type AccessRequest struct {
	// ID is a random UUID assigned at creation
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// UserID is the requesting user's Discord ID
	UserID string `json:"user_id" gorm:"column:user_id;index;type:string"`

	// Status is pending until an admin approves or denies the request
	Status AccessStatus `json:"status" gorm:"type:string;default:pending"`

	// ResolvedBy is the admin username that approved or denied
	ResolvedBy string `json:"resolved_by" gorm:"type:string"`

	// ResolvedAt is when the request was approved or denied
	ResolvedAt int64 `json:"resolved_at"`

	ModelUnixTime
}

func NewAccessRequest(userID string) *AccessRequest {
	return &AccessRequest{
		ID:     uuid.NewString(),
		UserID: userID,
		Status: AccessStatusPending,
	}
}

var ErrAccessRequestResolved = errors.New("access request already resolved")

// resolve marks the request approved or denied, and updates the
// requesting user's access status to match.
func (r *AccessRequest) resolve(
	ctx context.Context,
	db DBI,
	status AccessStatus,
	resolvedBy string,
) error {
	if r.Status != AccessStatusPending && r.Status != AccessStatusRequested {
		return ErrAccessRequestResolved
	}
	if status != AccessStatusApproved && status != AccessStatusDenied {
		return fmt.Errorf("invalid resolution status: %s", status)
	}

	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			now := time.Now().UTC().UnixMilli()
			if err := tx.Model(r).Updates(
				map[string]any{
					"status":      status,
					"resolved_by": resolvedBy,
					"resolved_at": now,
				},
			).Error; err != nil {
				return err
			}
			r.Status = status
			r.ResolvedBy = resolvedBy
			r.ResolvedAt = now

			return tx.Model(&User{ID: r.UserID}).Update(
				columnUserAccessStatus,
				status,
			).Error
		},
	)
}
