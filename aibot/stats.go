package aibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	statsSummaryDays  = 7
	statsMessageDays  = 30
	statsTopUsers     = 3
	statsTopChannels  = 10
	statsTopAIUsers   = 5
	statsDateFormat   = "2006-01-02"
	hoursPerDay       = 24
	weekdaysPerWeek   = 7
	aiRequestMaxError = 500
)

// DiscordMessage is a DB model which logs details about an incoming
// discord message received via the discordgo.MessageCreate handler.
// Every observed guild message is recorded, so the dashboard's activity
// views cover the whole server, not just bot interactions.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	AttachmentCount     int    `json:"attachment_count"`
	MentionCount        int    `json:"mention_count"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID:       m.ID,
		Content:         m.Content,
		ChannelID:       m.ChannelID,
		GuildID:         m.GuildID,
		AttachmentCount: len(m.Attachments),
		MentionCount:    len(m.Mentions),
	}

	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}

	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String(columnUserID, m.UserID),
		slog.String("username", m.Username),
		slog.String("content", m.Content),
	)
}

// AIRequest records one vendor request made on behalf of a user.
//
//nolint:lll // struct tags can't be split
type AIRequest struct {
	ModelUintID
	ModelUnixTime

	UserID    string `json:"user_id" gorm:"column:user_id;index;type:string"`
	Username  string `json:"username" gorm:"type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string"`
	GuildID   string `json:"guild_id" gorm:"type:string"`

	// Vendor is the route keyword (gpt/claude/gemini/grok)
	Vendor string `json:"vendor" gorm:"type:string;index"`

	// Model is the model name the vendor reported
	Model string `json:"model" gorm:"type:string"`

	Prompt string `json:"prompt" gorm:"type:string"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// DurationMS is the request round-trip time in milliseconds
	DurationMS int64 `json:"duration_ms" gorm:"column:duration_ms"`

	// Error is set when the vendor request failed
	Error string `json:"error,omitempty" gorm:"type:string"`
}

func newAIRequest(
	user *User,
	m *discordgo.Message,
	vendor string,
	prompt string,
) *AIRequest {
	req := &AIRequest{
		Vendor: vendor,
		Prompt: prompt,
	}
	if user != nil {
		req.UserID = user.ID
		req.Username = user.Username
	}
	if m != nil {
		req.ChannelID = m.ChannelID
		req.GuildID = m.GuildID
	}
	return req
}

// finish records the outcome of the vendor request.
func (r *AIRequest) finish(resp AIResponse, duration time.Duration, err error) {
	r.DurationMS = duration.Milliseconds()
	if err != nil {
		r.Error = truncate(err.Error(), aiRequestMaxError)
		return
	}
	r.Model = resp.Model
	r.PromptTokens = resp.PromptTokens
	r.CompletionTokens = resp.CompletionTokens
	r.TotalTokens = resp.PromptTokens + resp.CompletionTokens
}

// DailyCount is one day's bucket in a time series.
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// NamedCount pairs a label (username, channel ID, model name) with a
// count, and optionally a token total.
type NamedCount struct {
	Name   string `json:"name"`
	Count  int64  `json:"count"`
	Tokens int64  `json:"tokens,omitempty"`
}

// StatsSummary is the dashboard landing view.
type StatsSummary struct {
	Messages   int64        `json:"messages"`
	Users      int64        `json:"users"`
	Channels   int64        `json:"channels"`
	AIRequests int64        `json:"ai_requests"`
	Daily      []DailyCount `json:"daily"`
	TopUsers   []NamedCount `json:"top_users"`
}

// MessageStats is the dashboard message activity view.
type MessageStats struct {
	Daily       []DailyCount `json:"daily"`
	TopChannels []NamedCount `json:"top_channels"`

	// Activity is a weekday x hour grid of message counts,
	// Activity[0] being Sunday
	Activity [weekdaysPerWeek][hoursPerDay]int64 `json:"activity"`
}

// AIStats is the dashboard AI usage view.
type AIStats struct {
	ByModel  []NamedCount `json:"by_model"`
	Daily    []DailyCount `json:"daily"`
	TopUsers []NamedCount `json:"top_users"`
}

// dailySeries buckets unix-milli timestamps into per-day counts for the
// last `days` days, zero-filling empty days. Timestamps are bucketed
// in UTC.
func dailySeries(timestamps []int64, days int, now time.Time) []DailyCount {
	now = now.UTC()
	buckets := make(map[string]int64, days)
	series := make([]DailyCount, 0, days)
	for i := days - 1; i >= 0; i-- {
		date := now.AddDate(0, 0, -i).Format(statsDateFormat)
		buckets[date] = 0
		series = append(series, DailyCount{Date: date})
	}
	for _, ts := range timestamps {
		date := time.UnixMilli(ts).UTC().Format(statsDateFormat)
		if _, ok := buckets[date]; ok {
			buckets[date]++
		}
	}
	for i := range series {
		series[i].Count = buckets[series[i].Date]
	}
	return series
}

// topCounts sorts label counts descending (ties broken by name) and
// returns the first n.
func topCounts(counts map[string]*NamedCount, n int) []NamedCount {
	result := make([]NamedCount, 0, len(counts))
	for _, c := range counts {
		result = append(result, *c)
	}
	sort.Slice(
		result, func(i, j int) bool {
			if result[i].Count != result[j].Count {
				return result[i].Count > result[j].Count
			}
			return result[i].Name < result[j].Name
		},
	)
	if len(result) > n {
		result = result[:n]
	}
	return result
}

// getStatsSummary builds the dashboard landing view.
func getStatsSummary(ctx context.Context, db *gorm.DB) (StatsSummary, error) {
	var s StatsSummary
	var errs []error

	if err := db.WithContext(ctx).Model(&DiscordMessage{}).Count(
		&s.Messages,
	).Error; err != nil {
		errs = append(errs, err)
	}
	if err := db.WithContext(ctx).Model(&AIRequest{}).Count(
		&s.AIRequests,
	).Error; err != nil {
		errs = append(errs, err)
	}
	if err := db.WithContext(ctx).Model(&DiscordMessage{}).Distinct(
		"user_id",
	).Count(&s.Users).Error; err != nil {
		errs = append(errs, err)
	}
	if err := db.WithContext(ctx).Model(&DiscordMessage{}).Distinct(
		"channel_id",
	).Count(&s.Channels).Error; err != nil {
		errs = append(errs, err)
	}

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -(statsSummaryDays - 1)).Truncate(
		24 * time.Hour,
	).UnixMilli()

	var recent []DiscordMessage
	if err := db.WithContext(ctx).Select(
		"created_at", "user_id", "username",
	).Where("created_at >= ?", cutoff).Find(&recent).Error; err != nil {
		errs = append(errs, fmt.Errorf("error getting recent messages: %w", err))
	}

	timestamps := make([]int64, 0, len(recent))
	userCounts := map[string]*NamedCount{}
	for _, m := range recent {
		timestamps = append(timestamps, m.CreatedAt)
		name := m.Username
		if name == "" {
			name = m.UserID
		}
		if c, ok := userCounts[m.UserID]; ok {
			c.Count++
		} else {
			userCounts[m.UserID] = &NamedCount{Name: name, Count: 1}
		}
	}
	s.Daily = dailySeries(timestamps, statsSummaryDays, now)
	s.TopUsers = topCounts(userCounts, statsTopUsers)

	return s, errors.Join(errs...)
}

// getMessageStats builds the dashboard message activity view.
func getMessageStats(ctx context.Context, db *gorm.DB) (MessageStats, error) {
	var s MessageStats

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -(statsMessageDays - 1)).Truncate(
		24 * time.Hour,
	).UnixMilli()

	var recent []DiscordMessage
	if err := db.WithContext(ctx).Select(
		"created_at", "channel_id",
	).Where("created_at >= ?", cutoff).Find(&recent).Error; err != nil {
		return s, fmt.Errorf("error getting messages: %w", err)
	}

	timestamps := make([]int64, 0, len(recent))
	channelCounts := map[string]*NamedCount{}
	for _, m := range recent {
		timestamps = append(timestamps, m.CreatedAt)
		if c, ok := channelCounts[m.ChannelID]; ok {
			c.Count++
		} else {
			channelCounts[m.ChannelID] = &NamedCount{
				Name:  m.ChannelID,
				Count: 1,
			}
		}
		at := time.UnixMilli(m.CreatedAt).UTC()
		s.Activity[int(at.Weekday())][at.Hour()]++
	}

	s.Daily = dailySeries(timestamps, statsMessageDays, now)
	s.TopChannels = topCounts(channelCounts, statsTopChannels)
	return s, nil
}

// getAIStats builds the dashboard AI usage view.
func getAIStats(ctx context.Context, db *gorm.DB) (AIStats, error) {
	var s AIStats

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -(statsMessageDays - 1)).Truncate(
		24 * time.Hour,
	).UnixMilli()

	var requests []AIRequest
	if err := db.WithContext(ctx).Select(
		"created_at", "user_id", "username", "vendor", "model", "total_tokens",
	).Where("created_at >= ?", cutoff).Find(&requests).Error; err != nil {
		return s, fmt.Errorf("error getting AI requests: %w", err)
	}

	timestamps := make([]int64, 0, len(requests))
	modelCounts := map[string]*NamedCount{}
	userCounts := map[string]*NamedCount{}
	for _, r := range requests {
		timestamps = append(timestamps, r.CreatedAt)

		model := r.Model
		if model == "" {
			model = r.Vendor
		}
		if c, ok := modelCounts[model]; ok {
			c.Count++
			c.Tokens += int64(r.TotalTokens)
		} else {
			modelCounts[model] = &NamedCount{
				Name:   model,
				Count:  1,
				Tokens: int64(r.TotalTokens),
			}
		}

		name := r.Username
		if name == "" {
			name = r.UserID
		}
		if c, ok := userCounts[r.UserID]; ok {
			c.Count++
			c.Tokens += int64(r.TotalTokens)
		} else {
			userCounts[r.UserID] = &NamedCount{
				Name:   name,
				Count:  1,
				Tokens: int64(r.TotalTokens),
			}
		}
	}

	s.Daily = dailySeries(timestamps, statsMessageDays, now)
	s.ByModel = topCounts(modelCounts, len(modelCounts))
	s.TopUsers = topCounts(userCounts, statsTopAIUsers)
	return s, nil
}
