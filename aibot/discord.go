package aibot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord owns the gateway connection and everything that arrives over
// it: plain messages are logged and routed to an AI vendor, slash
// commands are dispatched to their handlers.
type Discord struct {
	config  *DiscordConfig
	session DiscordSessionHandler
	logger  *slog.Logger

	bot *Bot

	connected       atomic.Bool
	connectCount    atomic.Int64
	disconnectCount atomic.Int64
	lastConnect     atomic.Int64

	// removeHandlerFuncs holds the removal funcs returned by AddHandler,
	// called on shutdown
	removeHandlerFuncs []func()

	historyMu sync.Mutex
	history   map[string]*conversation
}

// conversation is a user's recent prompt/reply exchanges, kept in
// memory to give vendor requests short-term context.
type conversation struct {
	exchanges []Exchange
	updated   time.Time
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	d := &Discord{
		config:  config,
		logger:  logger,
		history: map[string]*conversation{},
	}
	session, err := d.newSession()
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	d.session = session
	return d, nil
}

func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session, err := discordgo.New(fmt.Sprintf("Bot %s", d.config.Token))
	if err != nil {
		return nil, err
	}
	session.SyncEvents = true
	session.StateEnabled = false
	session.Identify.Intents = d.config.GatewayIntents

	handler := DiscordSession{session: session, logger: d.logger}
	if d.config.httpClient != nil {
		handler.SetHTTPClient(d.config.httpClient)
	}
	if d.config.DiscordGoLogLevel != nil {
		if e := handler.SetLogLevel(d.config.DiscordGoLogLevel.Level()); e != nil {
			d.logger.Warn("unable to set discordgo log level", tint.Err(e))
		}
	}
	discordgo.Logger = discordgoLoggerFunc(context.Background(), d.logger.Handler())
	return handler, nil
}

// connect opens the gateway websocket and registers event handlers.
func (d *Discord) connect() error {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate()),
		d.session.AddHandler(d.handlerInteractionCreate()),
	)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (d *Discord) disconnect() error {
	for _, removeHandler := range d.removeHandlerFuncs {
		removeHandler()
	}
	d.removeHandlerFuncs = nil
	return d.session.Close()
}

func (d *Discord) handlerReady() func(*discordgo.Session, *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"discord ready",
			"session_id", r.SessionID,
			"guild_count", len(r.Guilds),
			"username", r.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.connectCount.Add(1)
		d.lastConnect.Store(time.Now().UnixMilli())
		d.logger.Info("discord connected", "connect_count", d.connectCount.Load())
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.disconnectCount.Add(1)
		d.logger.Warn(
			"discord disconnected",
			"disconnect_count", d.disconnectCount.Load(),
		)
	}
}

func (d *Discord) handlerMessageCreate() func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if d.bot == nil {
			return
		}
		go d.bot.handleDiscordMessage(d.bot.ctx, m)
	}
}

func (d *Discord) handlerInteractionCreate() func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if d.bot == nil {
			return
		}
		go d.bot.handleInteraction(d.bot.ctx, i)
	}
}

// registerCommands overwrites the bot's application commands with the
// current set. If GuildID is set, the commands are registered for that
// guild only, which makes them available immediately.
func (d *Discord) registerCommands(
	registry *ClientRegistry,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandAsk(registry),
		d.appCommandClear(),
		d.appCommandRemindMe(),
		d.appCommandTaskCtl(),
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error registering commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("registered command", "name", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d *Discord) appCommandAsk(registry *ClientRegistry) *discordgo.ApplicationCommand {
	routes := registry.Routes()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(routes))
	for _, route := range routes {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  route,
				Value: route,
			},
		)
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAsk,
		Description: "Ask one of the configured AI models a question",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "prompt",
				Description: "The prompt to send",
				Required:    true,
				MaxLength:   discordMaxMessageLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "vendor",
				Description: "Which model family answers (defaults to " + registry.DefaultRoute() + ")",
				Required:    false,
				Choices:     choices,
			},
		},
	}
}

func (d *Discord) appCommandClear() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandClear,
		Description: "Clear your conversation history with the bot",
	}
}

func (d *Discord) appCommandRemindMe() *discordgo.ApplicationCommand {
	minMinutes := float64(1)
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandRemindMe,
		Description: "Send yourself a reminder in this channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "minutes",
				Description: "How many minutes from now",
				Required:    true,
				MinValue:    &minMinutes,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "message",
				Description: "The reminder text",
				Required:    true,
				MaxLength:   discordMaxMessageLength,
			},
		},
	}
}

func (d *Discord) appCommandTaskCtl() *discordgo.ApplicationCommand {
	taskNameOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "name",
		Description: "Task name",
		Required:    true,
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTaskCtl,
		Description: "Inspect and control scheduled tasks (admin only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List scheduled tasks",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start a stopped task",
				Options: []*discordgo.ApplicationCommandOption{
					taskNameOption,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop a running task",
				Options: []*discordgo.ApplicationCommandOption{
					taskNameOption,
				},
			},
		},
	}
}

func (d *Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

func (d *Discord) ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func (d *Discord) updateCustomStatus(status string) {
	if err := d.session.UpdateCustomStatus(status); err != nil {
		d.logger.Error(
			"error updating custom status",
			tint.Err(err),
			"status", status,
		)
	}
}

// historyFor returns a copy of the user's recent prompt/reply pairs.
func (d *Discord) historyFor(userID string) []Exchange {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	conv := d.history[userID]
	if conv == nil {
		return nil
	}
	out := make([]Exchange, len(conv.exchanges))
	copy(out, conv.exchanges)
	return out
}

// appendHistory records an exchange, discarding the oldest entries
// beyond the configured history size.
func (d *Discord) appendHistory(userID string, e Exchange, limit int) {
	if limit <= 0 {
		return
	}
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	conv := d.history[userID]
	if conv == nil {
		conv = &conversation{}
		d.history[userID] = conv
	}
	conv.exchanges = append(conv.exchanges, e)
	if len(conv.exchanges) > limit {
		conv.exchanges = conv.exchanges[len(conv.exchanges)-limit:]
	}
	conv.updated = time.Now()
}

func (d *Discord) clearHistory(userID string) {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	delete(d.history, userID)
}

// pruneHistory drops conversations idle for longer than maxAge,
// returning the number removed.
func (d *Discord) pruneHistory(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	removed := 0
	for userID, conv := range d.history {
		if conv.updated.Before(cutoff) {
			delete(d.history, userID)
			removed++
		}
	}
	return removed
}

// sendChunked splits content on message length limits and sends each
// piece, the first as a reply to ref when given.
func (d *Discord) sendChunked(
	channelID string,
	content string,
	ref *discordgo.MessageReference,
) error {
	chunks := chunkMessage(content, discordMaxMessageLength)
	for i, chunk := range chunks {
		var err error
		if i == 0 && ref != nil {
			_, err = d.session.ChannelMessageSendReply(channelID, chunk, ref)
		} else {
			_, err = d.session.ChannelMessageSend(channelID, chunk)
		}
		if err != nil {
			return fmt.Errorf("error sending message chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// DiscordSessionHandler defines the methods used from
// [discordgo.Session], so the gateway can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites the application's
	// registered commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildRoleEdit modifies a guild role
	GuildRoleEdit(
		guildID string,
		roleID string,
		data *discordgo.RoleParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Role, error)

	// UpdateCustomStatus sets the bot user's custom status. If empty,
	// removes any existing custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// SetIdentify sets the identify object sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) GuildRoleEdit(
	guildID string,
	roleID string,
	data *discordgo.RoleParams,
	options ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	role, err := d.session.GuildRoleEdit(guildID, roleID, data, options...)
	if err != nil {
		d.logger.Error(
			"error editing guild role",
			tint.Err(err),
			"guild_id", guildID,
			"role_id", roleID,
		)
	}
	return role, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// messageMentionsUser reports whether the message @-mentions the given
// user ID.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the
// interaction. Users don't always appear in the same place in the
// interaction object, so this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// stripBotMention removes a leading @-mention of the application from
// the message content, returning the remainder and whether a mention
// was stripped.
func stripBotMention(content string, applicationID string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	for _, prefix := range []string{
		fmt.Sprintf("<@%s>", applicationID),
		fmt.Sprintf("<@!%s>", applicationID),
	} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)), true
		}
	}
	return trimmed, false
}

// splitRoute checks whether the first word of content names a known
// route keyword. If it does, the route and the remaining prompt are
// returned; otherwise the route is empty and content is untouched.
func splitRoute(content string, registry *ClientRegistry) (string, string) {
	trimmed := strings.TrimSpace(content)
	fields := strings.SplitN(trimmed, " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return "", trimmed
	}
	candidate := strings.ToLower(fields[0])
	for _, route := range registry.Routes() {
		if candidate == route {
			if len(fields) == 2 {
				return candidate, strings.TrimSpace(fields[1])
			}
			return candidate, ""
		}
	}
	return "", trimmed
}
