package aibot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// Set at build time, ex:
	// -ldflags "-X github.com/braaaiiinnns/Discord-AI-Bot/aibot.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// conversationMaxIdle is how long a user's in-memory chat history is
// kept after their last exchange. The session cleanup task prunes
// anything older.
var conversationMaxIdle = time.Hour

// Built-in task names.
const (
	taskNameRoleColor      = "role-color-rotation"
	taskNameSessionCleanup = "session-cleanup"
	taskNameRequestReset   = "request-window-reset"
)

// Bot is the main application struct. It owns the Discord gateway
// connection, the AI vendor clients, the task scheduler, the role color
// manager, the database and the dashboard API.
type Bot struct {
	config *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, a mutex serializes writes. Otherwise just use [Bot.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Routes prompts to the configured AI vendor clients
	registry *ClientRegistry

	// Smooths per-user request bursts, ahead of the persisted
	// per-window counter
	limiter *requestLimiter

	// Named, persisted scheduled tasks
	scheduler *TaskScheduler

	// Rotates role colors on guild roles
	roleColors *RoleColorManager

	// Provides the back-end dashboard API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run finishes starting up
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, incoming messages are recorded but not routed to any
	// AI vendor
	paused atomic.Bool

	// Indicates whether admin credentials have been set. If they
	// haven't, Run holds after the API starts, so the bot can be
	// configured via the dashboard before handling commands.
	pendingSetup atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Runtime-configurable settings, backed by the settings table
	setting   Setting
	settingMu sync.RWMutex

	// runtime context, canceled on shutdown. Gateway handlers use this
	// as their base context.
	ctx context.Context
}

// New creates and initializes a new Bot instance: logging, the AI
// client registry, the Discord session, the task scheduler, the role
// color manager and the API server. Call Run to start it.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		ctx:           context.Background(),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	aiHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.AI.LogLevel,
			AddSource: true,
		},
	)
	registry, err := NewClientRegistry(
		context.Background(),
		config.AI,
		config.HTTPClient,
		aiHandler,
	)
	if err != nil {
		errs = append(errs, err)
	}
	b.registry = registry
	b.limiter = newRequestLimiter(
		config.AI.RequestLimit,
		config.AI.RequestLimitWindow,
	)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}
	b.discord = disc
	if disc != nil {
		disc.bot = b
	}

	schedulerHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.Scheduler.LogLevel,
			AddSource: true,
		},
	)
	scheduler, err := NewTaskScheduler(config.Scheduler, schedulerHandler)
	if err != nil {
		errs = append(errs, err)
	}
	b.scheduler = scheduler
	if scheduler != nil {
		scheduler.RegisterHandler(TaskKindRoleColor, b.runRoleColorTask)
		scheduler.RegisterHandler(TaskKindSessionCleanup, b.runSessionCleanupTask)
		scheduler.RegisterHandler(TaskKindRequestReset, b.runRequestResetTask)
		scheduler.RegisterHandler(TaskKindReminder, b.runReminderTask)
	}

	if disc != nil {
		b.roleColors = NewRoleColorManager(
			config.RoleColor,
			disc.session,
			b.logHandler,
		)
	}

	api, err := newAPI(b, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Setting returns a copy of the current runtime settings.
func (b *Bot) Setting() Setting {
	b.settingMu.RLock()
	defer b.settingMu.RUnlock()
	return b.setting
}

func (b *Bot) setSetting(s Setting) {
	b.settingMu.Lock()
	defer b.settingMu.Unlock()
	b.setting = s
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		if logger == nil {
			logger = slog.Default()
		}
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// triggerShutdown requests a graceful shutdown, as used by the
// `/api/quit` endpoint.
func (b *Bot) triggerShutdown() {
	if b.signalStop != nil {
		select {
		case b.signalStop <- struct{}{}:
		default:
		}
	}
}

// Run starts the bot: database init, settings load, API server,
// Discord gateway, scheduler. It blocks until the context is canceled
// or a stop signal is received, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	runtimeWG := &sync.WaitGroup{}

	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.ctx = ctx

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	serveGroup, _ := errgroup.WithContext(ctx)
	serveGroup.Go(
		func() error {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				return httpErr
			}
			return nil
		},
	)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if b.api != nil && b.api.listener != nil {
				go func() {
					if e := b.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := b.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if discErr := b.discordInit(ctx); discErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(discErr))
		return discErr
	}

	if schedErr := b.schedulerInit(ctx); schedErr != nil {
		logger.ErrorContext(ctx, "error starting scheduler", tint.Err(schedErr))
		return schedErr
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG, serveGroup)
}

// initRun initializes the database and loads runtime settings.
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	// load or create the settings row - this tells the bot whether it
	// should start in a 'paused' state, to avoid a crash/restart
	// clearing an intentional pause
	setting, err := getOrCreateSetting(ctx, b.writeDB)
	if err != nil {
		return fmt.Errorf("error loading settings: %w", err)
	}
	if err = structValidator.Struct(setting); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	if setting.AdminUsername == "" || setting.AdminPassword == "" {
		b.pendingSetup.Store(true)
	}
	b.paused.Store(setting.Paused)
	setting.applyLogLevels(b.config)
	b.setSetting(setting)

	b.writeDB.LoadUsers()

	if b.roleColors != nil {
		if loadErr := b.roleColors.Load(); loadErr != nil {
			b.logger.Warn("error loading role color state", tint.Err(loadErr))
		}
	}
	return nil
}

// initDB opens the database, applies sqlite pool limits and pragmas,
// and migrates the models.
func (b *Bot) initDB(ctx context.Context) error {
	_, logger := b.getLogger(ctx)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, nil, b.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if b.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(migrateModels()...); err != nil {
		_ = txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return fmt.Errorf("error committing migration: %w", commitErr)
	}
	logger.Debug("finished migrating database")
	return nil
}

// waitOnSetup blocks until admin credentials have been set via the
// dashboard, when the bot starts without any.
func (b *Bot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !b.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			b.api.listener.Addr().String(),
			apiPathSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var setting Setting
			if err := b.db.Order("id").First(&setting).Error; err != nil {
				logger.ErrorContext(ctx, "error getting settings", tint.Err(err))
			}
			if setting.AdminUsername != "" && setting.AdminPassword != "" {
				b.setSetting(setting)
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return b.shutdown(ctx, runtimeWG, nil)
	case <-pendingStateCh:
		b.pendingSetup.Store(false)
	}
	return nil
}

// discordInit opens the gateway connection and registers slash
// commands.
func (b *Bot) discordInit(ctx context.Context) error {
	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	setting := b.Setting()
	if b.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: setting.CustomStatus,
		}
	}
	b.discord.session.SetIdentify(identify)

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.connect(); err != nil {
		return err
	}

	if _, err := b.discord.registerCommands(b.registry); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if setting.CustomStatus != "" && !b.paused.Load() {
		go b.discord.updateCustomStatus(setting.CustomStatus)
	}
	return nil
}

// schedulerInit loads persisted task definitions, seeds the built-in
// tasks, and starts firing.
func (b *Bot) schedulerInit(ctx context.Context) error {
	if err := b.scheduler.Load(); err != nil {
		return err
	}
	for _, def := range b.builtinTasks() {
		if err := b.scheduler.Add(def); err != nil && !errors.Is(err, ErrTaskExists) {
			return fmt.Errorf("error adding built-in task %q: %w", def.Name, err)
		}
	}
	return b.scheduler.Start(ctx)
}

// builtinTasks returns the task definitions the bot seeds on startup.
// Existing definitions with the same name are left untouched, so their
// schedules and enabled flags survive edits.
func (b *Bot) builtinTasks() []TaskDefinition {
	return []TaskDefinition{
		{
			Name:            taskNameRoleColor,
			Type:            TriggerInterval,
			Kind:            TaskKindRoleColor,
			Enabled:         b.config.RoleColor.Enabled,
			IntervalSeconds: b.config.RoleColor.Interval.Seconds(),
		},
		{
			Name:            taskNameSessionCleanup,
			Type:            TriggerInterval,
			Kind:            TaskKindSessionCleanup,
			Enabled:         true,
			IntervalSeconds: (30 * time.Minute).Seconds(),
		},
		{
			Name:            taskNameRequestReset,
			Type:            TriggerInterval,
			Kind:            TaskKindRequestReset,
			Enabled:         true,
			IntervalSeconds: (15 * time.Minute).Seconds(),
		},
	}
}

func (b *Bot) runRoleColorTask(ctx context.Context, _ TaskDefinition) error {
	return b.roleColors.Rotate(ctx)
}

func (b *Bot) runSessionCleanupTask(_ context.Context, _ TaskDefinition) error {
	removed := b.discord.pruneHistory(conversationMaxIdle)
	if removed > 0 {
		b.logger.Info("pruned idle conversations", "count", removed)
	}
	return nil
}

func (b *Bot) runRequestResetTask(ctx context.Context, _ TaskDefinition) error {
	count, err := ResetExpiredRequestWindows(
		ctx,
		b.writeDB,
		b.config.AI.RequestLimitWindow,
	)
	if err != nil {
		return err
	}
	if count > 0 {
		b.logger.Info("reset expired request windows", "count", count)
	}
	return nil
}

// runReminderTask delivers a one-shot reminder created by /remindme.
func (b *Bot) runReminderTask(_ context.Context, def TaskDefinition) error {
	channelID := def.Payload["channel_id"]
	message := def.Payload["message"]
	if channelID == "" || message == "" {
		return fmt.Errorf("reminder %q missing channel_id or message", def.Name)
	}
	content := message
	if userID := def.Payload["user_id"]; userID != "" {
		content = fmt.Sprintf("<@%s> Reminder: %s", userID, message)
	}
	return b.discord.sendChunked(channelID, content, nil)
}

// Pause pauses the bot. While paused, messages are recorded but not
// routed to any AI vendor. Returns false if already paused.
func (b *Bot) Pause(ctx context.Context) bool {
	if b.paused.Swap(true) {
		return false
	}

	if err := b.discord.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		b.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}

	setting := b.Setting()
	if !setting.Paused {
		if _, err := b.writeDB.Update(ctx, &setting, "paused", true); err != nil {
			b.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
		setting.Paused = true
		b.setSetting(setting)
	}
	return true
}

// Resume resumes message handling. Returns false if the bot wasn't
// paused.
func (b *Bot) Resume(ctx context.Context) bool {
	if !b.paused.Swap(false) {
		b.logger.Warn("bot not paused")
		return false
	}
	b.logger.InfoContext(ctx, "bot resumed")

	setting := b.Setting()
	b.discord.updateCustomStatus(setting.CustomStatus)

	if setting.Paused {
		if _, err := b.writeDB.Update(ctx, &setting, "paused", false); err != nil {
			b.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
		setting.Paused = false
		b.setSetting(setting)
	}
	return true
}

func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	serveGroup *errgroup.Group,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		b.logger.Warn("immediate shutdown")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		return errors.New("shutdown timeout not set, connections closed")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()

		stopWG := &sync.WaitGroup{}

		if b.scheduler != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping scheduler")
				if err := b.scheduler.Shutdown(); err != nil {
					b.logger.Error("error stopping scheduler", tint.Err(err))
				}
				b.logger.InfoContext(ctx, "scheduler stopped")
			}()
		}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				if serveGroup != nil {
					_ = serveGroup.Wait()
				}
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord != nil && b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				if err := b.discord.disconnect(); err != nil {
					b.logger.Error("error closing discord session", tint.Err(err))
				}
				b.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		shutdownEnded := time.Now()
		b.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", shutdownEnded.Sub(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		b.logger.Warn("graceful shutdown timed out, forcing close")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		return errors.New("graceful shutdown timed out")
	}
}

// handleDiscordMessage processes an incoming gateway message. Guild and
// direct messages are always recorded. The message is routed to an AI
// vendor when it mentions the bot, starts with the command prefix, or
// arrives as a DM.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	ctx, logger := b.getLogger(ctx)

	if m == nil || m.Message == nil {
		return
	}

	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if author.Bot || author.ID == b.config.Discord.ApplicationID {
		return
	}

	dm := NewDiscordMessage(m.Message)
	if _, err := b.writeDB.Create(ctx, &dm); err != nil {
		logger.ErrorContext(
			ctx,
			"error recording discord message",
			tint.Err(err),
			"discord_message", dm,
		)
	}

	if m.MentionEveryone {
		logger.DebugContext(ctx, "ignoring message mentioning everyone")
		return
	}

	content, mentioned := stripBotMention(
		m.Content,
		b.config.Discord.ApplicationID,
	)
	if !mentioned {
		mentioned = messageMentionsUser(m.Message, b.config.Discord.ApplicationID)
	}
	isDM := m.GuildID == ""
	switch {
	case mentioned, isDM:
		//
	default:
		prefix := b.config.Discord.CommandPrefix
		if prefix == "" || !strings.HasPrefix(content, prefix) {
			return
		}
		content = strings.TrimSpace(strings.TrimPrefix(content, prefix))
	}

	route, prompt := splitRoute(content, b.registry)
	if prompt == "" {
		return
	}

	user, isNew, err := b.writeDB.GetOrCreateUser(
		ctx,
		*author,
		b.Setting().RequestLimit,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		return
	}
	if isNew {
		logger.InfoContext(ctx, "new user seen", "user", user)
	}
	if user.Ignored {
		logger.DebugContext(ctx, "ignoring message from ignored user", "user", user)
		return
	}

	reply := b.askVendor(ctx, logger, user, m.ChannelID, m.GuildID, route, prompt)
	if reply == "" {
		return
	}
	if err = b.discord.sendChunked(m.ChannelID, reply, m.Reference()); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// askVendor runs the shared request pipeline: pause check, rate limit,
// per-window counter, vendor call, request logging, history update.
// Returns the text to send back, or empty when no reply should be sent.
func (b *Bot) askVendor(
	ctx context.Context,
	logger *slog.Logger,
	user *User,
	channelID string,
	guildID string,
	route string,
	prompt string,
) string {
	if b.paused.Load() {
		logger.InfoContext(ctx, "paused, not handling prompt", "user", user)
		return ""
	}

	if !b.limiter.Allow(user.ID) {
		logger.WarnContext(ctx, "user rate limited", "user", user)
		return "You're sending requests too quickly. Give it a moment."
	}

	consumed, err := user.ConsumeRequest(
		ctx,
		b.writeDB,
		b.config.AI.RequestLimitWindow,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error consuming request", tint.Err(err))
	}
	if !consumed {
		return fmt.Sprintf(
			"You've used all %d requests for this window. Try again later.",
			user.RequestLimit,
		)
	}

	client, found := b.registry.Resolve(route)
	if !found {
		return fmt.Sprintf("No vendor configured for %q.", route)
	}

	rec := newAIRequest(user, nil, client.Vendor(), prompt)
	rec.ChannelID = channelID
	rec.GuildID = guildID

	start := time.Now()
	resp, askErr := client.Ask(ctx, prompt, b.discord.historyFor(user.ID))
	rec.finish(resp, time.Since(start), askErr)

	if _, dbErr := b.writeDB.Create(ctx, rec); dbErr != nil {
		logger.ErrorContext(ctx, "error recording ai request", tint.Err(dbErr))
	}

	if askErr != nil {
		logger.ErrorContext(
			ctx,
			"vendor request failed",
			tint.Err(askErr),
			"vendor", client.Vendor(),
			"user", user,
		)
		return fmt.Sprintf("Something went wrong talking to %s.", client.Vendor())
	}

	b.discord.appendHistory(
		user.ID,
		Exchange{Prompt: prompt, Reply: resp.Text},
		b.config.AI.HistorySize,
	)
	return resp.Text
}

// handleInteraction dispatches an incoming slash command.
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	ctx, logger := b.getLogger(ctx)

	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	author := getDiscordUser(i)
	if author == nil {
		logger.WarnContext(ctx, "couldn't find user in interaction")
		return
	}

	user, _, err := b.writeDB.GetOrCreateUser(
		ctx,
		*author,
		b.Setting().RequestLimit,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		return
	}
	if user.Ignored {
		logger.DebugContext(ctx, "ignoring interaction from ignored user", "user", user)
		return
	}

	data := i.ApplicationCommandData()
	logger = logger.With("command", data.Name, "user", user)

	switch data.Name {
	case DiscordSlashCommandAsk:
		b.handleAskCommand(ctx, logger, i, user)
	case DiscordSlashCommandClear:
		b.discord.clearHistory(user.ID)
		b.respondEphemeral(ctx, logger, i, "Conversation history cleared.")
	case DiscordSlashCommandRemindMe:
		b.handleRemindMeCommand(ctx, logger, i, user)
	case DiscordSlashCommandTaskCtl:
		b.handleTaskCtlCommand(ctx, logger, i, user)
	default:
		logger.WarnContext(ctx, "unknown command")
	}
}

func (b *Bot) handleAskCommand(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	user *User,
) {
	options := discordInteractionOptions(i)
	prompt := ""
	route := ""
	if opt, ok := options["prompt"]; ok {
		prompt = opt.StringValue()
	}
	if opt, ok := options["vendor"]; ok {
		route = opt.StringValue()
	}
	if strings.TrimSpace(prompt) == "" {
		b.respondEphemeral(ctx, logger, i, "A prompt is required.")
		return
	}

	if b.paused.Load() {
		b.respondEphemeral(ctx, logger, i, "The bot is paused right now. Try again later.")
		return
	}

	if err := b.discord.session.InteractionRespond(
		i.Interaction,
		b.discord.ackResponse(),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	reply := b.askVendor(
		ctx,
		logger,
		user,
		i.ChannelID,
		i.GuildID,
		route,
		prompt,
	)
	if reply == "" {
		reply = "No response."
	}

	chunks := chunkMessage(reply, discordMaxMessageLength)
	if _, err := b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &chunks[0]},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
		return
	}
	for _, chunk := range chunks[1:] {
		if _, err := b.discord.session.ChannelMessageSend(
			i.ChannelID,
			chunk,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error sending reply chunk", tint.Err(err))
			return
		}
	}
}

func (b *Bot) handleRemindMeCommand(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	user *User,
) {
	options := discordInteractionOptions(i)
	var minutes int64
	message := ""
	if opt, ok := options["minutes"]; ok {
		minutes = opt.IntValue()
	}
	if opt, ok := options["message"]; ok {
		message = opt.StringValue()
	}
	if minutes <= 0 || strings.TrimSpace(message) == "" {
		b.respondEphemeral(ctx, logger, i, "Both minutes and a message are required.")
		return
	}

	runAt := time.Now().Add(time.Duration(minutes) * time.Minute)
	def := TaskDefinition{
		Name:    fmt.Sprintf("reminder-%s-%d", user.ID, time.Now().UnixMilli()),
		Type:    TriggerWait,
		Kind:    TaskKindReminder,
		Enabled: true,
		RunAt:   &runAt,
		Payload: map[string]string{
			"channel_id": i.ChannelID,
			"user_id":    user.ID,
			"message":    message,
		},
	}
	if err := b.scheduler.Add(def); err != nil {
		logger.ErrorContext(ctx, "error scheduling reminder", tint.Err(err))
		b.respondEphemeral(ctx, logger, i, "Couldn't schedule that reminder.")
		return
	}
	logger.InfoContext(ctx, "scheduled reminder", "task", def)
	b.respondEphemeral(
		ctx,
		logger,
		i,
		fmt.Sprintf(
			"Reminder set for %s.",
			runAt.Format("15:04 MST"),
		),
	)
}

func (b *Bot) handleTaskCtlCommand(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	user *User,
) {
	if !user.IsAdmin {
		b.respondEphemeral(ctx, logger, i, "Admin only.")
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		b.respondEphemeral(ctx, logger, i, "A subcommand is required.")
		return
	}
	sub := data.Options[0]

	taskName := ""
	for _, opt := range sub.Options {
		if opt.Name == "name" {
			taskName = opt.StringValue()
		}
	}

	switch sub.Name {
	case "list":
		statuses := b.scheduler.List()
		if len(statuses) == 0 {
			b.respondEphemeral(ctx, logger, i, "No scheduled tasks.")
			return
		}
		lines := make([]string, 0, len(statuses))
		for _, st := range statuses {
			state := "stopped"
			if st.Running {
				state = "running"
			}
			line := fmt.Sprintf("`%s` (%s/%s): %s", st.Name, st.Type, st.Kind, state)
			if st.NextRun != nil {
				line += fmt.Sprintf(", next run %s", st.NextRun.Format(time.RFC3339))
			}
			lines = append(lines, line)
		}
		b.respondEphemeral(ctx, logger, i, strings.Join(lines, "\n"))
	case "start":
		err := b.scheduler.StartTask(taskName)
		if err != nil {
			b.respondEphemeral(ctx, logger, i, fmt.Sprintf("Couldn't start %q: %s", taskName, err))
			return
		}
		b.respondEphemeral(ctx, logger, i, fmt.Sprintf("Started %q.", taskName))
	case "stop":
		err := b.scheduler.StopTask(taskName)
		if err != nil {
			b.respondEphemeral(ctx, logger, i, fmt.Sprintf("Couldn't stop %q: %s", taskName, err))
			return
		}
		b.respondEphemeral(ctx, logger, i, fmt.Sprintf("Stopped %q.", taskName))
	default:
		b.respondEphemeral(ctx, logger, i, fmt.Sprintf("Unknown subcommand %q.", sub.Name))
	}
}

func (b *Bot) respondEphemeral(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	content string,
) {
	if err := b.discord.session.InteractionRespond(
		i.Interaction,
		b.discord.ephemeralResponse(content),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending interaction response", tint.Err(err))
	}
}
