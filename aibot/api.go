package aibot

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathLogin       = "/login"
	apiPathLogout      = "/logout"
	apiPathLoggedIn    = "/logged_in"
	apiHealthCheck     = "/healthz"
	apiPathSetup       = "/setup"
	apiPathSetupStatus = "/setup/status"

	apiPathUsers       = "/users"
	apiPathUser        = "/users/:id"
	apiPathUserAPIKey  = "/users/:id/api_key"
	apiPathReloadUsers = "/users/reload"

	apiPathAccessRequest  = "/access"
	apiPathAccessRequests = "/access/requests"
	apiPathAccessResolve  = "/access/requests/:id"

	apiPathSettings      = "/settings"
	apiPathStatsSummary  = "/stats/summary"
	apiPathStatsMessages = "/stats/messages"
	apiPathStatsAI       = "/stats/ai"

	apiPathTasks        = "/tasks"
	apiPathTaskStart    = "/tasks/:name/start"
	apiPathTaskStop     = "/tasks/:name/stop"
	apiPathTaskRestart  = "/tasks/:name/restart"
	apiPathTaskStartAll = "/scheduler/start"
	apiPathTaskStopAll  = "/scheduler/stop"

	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	xAPIKeyHeader    = "X-API-Key"
	sessionVarName   = "user"
	sessionVarField  = "username"

	authUserContextKey  = "auth_user"
	authAdminContextKey = "auth_admin"
	loggerGinContextKey = "request_logger"
)

var (
	structValidator = validator.New()
)

// API is the dashboard HTTP server: login, user and access management,
// usage statistics, settings and task control.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		logger:              logger,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := newAPIHandlers(b)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	sslCfg := config.SSL
	if sslCfg.Cert == "" || sslCfg.Key == "" {
		certFile, keyFile, err := selfSignedCertFiles()
		if err != nil {
			return nil, fmt.Errorf("error generating self-signed cert: %w", err)
		}
		logger.Warn(
			"no SSL cert/key configured, generated self-signed certificate",
			"cert", certFile,
		)
		sslCfg.Cert = certFile
		sslCfg.Key = keyFile
	}
	tlsCfg, err := tlsConfig(sslCfg.Cert, sslCfg.Key, sslCfg.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.POST(apiPathAccessRequest, apiHandlers.createAccessRequest)
	protected.GET(apiPathStatsSummary, apiHandlers.getStatsSummary)
	protected.GET(apiPathStatsMessages, apiHandlers.getMessageStats)
	protected.GET(apiPathStatsAI, apiHandlers.getAIStats)

	admin := protected.Group("")
	admin.Use(adminMiddleware())

	admin.GET(apiPathUsers, apiHandlers.getUsers)
	admin.GET(apiPathUser, apiHandlers.getUser)
	admin.PATCH(apiPathUser, apiHandlers.updateUser)
	admin.POST(apiPathUserAPIKey, apiHandlers.rotateUserAPIKey)
	admin.POST(apiPathReloadUsers, apiHandlers.reloadUsers)

	admin.GET(apiPathAccessRequests, apiHandlers.getAccessRequests)
	admin.PATCH(apiPathAccessResolve, apiHandlers.resolveAccessRequest)

	admin.GET(apiPathSettings, apiHandlers.getSettings)
	admin.PATCH(apiPathSettings, apiHandlers.updateSettings)

	admin.GET(apiPathTasks, apiHandlers.getTasks)
	admin.POST(apiPathTaskStart, apiHandlers.startTask)
	admin.POST(apiPathTaskStop, apiHandlers.stopTask)
	admin.POST(apiPathTaskRestart, apiHandlers.restartTask)
	admin.POST(apiPathTaskStartAll, apiHandlers.startAllTasks)
	admin.POST(apiPathTaskStopAll, apiHandlers.stopAllTasks)

	admin.POST(apiPathPause, apiHandlers.botPause)
	admin.POST(apiPathResume, apiHandlers.botResume)
	admin.POST(apiPathQuit, apiHandlers.botQuit)
	admin.POST(apiPathRegisterCommands, apiHandlers.registerCommands)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
	store  CookieStore
}

func newAPIHandlers(b *Bot) *APIHandlers {
	logger := b.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if b.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(b.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{b: b, logger: logger, store: store}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.b.pendingSetup.Load()})
}

// adminSetup sets the initial admin credentials. Only allowed while no
// credentials exist.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	if !h.b.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "forbidden"})
		return
	}
	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	setting := h.b.Setting()
	if _, err = h.b.writeDB.Updates(
		c.Request.Context(), &setting, map[string]any{
			"admin_username": payload.Username,
			"admin_password": password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	setting.AdminUsername = payload.Username
	setting.AdminPassword = password
	h.b.setSetting(setting)
	h.b.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler validates dashboard credentials and creates a session.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.b.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	setting := h.b.Setting()
	if setting.AdminUsername == "" || setting.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != setting.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(setting.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.b.api.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.b.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.b.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	if user := authenticatedUser(c); user != nil {
		c.JSON(http.StatusOK, loggedInResponse{Username: user.Username})
		return
	}
	username, err := h.b.api.getSessionUsername(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.b.paused.Load(),
			DiscordGatewayConnected: h.b.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) getUsers(c *gin.Context) {
	var users []User
	err := h.b.writeDB.DB().WithContext(c.Request.Context()).Order(
		"last_seen desc",
	).Find(&users).Error
	if err != nil {
		ginContextLogger(c).Error("error listing users", tint.Err(err))
		ginReplyError(c, "error listing users")
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *APIHandlers) getUser(c *gin.Context) {
	logger := ginContextLogger(c)
	user := h.b.writeDB.ReloadUser(c.Param("id"))
	if user == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
		return
	}
	stats, err := user.getStats(c.Request.Context(), h.b.writeDB.DB())
	if err != nil {
		logger.Warn("error getting user stats", tint.Err(err))
	}
	c.JSON(http.StatusOK, userWithStats{User: *user, UserStats: &stats})
}

func (h *APIHandlers) updateUser(c *gin.Context) {
	logger := ginContextLogger(c)
	user := h.b.writeDB.ReloadUser(c.Param("id"))
	if user == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
		return
	}

	var patch apiPatchUser
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updates := map[string]any{}
	if patch.Ignored != nil {
		updates[columnUserIgnored] = *patch.Ignored
	}
	if patch.IsAdmin != nil {
		updates["is_admin"] = *patch.IsAdmin
	}
	if patch.AccessStatus != nil {
		updates[columnUserAccessStatus] = *patch.AccessStatus
	}
	if patch.RequestLimit != nil {
		updates["request_limit"] = *patch.RequestLimit
	}
	if patch.VendorToken != nil {
		sealed := ""
		if *patch.VendorToken != "" {
			var err error
			sealed, err = EncryptToken(
				user.ID,
				h.b.config.API.Secret,
				*patch.VendorToken,
			)
			if err != nil {
				logger.Error("error sealing vendor token", tint.Err(err))
				ginReplyError(c, "error storing vendor token")
				return
			}
		}
		updates[columnUserEncryptedToken] = sealed
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, user)
		return
	}

	logger.Info(
		"updating user",
		"user", user,
		"access_status", stringPointerValue(patch.AccessStatus),
	)
	if _, err := h.b.writeDB.Updates(c.Request.Context(), user, updates); err != nil {
		logger.Error("error updating user", tint.Err(err))
		ginReplyError(c, "error updating user")
		return
	}
	if reloaded := h.b.writeDB.ReloadUser(user.ID); reloaded != nil {
		user = reloaded
	}
	c.JSON(http.StatusOK, user)
}

// rotateUserAPIKey replaces the user's API key with a freshly generated
// one. The previous key stops working immediately.
func (h *APIHandlers) rotateUserAPIKey(c *gin.Context) {
	logger := ginContextLogger(c)
	user := h.b.writeDB.ReloadUser(c.Param("id"))
	if user == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
		return
	}
	apiKey, err := generateAPIKey()
	if err != nil {
		logger.Error("error generating api key", tint.Err(err))
		ginReplyError(c, "error generating api key")
		return
	}
	if _, err = h.b.writeDB.Updates(
		c.Request.Context(), user, map[string]any{columnUserAPIKey: apiKey},
	); err != nil {
		logger.Error("error rotating api key", tint.Err(err))
		ginReplyError(c, "error rotating api key")
		return
	}
	logger.Info("rotated user api key", "user", user)
	c.JSON(http.StatusOK, gin.H{columnUserAPIKey: apiKey})
}

func (h *APIHandlers) reloadUsers(c *gin.Context) {
	users := h.b.writeDB.LoadUsers()
	c.JSON(http.StatusOK, gin.H{"count": len(users)})
}

// createAccessRequest lets an API-key user ask for dashboard access.
// The user's access status moves to 'requested' until an admin resolves
// the request.
func (h *APIHandlers) createAccessRequest(c *gin.Context) {
	logger := ginContextLogger(c)
	user := authenticatedUser(c)
	if user == nil {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "access requests require an API key"},
		)
		return
	}
	if user.AccessStatus == AccessStatusApproved {
		c.JSON(http.StatusConflict, httpError{Error: "access already granted"})
		return
	}

	req := NewAccessRequest(user.ID)
	ctx := c.Request.Context()
	err := h.b.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Create(req).Error; e != nil {
				return e
			}
			return tx.Model(&User{}).Where(
				"id = ?", user.ID,
			).Update(columnUserAccessStatus, AccessStatusRequested).Error
		},
	)
	if err != nil {
		logger.Error("error creating access request", tint.Err(err))
		ginReplyError(c, "error creating access request")
		return
	}
	h.b.writeDB.ReloadUser(user.ID)
	logger.Info("created access request", "request", req, "user", user)
	c.JSON(http.StatusCreated, req)
}

func (h *APIHandlers) getAccessRequests(c *gin.Context) {
	var requests []AccessRequest
	query := h.b.writeDB.DB().WithContext(c.Request.Context())
	if c.Query("all") == "" {
		query = query.Where(
			"status IN ?",
			[]AccessStatus{AccessStatusPending, AccessStatusRequested},
		)
	}
	if err := query.Order("created_at desc").Find(&requests).Error; err != nil {
		ginContextLogger(c).Error("error listing access requests", tint.Err(err))
		ginReplyError(c, "error listing access requests")
		return
	}
	c.JSON(http.StatusOK, requests)
}

func (h *APIHandlers) resolveAccessRequest(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload accessResolvePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	var req AccessRequest
	err := h.b.writeDB.DB().WithContext(c.Request.Context()).Where(
		"id = ?", c.Param("id"),
	).First(&req).Error
	if err != nil {
		c.JSON(http.StatusNotFound, httpError{Error: "access request not found"})
		return
	}

	resolvedBy, _ := h.b.api.getSessionUsername(c)
	if resolvedBy == "" {
		resolvedBy = "api"
	}
	err = req.resolve(
		c.Request.Context(),
		h.b.writeDB,
		AccessStatus(payload.Status),
		resolvedBy,
	)
	switch {
	case errors.Is(err, ErrAccessRequestResolved):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("error resolving access request", tint.Err(err))
		ginReplyError(c, "error resolving access request")
		return
	}
	h.b.writeDB.ReloadUser(req.UserID)
	logger.Info("resolved access request", "request", req)
	c.JSON(http.StatusOK, req)
}

func (h *APIHandlers) getStatsSummary(c *gin.Context) {
	summary, err := getStatsSummary(c.Request.Context(), h.b.writeDB.DB())
	if err != nil {
		ginContextLogger(c).Error("error getting stats summary", tint.Err(err))
		ginReplyError(c, "error getting stats summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *APIHandlers) getMessageStats(c *gin.Context) {
	stats, err := getMessageStats(c.Request.Context(), h.b.writeDB.DB())
	if err != nil {
		ginContextLogger(c).Error("error getting message stats", tint.Err(err))
		ginReplyError(c, "error getting message stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) getAIStats(c *gin.Context) {
	stats, err := getAIStats(c.Request.Context(), h.b.writeDB.DB())
	if err != nil {
		ginContextLogger(c).Error("error getting ai stats", tint.Err(err))
		ginReplyError(c, "error getting ai stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.Setting())
}

// updateSettings applies a partial settings update: pause state, custom
// status, request limit and per-component log levels.
func (h *APIHandlers) updateSettings(c *gin.Context) {
	logger := ginContextLogger(c)

	var update SettingUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	setting := h.b.Setting()
	previousStatus := setting.CustomStatus
	updates := update.apply(&setting)
	if len(updates) == 0 {
		c.JSON(http.StatusOK, setting)
		return
	}

	if _, err := h.b.writeDB.Updates(
		c.Request.Context(), &setting, updates,
	); err != nil {
		logger.Error("error updating settings", tint.Err(err))
		ginReplyError(c, "error updating settings")
		return
	}

	h.b.setSetting(setting)
	h.b.paused.Store(setting.Paused)
	setting.applyLogLevels(h.b.config)
	if setting.CustomStatus != previousStatus {
		h.b.discord.updateCustomStatus(setting.CustomStatus)
	}
	logger.Info("updated settings", "updates", updates)
	c.JSON(http.StatusOK, setting)
}

func (h *APIHandlers) getTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.scheduler.List())
}

func (h *APIHandlers) startTask(c *gin.Context) {
	h.taskAction(c, h.b.scheduler.StartTask, "started")
}

func (h *APIHandlers) stopTask(c *gin.Context) {
	h.taskAction(c, h.b.scheduler.StopTask, "stopped")
}

func (h *APIHandlers) restartTask(c *gin.Context) {
	h.taskAction(c, h.b.scheduler.RestartTask, "restarted")
}

func (h *APIHandlers) taskAction(
	c *gin.Context,
	action func(string) error,
	verb string,
) {
	name := c.Param("name")
	err := action(name)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "task not found"})
	case errors.Is(err, ErrTaskNotRunning):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case err != nil:
		ginContextLogger(c).Error("task action failed", tint.Err(err), "task", name)
		ginReplyError(c, "task action failed")
	default:
		ginReplyMessage(c, fmt.Sprintf("task %q %s", name, verb))
	}
}

func (h *APIHandlers) startAllTasks(c *gin.Context) {
	if err := h.b.scheduler.StartAll(); err != nil {
		ginContextLogger(c).Error("error starting tasks", tint.Err(err))
		ginReplyError(c, "error starting tasks")
		return
	}
	ginReplyMessage(c, "all tasks started")
}

func (h *APIHandlers) stopAllTasks(c *gin.Context) {
	if err := h.b.scheduler.StopAll(); err != nil {
		ginContextLogger(c).Error("error stopping tasks", tint.Err(err))
		ginReplyError(c, "error stopping tasks")
		return
	}
	ginReplyMessage(c, "all tasks stopped")
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if !h.b.Pause(c.Request.Context()) {
		c.AbortWithStatusJSON(
			http.StatusConflict, httpError{Error: "already paused"},
		)
		return
	}
	ginContextLogger(c).Info("bot paused")
	ginReplyMessage(c, "bot paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if !h.b.Resume(c.Request.Context()) {
		c.AbortWithStatusJSON(
			http.StatusConflict, httpError{Error: "not paused"},
		)
		return
	}
	ginContextLogger(c).Info("bot resumed")
	ginReplyMessage(c, "bot resumed")
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("bot quitting")
	ginReplyMessage(c, "shutting down")
	h.b.triggerShutdown()
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")
	created, err := h.b.discord.registerCommands(h.b.registry)
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// userWithStats combines a User with their usage statistics.
type userWithStats struct {
	User
	UserStats *UserStats `json:"stats,omitempty"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse indicates whether initial admin setup is still needed.
type setupResponse struct {
	Required bool `json:"required"`
}

type apiPatchUser struct {
	Ignored      *bool   `json:"ignored"`
	IsAdmin      *bool   `json:"is_admin"`
	AccessStatus *string `json:"access_status" binding:"omitnil,oneof=pending requested approved denied"`
	RequestLimit *int    `json:"request_limit" binding:"omitnil,min=1"`

	// VendorToken is sealed with EncryptToken before it is stored.
	// An empty string clears a previously stored token.
	VendorToken *string `json:"vendor_token"`
}

type accessResolvePayload struct {
	Status string `json:"status" binding:"required,oneof=approved denied"`
}

// apiKey returns the API key from the request, checking the X-API-Key
// header first, then an Authorization bearer token.
func apiKey(c *gin.Context) string {
	if key := c.GetHeader(xAPIKeyHeader); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if token, found := strings.CutPrefix(auth, "Bearer "); found {
		return strings.TrimSpace(token)
	}
	return ""
}

// authenticatedUser returns the API-key user set by authMiddleware, or
// nil for session and global-secret callers.
func authenticatedUser(c *gin.Context) *User {
	value, ok := c.Get(authUserContextKey)
	if !ok {
		return nil
	}
	user, _ := value.(*User)
	return user
}

// authMiddleware authenticates requests by API key or session cookie.
//
// The configured global secret acts as an admin bearer token. A user's
// API key authenticates that user; admin access requires approved
// status and the admin flag. A valid session cookie is always admin,
// since only admin credentials can log in.
func authMiddleware(b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		if key := apiKey(c); key != "" {
			if b.config.API.Secret != "" && key == b.config.API.Secret {
				c.Set(authAdminContextKey, true)
				c.Next()
				return
			}
			user, err := GetUserByAPIKey(b.writeDB.DB(), key)
			if err != nil {
				logger.Warn("invalid api key")
				c.AbortWithStatusJSON(
					http.StatusUnauthorized,
					httpError{Error: "unauthorized"},
				)
				return
			}
			if user.Ignored {
				c.AbortWithStatusJSON(
					http.StatusForbidden,
					httpError{Error: "forbidden"},
				)
				return
			}
			user.touchLastLogin(c.Request.Context(), b.writeDB)
			c.Set(authUserContextKey, user)
			if user.IsAdmin && user.AccessStatus == AccessStatusApproved {
				c.Set(authAdminContextKey, true)
			}
			c.Next()
			return
		}

		if b.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		username, err := b.api.getSessionUsername(c)
		if err != nil || username == "" {
			logger.Warn("no session or api key", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Set(authAdminContextKey, true)
		c.Next()
	}
}

// adminMiddleware rejects requests that authMiddleware did not mark as
// admin. Non-admin API-key users get a 403, and users who have not been
// approved are told how to request access.
func adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(authAdminContextKey) {
			c.Next()
			return
		}
		if user := authenticatedUser(c); user != nil &&
			user.AccessStatus != AccessStatusApproved {
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				httpError{Error: "access not granted, request it via POST " + apiPrefix + apiPathAccessRequest},
			)
			return
		}
		c.AbortWithStatusJSON(
			http.StatusForbidden,
			httpError{Error: "forbidden"},
		)
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, echoed in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included and caches it in the context.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(loggerGinContextKey)
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(loggerGinContextKey, requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// selfSignedCertFiles writes a generated certificate and key to a temp
// directory, for use when no SSL cert is configured.
func selfSignedCertFiles() (string, string, error) {
	dir, err := os.MkdirTemp("", "discord-ai-bot-ssl")
	if err != nil {
		return "", "", err
	}
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if _, err = generateSelfSignedCert(certFile, keyFile); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Discord-AI-Bot"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(
		validateRoleColorConfig,
		RoleColorConfig{},
	)
}
