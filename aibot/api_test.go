package aibot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "the admin password"
	testGlobalSecret  = "global-api-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestBot assembles a Bot with a real database and API but a mocked
// Discord session, with admin credentials already set.
func newTestBot(t *testing.T) *Bot {
	t.Helper()
	tmp := t.TempDir()

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(tmp, "bot.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "app123"
	cfg.API.Secret = testGlobalSecret
	cfg.API.Development = true
	cfg.AI.OpenAI.Token = "openai-key"
	cfg.Scheduler.TasksFile = filepath.Join(tmp, "tasks.json")
	cfg.RoleColor.StateFile = filepath.Join(tmp, "role_colors.json")

	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypeSQLite, cfg.Database)
	require.NoError(t, err)

	handler := discardHandler()
	registry, err := NewClientRegistry(ctx, cfg.AI, nil, handler)
	require.NoError(t, err)
	scheduler, err := NewTaskScheduler(cfg.Scheduler, handler)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = scheduler.Shutdown()
		},
	)

	session := &mockDiscordSession{}
	disc := &Discord{
		config:  cfg.Discord,
		session: session,
		logger:  slog.New(handler),
		history: map[string]*conversation{},
	}

	b := &Bot{
		config:     cfg,
		db:         db,
		writeDB:    NewDatabase(db, nil, false),
		logger:     slog.New(handler),
		logHandler: handler,
		discord:    disc,
		registry:   registry,
		limiter: newRequestLimiter(
			cfg.AI.RequestLimit,
			cfg.AI.RequestLimitWindow,
		),
		scheduler:     scheduler,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		ctx:           ctx,
	}
	disc.bot = b
	scheduler.RegisterHandler(TaskKindRoleColor, b.runRoleColorTask)
	scheduler.RegisterHandler(TaskKindSessionCleanup, b.runSessionCleanupTask)
	scheduler.RegisterHandler(TaskKindRequestReset, b.runRequestResetTask)
	scheduler.RegisterHandler(TaskKindReminder, b.runReminderTask)

	setting, err := getOrCreateSetting(ctx, b.writeDB)
	require.NoError(t, err)
	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	_, err = b.writeDB.Updates(
		ctx, &setting, map[string]any{
			"admin_username": testAdminUsername,
			"admin_password": hash,
		},
	)
	require.NoError(t, err)
	setting.AdminUsername = testAdminUsername
	setting.AdminPassword = hash
	b.setSetting(setting)

	api, err := newAPI(b, cfg.API)
	require.NoError(t, err)
	api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	b.api = api
	return b
}

func apiRequest(
	t *testing.T,
	b *Bot,
	method string,
	path string,
	body any,
	opts ...func(*http.Request),
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)
	return w
}

func withAPIKey(key string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(xAPIKeyHeader, key)
	}
}

func withBearer(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func withCookies(cookies []*http.Cookie) func(*http.Request) {
	return func(req *http.Request) {
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}
}

// loginSession logs in as the admin and returns the session cookies.
func loginSession(t *testing.T, b *Bot) []*http.Cookie {
	t.Helper()
	w := apiRequest(
		t, b, http.MethodPost, apiPathLogin, userLogin{
			Username: testAdminUsername,
			Password: testAdminPassword,
		},
	)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

// createAPIUser creates a user with the given access state and returns
// it with a usable API key.
func createAPIUser(
	t *testing.T,
	b *Bot,
	id string,
	admin bool,
	status AccessStatus,
) *User {
	t.Helper()
	ctx := context.Background()
	user, _, err := b.writeDB.GetOrCreateUser(ctx, testDiscordUser(id), 10)
	require.NoError(t, err)
	_, err = b.writeDB.Updates(
		ctx, user, map[string]any{
			"is_admin":             admin,
			columnUserAccessStatus: status,
		},
	)
	require.NoError(t, err)
	user = b.writeDB.ReloadUser(id)
	require.NotNil(t, user)
	return user
}

func TestHealthCheck(t *testing.T) {
	b := newTestBot(t)
	w := apiRequest(t, b, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.False(t, health.Paused)
	assert.False(t, health.DiscordGatewayConnected)
}

func TestLoginLogout(t *testing.T) {
	b := newTestBot(t)

	w := apiRequest(
		t, b, http.MethodPost, apiPathLogin, userLogin{
			Username: testAdminUsername,
			Password: "wrong password",
		},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(
		t, b, http.MethodPost, apiPathLogin, userLogin{
			Username: "nobody",
			Password: testAdminPassword,
		},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cookies := loginSession(t, b)

	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathLoggedIn, nil,
		withCookies(cookies),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var logged loggedInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logged))
	assert.Equal(t, testAdminUsername, logged.Username)

	// no credentials at all
	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminSetup(t *testing.T) {
	b := newTestBot(t)
	b.pendingSetup.Store(true)

	w := apiRequest(t, b, http.MethodGet, apiPathSetupStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status setupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Required)

	// mismatched confirmation
	w = apiRequest(
		t, b, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        "newadmin",
			Password:        "password one",
			ConfirmPassword: "password two",
		},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(
		t, b, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        "newadmin",
			Password:        "a new password",
			ConfirmPassword: "a new password",
		},
	)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.False(t, b.pendingSetup.Load())

	setting := b.Setting()
	assert.Equal(t, "newadmin", setting.AdminUsername)
	ok, err := VerifyPassword(setting.AdminPassword, "a new password")
	require.NoError(t, err)
	assert.True(t, ok)

	// setup is one-shot
	w = apiRequest(
		t, b, http.MethodPost, apiPathSetup, adminSetupPayload{
			Username:        "another",
			Password:        "pw",
			ConfirmPassword: "pw",
		},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthMiddlewareAPIKey(t *testing.T) {
	b := newTestBot(t)

	adminUser := createAPIUser(t, b, "100", true, AccessStatusApproved)
	regularUser := createAPIUser(t, b, "101", false, AccessStatusApproved)

	// admin user reaches admin endpoints
	w := apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathUsers, nil,
		withAPIKey(adminUser.APIKey),
	)
	assert.Equal(t, http.StatusOK, w.Code)

	// non-admin user does not
	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathUsers, nil,
		withAPIKey(regularUser.APIKey),
	)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// but can reach non-admin endpoints
	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathStatsSummary, nil,
		withAPIKey(regularUser.APIKey),
	)
	assert.Equal(t, http.StatusOK, w.Code)

	// bogus key
	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathStatsSummary, nil,
		withAPIKey("not-a-real-key"),
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareIgnoredUser(t *testing.T) {
	b := newTestBot(t)
	user := createAPIUser(t, b, "100", false, AccessStatusApproved)
	_, err := b.writeDB.Updates(
		context.Background(), user, map[string]any{columnUserIgnored: true},
	)
	require.NoError(t, err)

	w := apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathStatsSummary, nil,
		withAPIKey(user.APIKey),
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthMiddlewareGlobalSecret(t *testing.T) {
	b := newTestBot(t)
	w := apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathUsers, nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAccessRequestFlow(t *testing.T) {
	b := newTestBot(t)
	user := createAPIUser(t, b, "100", false, AccessStatusPending)

	// admin routes are off-limits until access is granted
	w := apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathUsers, nil,
		withAPIKey(user.APIKey),
	)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), apiPathAccessRequest)

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathAccessRequest, nil,
		withAPIKey(user.APIKey),
	)
	require.Equal(t, http.StatusCreated, w.Code)
	var created AccessRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, user.ID, created.UserID)
	assert.Equal(t, AccessStatusPending, created.Status)

	reloaded := b.writeDB.ReloadUser(user.ID)
	require.NotNil(t, reloaded)
	assert.Equal(t, AccessStatusRequested, reloaded.AccessStatus)

	// admin sees the pending request
	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathAccessRequests, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var requests []AccessRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &requests))
	require.Len(t, requests, 1)

	// approve it
	w = apiRequest(
		t, b, http.MethodPatch,
		apiPrefix+"/access/requests/"+created.ID,
		accessResolvePayload{Status: "approved"},
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)

	reloaded = b.writeDB.ReloadUser(user.ID)
	require.NotNil(t, reloaded)
	assert.Equal(t, AccessStatusApproved, reloaded.AccessStatus)

	// approving twice conflicts
	w = apiRequest(
		t, b, http.MethodPatch,
		apiPrefix+"/access/requests/"+created.ID,
		accessResolvePayload{Status: "denied"},
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusConflict, w.Code)

	// already-approved users can't re-request
	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathAccessRequest, nil,
		withAPIKey(user.APIKey),
	)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResolveAccessRequestNotFound(t *testing.T) {
	b := newTestBot(t)
	w := apiRequest(
		t, b, http.MethodPatch,
		apiPrefix+"/access/requests/nonexistent",
		accessResolvePayload{Status: "approved"},
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsEndpoints(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	seedMessage(t, b.writeDB, "100", "alice", "chan1")
	rec := newAIRequest(&User{ID: "100", Username: "alice"}, nil, RouteGPT, "q")
	rec.TotalTokens = 5
	_, err := b.writeDB.Create(ctx, rec)
	require.NoError(t, err)

	w := apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathStatsSummary, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var summary StatsSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, int64(1), summary.Messages)
	assert.Equal(t, int64(1), summary.AIRequests)

	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathStatsMessages, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var messageStats MessageStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &messageStats))
	assert.Len(t, messageStats.Daily, statsMessageDays)

	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathStatsAI, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var aiStats AIStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &aiStats))
	require.Len(t, aiStats.ByModel, 1)
	assert.Equal(t, RouteGPT, aiStats.ByModel[0].Name)
}

func TestGetAndUpdateUser(t *testing.T) {
	b := newTestBot(t)
	user := createAPIUser(t, b, "100", false, AccessStatusPending)

	w := apiRequest(
		t, b, http.MethodGet, apiPrefix+"/users/"+user.ID, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var detail userWithStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, user.ID, detail.ID)
	require.NotNil(t, detail.UserStats)

	ignored := true
	limit := 99
	w = apiRequest(
		t, b, http.MethodPatch, apiPrefix+"/users/"+user.ID,
		apiPatchUser{Ignored: &ignored, RequestLimit: &limit},
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)

	reloaded := b.writeDB.ReloadUser(user.ID)
	require.NotNil(t, reloaded)
	assert.True(t, reloaded.Ignored)
	assert.Equal(t, 99, reloaded.RequestLimit)

	// invalid patch payload
	badLimit := 0
	w = apiRequest(
		t, b, http.MethodPatch, apiPrefix+"/users/"+user.ID,
		apiPatchUser{RequestLimit: &badLimit},
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+"/users/nonexistent", nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateUserVendorToken(t *testing.T) {
	b := newTestBot(t)
	user := createAPIUser(t, b, "100", false, AccessStatusApproved)

	token := "vendor-secret-token"
	w := apiRequest(
		t, b, http.MethodPatch, apiPrefix+"/users/"+user.ID,
		apiPatchUser{VendorToken: &token},
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)

	// stored sealed, not in the clear
	reloaded := b.writeDB.ReloadUser(user.ID)
	require.NotNil(t, reloaded)
	require.NotEmpty(t, reloaded.EncryptedToken)
	assert.NotContains(t, reloaded.EncryptedToken, token)
	assert.NotContains(t, w.Body.String(), token)

	plain, err := DecryptToken(
		user.ID, testGlobalSecret, reloaded.EncryptedToken,
	)
	require.NoError(t, err)
	assert.Equal(t, token, plain)

	// empty string clears the stored token
	empty := ""
	w = apiRequest(
		t, b, http.MethodPatch, apiPrefix+"/users/"+user.ID,
		apiPatchUser{VendorToken: &empty},
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	reloaded = b.writeDB.ReloadUser(user.ID)
	require.NotNil(t, reloaded)
	assert.Empty(t, reloaded.EncryptedToken)
}

func TestRotateUserAPIKey(t *testing.T) {
	b := newTestBot(t)
	user := createAPIUser(t, b, "100", false, AccessStatusApproved)
	oldKey := user.APIKey

	w := apiRequest(
		t, b, http.MethodPost, apiPrefix+"/users/"+user.ID+"/api_key", nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)

	reloaded := b.writeDB.ReloadUser(user.ID)
	require.NotNil(t, reloaded)
	assert.NotEqual(t, oldKey, reloaded.APIKey)

	// the old key no longer authenticates
	w = apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathStatsSummary, nil,
		withAPIKey(oldKey),
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpdateSettingsEndpoint(t *testing.T) {
	b := newTestBot(t)

	paused := true
	status := "out to lunch"
	w := apiRequest(
		t, b, http.MethodPatch, apiPrefix+apiPathSettings,
		SettingUpdate{Paused: &paused, CustomStatus: &status},
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)

	assert.True(t, b.paused.Load())
	setting := b.Setting()
	assert.True(t, setting.Paused)
	assert.Equal(t, "out to lunch", setting.CustomStatus)

	// invalid update
	badLimit := 0
	w = apiRequest(
		t, b, http.MethodPatch, apiPrefix+apiPathSettings,
		SettingUpdate{RequestLimit: &badLimit},
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskEndpoints(t *testing.T) {
	b := newTestBot(t)
	require.NoError(
		t, b.scheduler.Add(
			TaskDefinition{
				Name:            "hourly",
				Type:            TriggerInterval,
				Kind:            TaskKindSessionCleanup,
				Enabled:         true,
				IntervalSeconds: 3600,
			},
		),
	)

	w := apiRequest(
		t, b, http.MethodGet, apiPrefix+apiPathTasks, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses []TaskStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+"/tasks/hourly/stop", nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusOK, w.Code)

	// stopping a stopped task conflicts
	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+"/tasks/hourly/stop", nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+"/tasks/hourly/start", nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusOK, w.Code)

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+"/tasks/missing/start", nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// scheduler-wide stop and start
	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathTaskStopAll, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	statuses = b.scheduler.List()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Running)

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathTaskStartAll, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	statuses = b.scheduler.List()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)
}

func TestPauseResumeEndpoints(t *testing.T) {
	b := newTestBot(t)

	w := apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathPause, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, b.paused.Load())
	assert.True(t, b.Setting().Paused)

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathPause, nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathResume, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, b.paused.Load())

	w = apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathResume, nil,
		withBearer(testGlobalSecret),
	)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterCommandsEndpoint(t *testing.T) {
	b := newTestBot(t)

	w := apiRequest(
		t, b, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil,
		withBearer(testGlobalSecret),
	)
	require.Equal(t, http.StatusCreated, w.Code)

	var commands []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &commands))
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, DiscordSlashCommandAsk)
	assert.Contains(t, names, DiscordSlashCommandClear)
}
