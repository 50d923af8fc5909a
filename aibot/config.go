//nolint:lll // struct tags can't be split
package aibot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "DISCORD_AI_BOT_ENV_PREFIX"
	DefaultEnvPrefix   = "DAB"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "discord_ai_bot.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAILogLevel            = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultSchedulerLogLevel     = slog.LevelInfo

	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultGeminiModel       = "gemini-2.0-flash"
	DefaultAnthropicModel    = "claude-3-5-haiku-20241022"
	DefaultGrokModel         = "grok-3-beta"
	DefaultAnthropicBaseURL  = "https://api.anthropic.com"
	DefaultGrokBaseURL       = "https://api.x.ai/v1"
	DefaultAnthropicMaxToken = 1000
	DefaultGrokMaxTokens     = 2048
	DefaultGrokTemperature   = 0.7
	DefaultHistorySize       = 10

	DefaultRequestLimit       = 24
	DefaultRequestLimitWindow = 24 * time.Hour

	DefaultDiscordCommandPrefix = "!"
	DefaultDiscordCustomStatus  = "mention me to chat!"
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultDiscordLimitMessage  = "you've hit your daily request limit, try again later"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	discordMaxMessageLength = 2000

	DiscordSlashCommandAsk      = "ask"
	DiscordSlashCommandClear    = "clear"
	DiscordSlashCommandRemindMe = "remindme"
	DiscordSlashCommandTaskCtl  = "taskctl"

	DefaultTasksFile          = "tasks.json"
	DefaultSchedulerTimezone  = "UTC"
	DefaultRoleColorStateFile = "role_colors.json"
	DefaultRoleColorInterval  = time.Hour

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 30 * 24 * time.Hour
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xAPIKeyHeader,
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Default vendor personas. Each can be overridden per-vendor in config.
const (
	DefaultOpenAISystemPrompt = "You are a helpful assistant in a Discord " +
		"server. Keep answers concise and format them for chat."
	DefaultGeminiSystemPrompt = "You are a knowledgeable assistant in a " +
		"Discord server. Answer clearly and keep responses chat-sized."
	DefaultAnthropicSystemPrompt = "You are a thoughtful assistant in a " +
		"Discord server. Be direct, accurate, and brief."
	DefaultGrokSystemPrompt = "You are a witty assistant in a Discord " +
		"server. Be helpful first, funny second, and keep it short."
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// AI holds the per-vendor LLM client configuration
	AI *AIConfig `yaml:"ai" mapstructure:"ai" json:"ai"`

	// API configures the dashboard API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Scheduler configures the task scheduler
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler"`

	// RoleColor configures the role color rotation
	RoleColor *RoleColorConfig `yaml:"role_color" mapstructure:"role_color" json:"role_color"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// AIConfig configures every LLM vendor integration plus the shared
// per-user request limit.
//
//nolint:lll // can't break tags
type AIConfig struct {
	// OpenAI configures the OpenAI chat completion client
	OpenAI VendorConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Gemini configures the Google Gemini client
	Gemini VendorConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini"`

	// Anthropic configures the Anthropic messages client
	Anthropic VendorConfig `yaml:"anthropic" mapstructure:"anthropic" json:"anthropic"`

	// Grok configures the xAI client (OpenAI-compatible API)
	Grok VendorConfig `yaml:"grok" mapstructure:"grok" json:"grok"`

	// DefaultVendor is the route used for bare mentions with no
	// vendor keyword
	DefaultVendor string `yaml:"default_vendor" mapstructure:"default_vendor" json:"default_vendor" binding:"oneof=gpt claude gemini grok"`

	// HistorySize is the number of prior exchanges included with
	// each request
	HistorySize int `yaml:"history_size" mapstructure:"history_size" json:"history_size" binding:"min=0,max=100"`

	// RequestLimit is the number of requests a user may make per window
	RequestLimit int `yaml:"request_limit" mapstructure:"request_limit" json:"request_limit" binding:"min=1"`

	// RequestLimitWindow is the rolling window for RequestLimit
	RequestLimitWindow time.Duration `yaml:"request_limit_window" mapstructure:"request_limit_window" json:"request_limit_window"`

	// LogLevel for AI client operations
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// VendorConfig holds the settings shared by every LLM vendor client.
//
//nolint:lll // can't break tags
type VendorConfig struct {
	// Vendor API key
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Model name sent with each request
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// BaseURL overrides the vendor API endpoint (used for Grok's
	// OpenAI-compatible API, and in tests)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// MaxTokens caps the completion size. 0 uses the vendor default.
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=0"`

	// Temperature for sampling. Negative values use the vendor default.
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`

	// SystemPrompt is this vendor's persona prompt
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// CommandPrefix routes plain messages beginning with this prefix
	// (e.g. "!gpt what's a monad?")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// SchedulerConfig configures the task scheduler and its JSON-backed
// task definitions.
//
//nolint:lll // can't break tags
type SchedulerConfig struct {
	// TasksFile is the JSON file task definitions persist to
	TasksFile string `yaml:"tasks_file" mapstructure:"tasks_file" json:"tasks_file" binding:"required"`

	// Timezone used for cron and daily-time triggers
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone"`

	// LogLevel for scheduler operations
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RoleColorConfig configures the time-of-day role color rotation.
//
//nolint:lll // can't break tags
type RoleColorConfig struct {
	// Enabled arms the built-in rotation task
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// StateFile is the JSON file previous colors persist to
	StateFile string `yaml:"state_file" mapstructure:"state_file" json:"state_file" binding:"required_if=Enabled true"`

	// Roles maps guild ID to the role IDs rotated in that guild
	Roles map[string][]string `yaml:"roles" mapstructure:"roles" json:"roles"`

	// Interval between rotations
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"required_if=Enabled true"`
}

// APIConfig configures the dashboard API server
//
//nolint:lll // can't break tags
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies, and accepted as a global
	// bearer token
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateRoleColorConfig enforces the cross-field rules the binding
// tags can't express: an enabled rotation needs at least one role
// mapping and a sane interval.
func validateRoleColorConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(RoleColorConfig)
	if !ok || !value.Enabled {
		return
	}
	if value.Interval < time.Minute {
		sl.ReportError(value.Interval, "Interval", "interval", "min", "1m")
	}
	if len(value.Roles) == 0 {
		sl.ReportError(value.Roles, "Roles", "roles", "required", "")
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	aiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	schedulerLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	aiLogLevel.Set(DefaultAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	schedulerLogLevel.Set(DefaultSchedulerLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		AI: &AIConfig{
			OpenAI: VendorConfig{
				Model:        DefaultOpenAIModel,
				Temperature:  -1,
				SystemPrompt: DefaultOpenAISystemPrompt,
			},
			Gemini: VendorConfig{
				Model:        DefaultGeminiModel,
				Temperature:  -1,
				SystemPrompt: DefaultGeminiSystemPrompt,
			},
			Anthropic: VendorConfig{
				Model:        DefaultAnthropicModel,
				BaseURL:      DefaultAnthropicBaseURL,
				MaxTokens:    DefaultAnthropicMaxToken,
				Temperature:  1,
				SystemPrompt: DefaultAnthropicSystemPrompt,
			},
			Grok: VendorConfig{
				Model:        DefaultGrokModel,
				BaseURL:      DefaultGrokBaseURL,
				MaxTokens:    DefaultGrokMaxTokens,
				Temperature:  DefaultGrokTemperature,
				SystemPrompt: DefaultGrokSystemPrompt,
			},
			DefaultVendor:      RouteGPT,
			HistorySize:        DefaultHistorySize,
			RequestLimit:       DefaultRequestLimit,
			RequestLimitWindow: DefaultRequestLimitWindow,
			LogLevel:           aiLogLevel,
		},
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultDiscordCommandPrefix,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Scheduler: &SchedulerConfig{
			TasksFile: DefaultTasksFile,
			Timezone:  DefaultSchedulerTimezone,
			LogLevel:  schedulerLogLevel,
		},
		RoleColor: &RoleColorConfig{
			Enabled:   false,
			StateFile: DefaultRoleColorStateFile,
			Interval:  DefaultRoleColorInterval,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
