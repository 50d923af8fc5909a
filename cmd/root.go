package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/braaaiiinnns/Discord-AI-Bot/aibot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = aibot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "discord-ai-bot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", aibot.DefaultDatabase)
	viper.SetDefault("database_type", aibot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		aibot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		aibot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", aibot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", aibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", aibot.DefaultShutdownTimeout)

	// AI vendor config
	viper.SetDefault("ai.log_level", aibot.DefaultAILogLevel.String())
	viper.SetDefault("ai.default_vendor", aibot.RouteGPT)
	viper.SetDefault("ai.history_size", aibot.DefaultHistorySize)
	viper.SetDefault("ai.request_limit", aibot.DefaultRequestLimit)
	viper.SetDefault("ai.request_limit_window", aibot.DefaultRequestLimitWindow)

	viper.SetDefault("ai.openai.token", "")
	viper.SetDefault("ai.openai.model", aibot.DefaultOpenAIModel)
	viper.SetDefault("ai.gemini.token", "")
	viper.SetDefault("ai.gemini.model", aibot.DefaultGeminiModel)
	viper.SetDefault("ai.anthropic.token", "")
	viper.SetDefault("ai.anthropic.model", aibot.DefaultAnthropicModel)
	viper.SetDefault("ai.anthropic.base_url", aibot.DefaultAnthropicBaseURL)
	viper.SetDefault("ai.anthropic.max_tokens", aibot.DefaultAnthropicMaxToken)
	viper.SetDefault("ai.grok.token", "")
	viper.SetDefault("ai.grok.model", aibot.DefaultGrokModel)
	viper.SetDefault("ai.grok.base_url", aibot.DefaultGrokBaseURL)
	viper.SetDefault("ai.grok.max_tokens", aibot.DefaultGrokMaxTokens)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", aibot.DefaultDiscordCommandPrefix)
	viper.SetDefault(
		"discord.log_level",
		aibot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		aibot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		aibot.DefaultDiscordGatewayIntent,
	)

	// Scheduler config
	viper.SetDefault("scheduler.tasks_file", aibot.DefaultTasksFile)
	viper.SetDefault("scheduler.timezone", aibot.DefaultSchedulerTimezone)
	viper.SetDefault(
		"scheduler.log_level",
		aibot.DefaultSchedulerLogLevel.String(),
	)

	// Role color config
	viper.SetDefault("role_color.enabled", false)
	viper.SetDefault("role_color.state_file", aibot.DefaultRoleColorStateFile)
	viper.SetDefault("role_color.interval", aibot.DefaultRoleColorInterval)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", aibot.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", aibot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		aibot.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", aibot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		aibot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", aibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", aibot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		aibot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		aibot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		aibot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", aibot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		aibot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(aibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = aibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"ai.log_level",
		"scheduler.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load",
	)
}
