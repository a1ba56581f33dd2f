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

	"github.com/joho/godotenv"
	"github.com/kvexa/panelbot/panelbot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     = panelbot.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use: "panelbot [flags]",
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

func levelStringToLevelVar(level string) (*slog.LevelVar, error) {
	lvl, err := getLogLevel(level)
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(lvl)
	return lvlVar, nil
}

// LevelToStringHookFunc decodes log level names into *slog.LevelVar.
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
		return levelStringToLevelVar(data.(string))
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
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", panelbot.DefaultDatabase)
	viper.SetDefault("database_type", panelbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		panelbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		panelbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", panelbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", panelbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", panelbot.DefaultShutdownTimeout)

	// Session config
	viper.SetDefault("session.dir", panelbot.DefaultSessionDir)
	viper.SetDefault(
		"session.default_duration_seconds",
		panelbot.DefaultSessionSeconds,
	)
	viper.SetDefault("session.lock_timeout", panelbot.DefaultLockTimeout)
	viper.SetDefault("session.idle_timeout", panelbot.DefaultIdleTimeout)
	viper.SetDefault("session.idle_sweep_spec", panelbot.DefaultIdleSweepSpec)
	viper.SetDefault(
		"session.refresh_interval",
		panelbot.DefaultRefreshInterval,
	)
	viper.SetDefault("session.render_interval", panelbot.DefaultRenderInterval)
	viper.SetDefault(
		"session.log_level",
		panelbot.DefaultSessionLogLevel.String(),
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		panelbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		panelbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		panelbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		panelbot.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.custom_status", panelbot.DefaultDiscordCustomStatus)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", panelbot.DefaultAPIListen)
	viper.SetDefault("api.token_hash", "")
	viper.SetDefault("api.log_level", panelbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", panelbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		panelbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", panelbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", panelbot.DefaultHTTPIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		panelbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		panelbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", panelbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(panelbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = panelbot.DefaultEnvPrefix
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
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"env file to load before reading config",
	)
}
