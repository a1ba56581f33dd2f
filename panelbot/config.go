//nolint:lll // struct tags can't be split
package panelbot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "PANELBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "PB"

	// EnvvarSessionDuration is a legacy environment knob carried over from
	// the original deployment: the default panel session duration, in
	// seconds. Values outside [MinSessionSeconds, MaxSessionSeconds] or
	// non-numeric values fall back to DefaultSessionSeconds with a logged
	// warning.
	EnvvarSessionDuration = "PANEL_DEAKTIF_SANIYE"

	// MinSessionSeconds and MaxSessionSeconds bound every session duration,
	// whether it comes from config, the slash command option, or a touch.
	MinSessionSeconds = 10
	MaxSessionSeconds = 86400

	// DefaultSessionSeconds is the session duration used when no valid
	// duration is configured or requested.
	DefaultSessionSeconds = 300

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "panelbot.sqlite3"
	DefaultSessionDir   = "panel_sessions"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultLockTimeout is how long a per-user advisory lock may be held
	// before the next acquirer force-clears it and proceeds.
	DefaultLockTimeout = 30 * time.Second

	// DefaultIdleTimeout is the in-memory inactivity threshold for the idle
	// sweep. Numerically equal to DefaultSessionSeconds, but a distinct
	// setting: this bounds in-memory bookkeeping for abandoned interaction
	// handles, while the session duration is the user-facing timeout.
	DefaultIdleTimeout = 300 * time.Second

	// DefaultIdleSweepSpec is the cron spec for the process-wide idle sweep.
	DefaultIdleSweepSpec = "@every 60s"

	// DefaultRefreshInterval is the per-session timer period: each tick
	// checks expiry and lock state.
	DefaultRefreshInterval = time.Second

	// DefaultRenderInterval coalesces background re-renders: actual Discord
	// message edits from the refresh timer happen at most this often, to
	// limit API chatter.
	DefaultRenderInterval = 5 * time.Second

	// QueryHistoryLimit bounds Session.QueryHistory to the most recent
	// entries.
	QueryHistoryLimit = 10

	DiscordSlashCommandPanel     = "panel"
	panelCommandDurationOption   = "duration"
	panelCommandQueryOption      = "query"
	DefaultPanelCommandDesc      = "Open the query panel"
	DefaultPanelDurationDesc     = "How long the panel stays open, in seconds"
	DefaultPanelQueryDesc        = "Run a search as soon as the panel opens"
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordClosedMessage  = "Panel session closed."
	DefaultDiscordExpiredMessage = "Panel session timed out."
	DefaultDiscordBusyMessage    = "I'm still working on your last click!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordCustomStatus   = "/panel"
	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged

	discordMaxMessageLength = 2000

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHTTPIdleTimeout   = 30 * time.Second
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPITLSMinVersion  = tls.VersionTLS12
	defaultListenNetwork     = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultSessionLogLevel       = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
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
		"Cache-Control",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the main configuration struct for the bot.
type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Session holds the configuration for panel sessions
	Session *SessionConfig `yaml:"session" mapstructure:"session" json:"session"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

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

// SessionConfig configures panel session lifecycle behavior.
type SessionConfig struct {
	// Dir is the directory where session records are persisted, one file
	// per user ID.
	Dir string `yaml:"dir" mapstructure:"dir" json:"dir"`

	// DefaultDurationSeconds is the session duration used when the user
	// doesn't request one. Clamped to [MinSessionSeconds, MaxSessionSeconds].
	DefaultDurationSeconds int `yaml:"default_duration_seconds" mapstructure:"default_duration_seconds" json:"default_duration_seconds"`

	// LockTimeout is how long a per-user lock may be held before it's
	// considered stale and force-cleared by the next acquirer.
	LockTimeout time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout" json:"lock_timeout"`

	// IdleTimeout is the in-memory inactivity threshold for the idle sweep.
	// Distinct from the session duration, even though the defaults coincide.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// IdleSweepSpec is the cron spec for the process-wide idle sweep.
	IdleSweepSpec string `yaml:"idle_sweep_spec" mapstructure:"idle_sweep_spec" json:"idle_sweep_spec"`

	// RefreshInterval is the per-session timer period for expiry checks.
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval" json:"refresh_interval"`

	// RenderInterval bounds how often the background timer actually edits
	// the panel message.
	RenderInterval time.Duration `yaml:"render_interval" mapstructure:"render_interval" json:"render_interval"`

	// LogLevel for session lifecycle events
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DefaultDuration returns the configured default session duration, clamped.
func (c SessionConfig) DefaultDuration() time.Duration {
	return clampSessionDuration(c.DefaultDurationSeconds)
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

	// NotificationChannelID, if set, receives StartupMessage whenever the
	// bot connects to the discord gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// StartupMessage is sent to NotificationChannelID on gateway connect.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is the bot's custom status text.
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled determines whether the admin API is served at all.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network"`

	// TokenHash is the argon2id hash of the admin bearer token (see the
	// `hashpass` command). If empty, the API refuses all requests except
	// the health check.
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" json:"token_hash" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
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
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

// clampSessionDuration converts a requested duration in seconds into a
// time.Duration within [MinSessionSeconds, MaxSessionSeconds]. Zero and
// negative requests get the default.
func clampSessionDuration(seconds int) time.Duration {
	switch {
	case seconds <= 0:
		return DefaultSessionSeconds * time.Second
	case seconds < MinSessionSeconds:
		return MinSessionSeconds * time.Second
	case seconds > MaxSessionSeconds:
		return MaxSessionSeconds * time.Second
	default:
		return time.Duration(seconds) * time.Second
	}
}

// sessionDurationFromEnv reads EnvvarSessionDuration. The boolean indicates
// whether the variable was set to a usable value; callers fall back to the
// configured default (with a warning, when the value was set but invalid).
func sessionDurationFromEnv(logger *slog.Logger) (int, bool) {
	raw, ok := os.LookupEnv(EnvvarSessionDuration)
	if !ok || raw == "" {
		return 0, false
	}
	if logger == nil {
		logger = slog.Default()
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn(
			"ignoring non-numeric session duration from environment",
			"envvar", EnvvarSessionDuration,
			"value", raw,
		)
		return 0, false
	}
	if seconds < MinSessionSeconds || seconds > MaxSessionSeconds {
		logger.Warn(
			"ignoring out-of-range session duration from environment",
			"envvar", EnvvarSessionDuration,
			"value", seconds,
			"min", MinSessionSeconds,
			"max", MaxSessionSeconds,
		)
		return 0, false
	}
	return seconds, true
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	sessionLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	sessionLogLevel.Set(DefaultSessionLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Session: &SessionConfig{
			Dir:                    DefaultSessionDir,
			DefaultDurationSeconds: DefaultSessionSeconds,
			LockTimeout:            DefaultLockTimeout,
			IdleTimeout:            DefaultIdleTimeout,
			IdleSweepSpec:          DefaultIdleSweepSpec,
			RefreshInterval:        DefaultRefreshInterval,
			RenderInterval:         DefaultRenderInterval,
			LogLevel:               sessionLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Enabled:       false,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultHTTPIdleTimeout,
			CORS: CORSConfig{
				AllowOrigins: []string{},
				AllowMethods: DefaultCORSAllowMethods,
				AllowHeaders: DefaultCORSAllowHeaders,
				MaxAge:       DefaultCORSMaxAge,
			},
		},
	}
}
