//nolint:lll // struct tags can't be split
package modbot

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "MODBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "MODBOT"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "modbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout     = 30 * time.Second
	DefaultExternalCallTimeout = 10 * time.Second

	DefaultOpenAIModerationModel      = "omni-moderation-latest"
	DefaultOpenAIChatModel            = "gpt-4o-mini"
	DefaultOpenAIMaxRequestsPerSecond = 2
	DefaultOpenAITemperature          = 0.9

	DefaultSpotifyRedirectURL           = "http://127.0.0.1:8888/callback"
	DefaultSpotifyMaxRequestsPerSecond  = 5
	DefaultCallbackServerListen         = "127.0.0.1:8888"
	DefaultCallbackServerExternalURL    = "http://127.0.0.1:8888"
	DefaultCallbackServerStateTTL       = 15 * time.Minute
	DefaultCallbackServerStateCacheSize = 1024
	DefaultCallbackServerTLSMinVersion  = tls.VersionTLS12

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultTriviaHour                  = 9
	DefaultTriviaMinute                = 0
	DefaultTriviaTimezone              = "America/Los_Angeles"
	DefaultTriviaThreadName            = "Trivia discussion"
	DefaultTriviaThreadArchiveDuration = 1440

	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordCustomStatus   = "DM me 'help'"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DefaultDatabaseSlowThreshold  = 200 * time.Millisecond
	DefaultDatabaseLogLevel       = slog.LevelWarn
	DefaultDiscordLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel      = slog.LevelWarn
	DefaultOpenAILogLevel         = slog.LevelInfo
	DefaultSpotifyLogLevel        = slog.LevelInfo
	DefaultCallbackServerLogLevel = slog.LevelInfo
	DefaultTriviaLogLevel         = slog.LevelInfo
	defaultListenNetwork          = "tcp"
	DefaultCORSAllowCredentials   = false
	DefaultCORSMaxAge             = 12 * time.Hour
)

var (
	// DefaultTriviaReactions are added to every trivia post, one per option
	DefaultTriviaReactions = []string{"🇦", "🇧", "🇨", "🇩"}

	DefaultCORSAllowMethods = []string{http.MethodGet, http.MethodOptions, http.MethodHead}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xRequestIDHeader,
	}
)

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// ExternalCallTimeout bounds every call to the moderation, music,
	// authorization and text generation services
	ExternalCallTimeout time.Duration `yaml:"external_call_timeout" mapstructure:"external_call_timeout" json:"external_call_timeout" binding:"min=1s"`

	// Development enables pprof routes on the callback server, and relaxes CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	OpenAI         *OpenAIConfig         `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`
	Discord        *DiscordConfig        `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Spotify        *SpotifyConfig        `yaml:"spotify" mapstructure:"spotify" json:"spotify" binding:"required"`
	CallbackServer *CallbackServerConfig `yaml:"callback_server" mapstructure:"callback_server" json:"callback_server" binding:"required"`
	Trivia         *TriviaConfig         `yaml:"trivia" mapstructure:"trivia" json:"trivia" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config against its `binding` tags, plus the few
// constraints that can't be expressed as tags
func (c *Config) Validate() error {
	var errs []error
	if err := configValidator.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if c.Trivia != nil && c.Trivia.Enabled {
		if _, err := time.LoadLocation(c.Trivia.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid trivia timezone %q: %w", c.Trivia.Timezone, err))
		}
		if len(c.Trivia.Reactions) == 0 {
			errs = append(errs, errors.New("trivia reactions must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If both this and NotificationChannelID are set, the message is sent
	// to that channel whenever the bot connects to the gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Custom status set on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Message sent to users when something unexpected happens
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures the moderation and text generation clients
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Model used to classify channel messages
	ModerationModel string `yaml:"moderation_model" mapstructure:"moderation_model" json:"moderation_model" binding:"required"`

	// Model used for trivia questions and recommendations
	ChatModel string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required"`

	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
}

// SpotifyConfig configures the Spotify application used for OAuth and
// the Web API
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id" json:"client_id" binding:"required"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret" json:"client_secret" log:"[redacted]" binding:"required"`

	// RedirectURL must match the callback server's /callback route, as
	// registered in the Spotify developer dashboard
	RedirectURL string `yaml:"redirect_url" mapstructure:"redirect_url" json:"redirect_url" binding:"required,url"`

	// Scopes requested during authorization. Empty uses spotifyScopes.
	Scopes []string `yaml:"scopes" mapstructure:"scopes" json:"scopes"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
}

// CallbackServerConfig configures the HTTP server which receives the
// Spotify authorization redirect
type CallbackServerConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:8888").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// ExternalURL is the publicly reachable base URL, used to build
	// the links sent by /connect
	ExternalURL string `yaml:"external_url" mapstructure:"external_url" json:"external_url" binding:"required,url"`

	// Secret used for signing session cookies. If empty, a random key is
	// generated on startup.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// StateTTL is how long a pending authorization state token stays valid
	StateTTL time.Duration `yaml:"state_ttl" mapstructure:"state_ttl" json:"state_ttl" binding:"min=1m"`

	// StateCacheSize caps the number of pending authorization states
	StateCacheSize int `yaml:"state_cache_size" mapstructure:"state_cache_size" json:"state_cache_size" binding:"gt=0"`

	// Configuration for SSL/TLS. Leave Cert and Key empty to serve plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the callback server.
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
}

// TriviaConfig configures the daily trivia post
type TriviaConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Channel the question is posted (and pinned) in
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"required_if=Enabled true"`

	// Local wall-clock time of the daily post, in Timezone
	Hour     int    `yaml:"hour" mapstructure:"hour" json:"hour" binding:"min=0,max=23"`
	Minute   int    `yaml:"minute" mapstructure:"minute" json:"minute" binding:"min=0,max=59"`
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone"`

	// Reactions added to the post, in option order
	Reactions []string `yaml:"reactions" mapstructure:"reactions" json:"reactions"`

	ThreadName string `yaml:"thread_name" mapstructure:"thread_name" json:"thread_name"`

	// Thread auto-archive duration, in minutes (60, 1440, 4320 or 10080)
	ThreadArchiveDuration int `yaml:"thread_archive_duration" mapstructure:"thread_archive_duration" json:"thread_archive_duration" binding:"oneof=60 1440 4320 10080"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
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

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultCORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return lvl
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	reactions := make([]string, len(DefaultTriviaReactions))
	copy(reactions, DefaultTriviaReactions)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		ExternalCallTimeout:   DefaultExternalCallTimeout,
		OpenAI: &OpenAIConfig{
			LogLevel:             newLevelVar(DefaultOpenAILogLevel),
			ModerationModel:      DefaultOpenAIModerationModel,
			ChatModel:            DefaultOpenAIChatModel,
			Temperature:          DefaultOpenAITemperature,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
			ErrorMessage:      DefaultDiscordErrorMessage,
		},
		Spotify: &SpotifyConfig{
			RedirectURL:          DefaultSpotifyRedirectURL,
			LogLevel:             newLevelVar(DefaultSpotifyLogLevel),
			MaxRequestsPerSecond: DefaultSpotifyMaxRequestsPerSecond,
		},
		CallbackServer: &CallbackServerConfig{
			Listen:         DefaultCallbackServerListen,
			ListenNetwork:  defaultListenNetwork,
			ExternalURL:    DefaultCallbackServerExternalURL,
			StateTTL:       DefaultCallbackServerStateTTL,
			StateCacheSize: DefaultCallbackServerStateCacheSize,
			SSL: SSLConfig{
				TLSMinVersion: DefaultCallbackServerTLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultCallbackServerLogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
		Trivia: &TriviaConfig{
			Hour:                  DefaultTriviaHour,
			Minute:                DefaultTriviaMinute,
			Timezone:              DefaultTriviaTimezone,
			Reactions:             reactions,
			ThreadName:            DefaultTriviaThreadName,
			ThreadArchiveDuration: DefaultTriviaThreadArchiveDuration,
			LogLevel:              newLevelVar(DefaultTriviaLogLevel),
		},
	}
}
