package cmd

import (
	"context"
	"fmt"
	"github.com/ashtonxiong/cs278-discord/modbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = modbot.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a log level, which are parsed
// into *slog.LevelVar before the config is unmarshaled
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"spotify.log_level",
	"callback_server.log_level",
	"trivia.log_level",
}

// listKeys are space-separated lists when set from the environment
var listKeys = []string{
	"spotify.scopes",
	"trivia.reactions",
	"callback_server.cors.allow_origins",
	"callback_server.cors.allow_methods",
	"callback_server.cors.allow_headers",
}

var rootCmd = &cobra.Command{
	Use:   "modbot [flags]",
	Short: "Discord moderation and Spotify bot",
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
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
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
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// envPrefix is the prefix for config environment variables, MODBOT
// unless overridden by MODBOT_ENV_PREFIX
func envPrefix() string {
	if prefix := os.Getenv(modbot.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return modbot.DefaultEnvPrefix
}

// envKey returns the environment variable name for a config key
func envKey(key string) string {
	return envPrefix() + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults() {
	defaults := modbot.DefaultConfig()

	viper.SetDefault("database", defaults.Database)
	viper.SetDefault("database_type", defaults.DatabaseType)
	viper.SetDefault("database_slow_threshold", defaults.DatabaseSlowThreshold)
	viper.SetDefault("database_log_level", defaults.DatabaseLogLevel.Level().String())
	viper.SetDefault("log_level", defaults.LogLevel.Level().String())
	viper.SetDefault("startup_timeout", defaults.StartupTimeout)
	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)
	viper.SetDefault("external_call_timeout", defaults.ExternalCallTimeout)
	viper.SetDefault("development", false)

	// OpenAI
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.log_level", defaults.OpenAI.LogLevel.Level().String())
	viper.SetDefault("openai.moderation_model", defaults.OpenAI.ModerationModel)
	viper.SetDefault("openai.chat_model", defaults.OpenAI.ChatModel)
	viper.SetDefault("openai.temperature", defaults.OpenAI.Temperature)
	viper.SetDefault("openai.max_requests_per_second", defaults.OpenAI.MaxRequestsPerSecond)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", defaults.Discord.LogLevel.Level().String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		defaults.Discord.DiscordGoLogLevel.Level().String(),
	)
	viper.SetDefault("discord.startup_message", defaults.Discord.StartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", defaults.Discord.CustomStatus)
	viper.SetDefault("discord.error_message", defaults.Discord.ErrorMessage)
	viper.SetDefault("discord.gateway_intents", int(defaults.Discord.GatewayIntents))

	// Spotify
	viper.SetDefault("spotify.client_id", "")
	viper.SetDefault("spotify.client_secret", "")
	viper.SetDefault("spotify.redirect_url", defaults.Spotify.RedirectURL)
	viper.SetDefault("spotify.scopes", []string{})
	viper.SetDefault("spotify.log_level", defaults.Spotify.LogLevel.Level().String())
	viper.SetDefault("spotify.max_requests_per_second", defaults.Spotify.MaxRequestsPerSecond)

	// Callback server
	server := defaults.CallbackServer
	viper.SetDefault("callback_server.listen", server.Listen)
	viper.SetDefault("callback_server.listen_network", server.ListenNetwork)
	viper.SetDefault("callback_server.external_url", server.ExternalURL)
	viper.SetDefault("callback_server.secret", "")
	viper.SetDefault("callback_server.state_ttl", server.StateTTL)
	viper.SetDefault("callback_server.state_cache_size", server.StateCacheSize)
	viper.SetDefault("callback_server.log_level", server.LogLevel.Level().String())
	viper.SetDefault("callback_server.read_timeout", server.ReadTimeout)
	viper.SetDefault("callback_server.read_header_timeout", server.ReadHeaderTimeout)
	viper.SetDefault("callback_server.write_timeout", server.WriteTimeout)
	viper.SetDefault("callback_server.idle_timeout", server.IdleTimeout)
	viper.SetDefault("callback_server.ssl.cert", "")
	viper.SetDefault("callback_server.ssl.key", "")
	viper.SetDefault("callback_server.ssl.tls_min_version", server.SSL.TLSMinVersion)
	viper.SetDefault("callback_server.cors.allow_origins", server.CORS.AllowOrigins)
	viper.SetDefault("callback_server.cors.allow_methods", server.CORS.AllowMethods)
	viper.SetDefault("callback_server.cors.allow_headers", server.CORS.AllowHeaders)
	viper.SetDefault("callback_server.cors.allow_credentials", server.CORS.AllowCredentials)
	viper.SetDefault("callback_server.cors.max_age", server.CORS.MaxAge)

	// Trivia
	trivia := defaults.Trivia
	viper.SetDefault("trivia.enabled", false)
	viper.SetDefault("trivia.channel_id", "")
	viper.SetDefault("trivia.hour", trivia.Hour)
	viper.SetDefault("trivia.minute", trivia.Minute)
	viper.SetDefault("trivia.timezone", trivia.Timezone)
	viper.SetDefault("trivia.reactions", trivia.Reactions)
	viper.SetDefault("trivia.thread_name", trivia.ThreadName)
	viper.SetDefault("trivia.thread_archive_duration", trivia.ThreadArchiveDuration)
	viper.SetDefault("trivia.log_level", trivia.LogLevel.Level().String())
}

func initConfig() {
	// levels are stored back as *slog.LevelVar below, so start over on
	// each execution
	viper.Reset()
	cfg = modbot.DefaultConfig()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("error loading env file %s: %v", configFile, err)
	}

	setDefaults()

	viper.SetEnvPrefix(envPrefix())
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range listKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range levelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
