package cmd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	t.Cleanup(
		func() {
			configFile = ""
			for _, key := range []string{
				"MODBOT_DATABASE",
				"MODBOT_DATABASE_TYPE",
				"MODBOT_DATABASE_LOG_LEVEL",
				"MODBOT_LOG_LEVEL",
				"MODBOT_EXTERNAL_CALL_TIMEOUT",
				"MODBOT_DEVELOPMENT",
				"MODBOT_OPENAI_TOKEN",
				"MODBOT_OPENAI_CHAT_MODEL",
				"MODBOT_OPENAI_TEMPERATURE",
				"MODBOT_DISCORD_TOKEN",
				"MODBOT_DISCORD_APPLICATION_ID",
				"MODBOT_DISCORD_LOG_LEVEL",
				"MODBOT_DISCORD_STARTUP_MESSAGE",
				"MODBOT_DISCORD_GATEWAY_INTENTS",
				"MODBOT_SPOTIFY_CLIENT_ID",
				"MODBOT_SPOTIFY_CLIENT_SECRET",
				"MODBOT_SPOTIFY_SCOPES",
				"MODBOT_CALLBACK_SERVER_LISTEN",
				"MODBOT_CALLBACK_SERVER_EXTERNAL_URL",
				"MODBOT_CALLBACK_SERVER_STATE_TTL",
				"MODBOT_CALLBACK_SERVER_SSL_TLS_MIN_VERSION",
				"MODBOT_CALLBACK_SERVER_CORS_ALLOW_ORIGINS",
				"MODBOT_TRIVIA_ENABLED",
				"MODBOT_TRIVIA_CHANNEL_ID",
				"MODBOT_TRIVIA_HOUR",
				"MODBOT_TRIVIA_TIMEZONE",
				"MODBOT_TRIVIA_REACTIONS",
				"MODBOT_TRIVIA_LOG_LEVEL",
			} {
				_ = os.Unsetenv(key)
			}
		},
	)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

MODBOT_DATABASE=/home/foo/modbot.sqlite3
MODBOT_DATABASE_TYPE=sqlite
MODBOT_DATABASE_LOG_LEVEL=INFO
MODBOT_LOG_LEVEL=DEBUG
MODBOT_EXTERNAL_CALL_TIMEOUT=15s
MODBOT_DEVELOPMENT=true

# OpenAI

MODBOT_OPENAI_TOKEN=your-openai-token
MODBOT_OPENAI_CHAT_MODEL=gpt-4o
MODBOT_OPENAI_TEMPERATURE=0.5

# Discord

MODBOT_DISCORD_TOKEN=your-discord-bot-token
MODBOT_DISCORD_APPLICATION_ID=your-discord-bot-app-id
MODBOT_DISCORD_LOG_LEVEL=WARN
MODBOT_DISCORD_STARTUP_MESSAGE="I'm here!"
MODBOT_DISCORD_GATEWAY_INTENTS=3243773

# Spotify

MODBOT_SPOTIFY_CLIENT_ID=your-client-id
MODBOT_SPOTIFY_CLIENT_SECRET=your-client-secret
MODBOT_SPOTIFY_SCOPES="user-top-read user-read-currently-playing"

# Callback server

MODBOT_CALLBACK_SERVER_LISTEN=0.0.0.0:8888
MODBOT_CALLBACK_SERVER_EXTERNAL_URL=https://modbot.example.com
MODBOT_CALLBACK_SERVER_STATE_TTL=5m
MODBOT_CALLBACK_SERVER_SSL_TLS_MIN_VERSION=772
MODBOT_CALLBACK_SERVER_CORS_ALLOW_ORIGINS="https://modbot.example.com https://localhost:8888"

# Trivia

MODBOT_TRIVIA_ENABLED=true
MODBOT_TRIVIA_CHANNEL_ID=trivia-channel
MODBOT_TRIVIA_HOUR=18
MODBOT_TRIVIA_TIMEZONE=UTC
MODBOT_TRIVIA_REACTIONS="1️⃣ 2️⃣ 3️⃣ 4️⃣"
MODBOT_TRIVIA_LOG_LEVEL=ERROR
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/modbot.sqlite3", viper.GetString("database"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("trivia.log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("spotify.log_level"))
	assert.Equal(
		t,
		[]string{"https://modbot.example.com", "https://localhost:8888"},
		viper.GetStringSlice("callback_server.cors.allow_origins"),
	)

	assert.Equal(t, "/home/foo/modbot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 15*time.Second, cfg.ExternalCallTimeout)
	assert.True(t, cfg.Development)

	assert.Equal(t, "your-openai-token", cfg.OpenAI.Token)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.ChatModel)
	assert.Equal(t, "omni-moderation-latest", cfg.OpenAI.ModerationModel)
	assert.InDelta(t, 0.5, cfg.OpenAI.Temperature, 0.0001)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)

	assert.Equal(t, "your-client-id", cfg.Spotify.ClientID)
	assert.Equal(t, "your-client-secret", cfg.Spotify.ClientSecret)
	assert.Equal(t, []string{"user-top-read", "user-read-currently-playing"}, cfg.Spotify.Scopes)

	assert.Equal(t, "0.0.0.0:8888", cfg.CallbackServer.Listen)
	assert.Equal(t, "https://modbot.example.com", cfg.CallbackServer.ExternalURL)
	assert.Equal(t, 5*time.Minute, cfg.CallbackServer.StateTTL)
	assert.Equal(t, uint16(772), cfg.CallbackServer.SSL.TLSMinVersion)
	assert.Equal(
		t,
		[]string{"https://modbot.example.com", "https://localhost:8888"},
		cfg.CallbackServer.CORS.AllowOrigins,
	)

	assert.True(t, cfg.Trivia.Enabled)
	assert.Equal(t, "trivia-channel", cfg.Trivia.ChannelID)
	assert.Equal(t, 18, cfg.Trivia.Hour)
	assert.Equal(t, "UTC", cfg.Trivia.Timezone)
	assert.Equal(t, []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣"}, cfg.Trivia.Reactions)
	assert.Equal(t, slog.LevelError, cfg.Trivia.LogLevel.Level())

	require.NoError(t, cfg.Validate())
}

func TestDefaultsMatchConfig(t *testing.T) {
	t.Cleanup(func() { configFile = "" })
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "modbot.sqlite3", cfg.Database)
	assert.Equal(t, 10*time.Second, cfg.ExternalCallTimeout)
	assert.Equal(t, 15*time.Minute, cfg.CallbackServer.StateTTL)
	assert.Equal(t, 9, cfg.Trivia.Hour)
	assert.Equal(t, "America/Los_Angeles", cfg.Trivia.Timezone)
	assert.Len(t, cfg.Trivia.Reactions, 4)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
}

func TestLevelToStringHookFunc(t *testing.T) {
	t.Parallel()

	type levels struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}
	decode := func(input map[string]any) (levels, error) {
		var out levels
		dec, err := mapstructure.NewDecoder(
			&mapstructure.DecoderConfig{
				DecodeHook: LevelToStringHookFunc(),
				Result:     &out,
			},
		)
		require.NoError(t, err)
		return out, dec.Decode(input)
	}

	got, err := decode(map[string]any{"level": "warn"})
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, got.Level.Level())

	_, err = decode(map[string]any{"level": "loud"})
	assert.Error(t, err)

	hook := LevelToStringHookFunc()
	v, err := hook(reflect.TypeOf(""), reflect.TypeOf(""), "DEBUG")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", v, "only *slog.LevelVar targets are converted")
}
