package cmd

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"strings"
	"syscall"

	"github.com/ashtonxiong/cs278-discord/modbot"
	"github.com/gorilla/securecookie"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading secrets. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var envFile string

// initPrompt is a setting init asks for when it isn't already configured
type initPrompt struct {
	key    string
	label  string
	secret bool
	value  func() string
}

func initPrompts() []initPrompt {
	return []initPrompt{
		{
			key:   "discord.application_id",
			label: "Discord application ID",
			value: func() string { return cfg.Discord.ApplicationID },
		},
		{
			key:    "discord.token",
			label:  "Discord bot token",
			secret: true,
			value:  func() string { return cfg.Discord.Token },
		},
		{
			key:    "openai.token",
			label:  "OpenAI API key",
			secret: true,
			value:  func() string { return cfg.OpenAI.Token },
		},
		{
			key:   "spotify.client_id",
			label: "Spotify client ID",
			value: func() string { return cfg.Spotify.ClientID },
		},
		{
			key:    "spotify.client_secret",
			label:  "Spotify client secret",
			secret: true,
			value:  func() string { return cfg.Spotify.ClientSecret },
		},
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and write missing credentials to an env file",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatalf("%s not set (must be one of: sqlite, postgres)", envKey("database_type"))
		}
		if cfg.Database == "" {
			log.Fatalf(
				"%s not set (must be a valid database connection string or sqlite file path)",
				envKey("database"),
			)
		}
		// Run database migrations
		db, err := modbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		env, err := godotenv.Read(envFile)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Fatalf("Error reading %s: %v", envFile, err)
			}
			env = map[string]string{}
		}

		out := cmd.OutOrStdout()
		reader := bufio.NewReader(cmd.InOrStdin())
		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var updated int
		for _, p := range initPrompts() {
			name := envKey(p.key)
			if p.value() != "" || env[name] != "" {
				continue
			}
			value, err := prompt(out, reader, p)
			if err != nil {
				log.Fatalf("Error reading %s: %v", p.label, err)
			}
			if value == "" {
				fmt.Fprintf(out, "Skipping %s\n", p.label)
				continue
			}
			env[name] = value
			updated++
		}

		secretKey := envKey("callback_server.secret")
		if cfg.CallbackServer.Secret == "" && env[secretKey] == "" {
			env[secretKey] = hex.EncodeToString(securecookie.GenerateRandomKey(32))
			fmt.Fprintln(out, "Generated a callback server session secret.")
			updated++
		}

		if updated > 0 {
			if err = godotenv.Write(env, envFile); err != nil {
				log.Fatalf("Error writing %s: %v", envFile, err)
			}
			fmt.Fprintf(out, "Saved %d setting(s) to %s\n", updated, envFile)
		} else {
			fmt.Fprintln(out, "Credentials are already set.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func prompt(out io.Writer, reader *bufio.Reader, p initPrompt) (string, error) {
	fmt.Fprintf(out, "Enter %s: ", p.label)
	if p.secret {
		b, err := customPasswordReader()
		fmt.Fprintln(out)
		return strings.TrimSpace(string(b)), err
	}
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&envFile,
		"env-file",
		".env",
		"Env file to write credentials to",
	)
}
