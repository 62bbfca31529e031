package cmd

import (
	"github.com/ashtonxiong/cs278-discord/modbot"
	"github.com/spf13/cobra"
	"log"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot and the Spotify callback server",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := modbot.New(ctx, cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}
		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Registers the bot's slash commands, without starting the bot",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		bot, err := modbot.New(cmd.Context(), cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}
		commands, err := bot.RegisterSlashCommands()
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}
		for _, c := range commands {
			cmd.Printf("registered /%s (%s)\n", c.Name, c.ID)
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(registerCmd)
}
