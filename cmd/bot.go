package cmd

import (
	"github.com/leandro-lugaresi/downly-bus/bootstrap"
	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/leandro-lugaresi/downly-bus/store"
	"github.com/leandro-lugaresi/downly-bus/telegram"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// botCmd represents the bot command
var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the bot side consumers",
	Long: `Run the bot side of the bus: it keeps the users and chats records up to date
and delivers the links resolved by the workers back to telegram.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(bootstrap.RoleBot)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start the bot")
		}
		s, err := store.Open(a.config.Store, a.hub)
		if err != nil {
			log.Fatal().Err(a.fail(err)).Msg("Failed to open the store")
		}
		defer s.Close()
		client := telegram.New(a.config.Telegram, a.hub)
		err = a.run(func() (map[string]rabbit.Callback, error) {
			return bootstrap.BotCallbacks(s, client, a.hub), nil
		})
		if err != nil {
			log.Error().Err(err).Msg("The bot stopped with errors")
		}
	},
}

func init() {
	RootCmd.AddCommand(botCmd)
}
