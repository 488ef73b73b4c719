package cmd

import (
	"os"

	"github.com/leandro-lugaresi/downly-bus/bootstrap"
	"github.com/leandro-lugaresi/downly-bus/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configRole string

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the configuration with the defaults and the role topology applied",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load the config")
		}
		if configRole != "" {
			if err = bootstrap.Apply(&c.RabbitMQ, configRole); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply the topology")
			}
		}
		out, err := config.Print(c)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to render the config")
		}
		_, _ = os.Stdout.Write(out)
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPrintCmd)
	configPrintCmd.Flags().StringVar(&configRole, "role", "", "apply the default topology of a role (bot or worker)")
}
