package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hlindberg/mezquit/internal/logging"
)

// RootCmd is the entrypoint cobra command; subcommands (pub, serve) attach
// themselves to it from their own init() functions.
var RootCmd = &cobra.Command{
	Use:   "mezquit",
	Short: "mezquit is an MQTT client and broker toolkit",
}

// LogLevel names the level passed to internal/logging.SetLevelFromName.
var LogLevel string

// ConfigFile is an optional explicit path to a viper configuration file,
// used by the serve command for max_inflight/timeout/listen settings.
var ConfigFile string

func init() {
	cobra.OnInitialize(initConfig)

	flags := RootCmd.PersistentFlags()
	flags.StringVarP(&LogLevel, "log_level", "", "info", "log level: debug, info, warn, error")
	flags.StringVarP(&ConfigFile, "config", "", "", "path to a config file (default: ./mezquit.yaml)")
}

func initConfig() {
	logging.SetLevelFromName(LogLevel)

	if ConfigFile != "" {
		viper.SetConfigFile(ConfigFile)
	} else {
		viper.SetConfigName("mezquit")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("MEZQUIT")
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":1883")
	viper.SetDefault("max_inflight", 16)
	viper.SetDefault("timeout", 30)

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Warnf("reading config file: %s", err)
		}
	}
}

// Execute runs the root command, as main.go's only responsibility.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
