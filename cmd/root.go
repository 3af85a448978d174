package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "imgpull",
	Short: "imgpull - container image download engine",
	Long: `imgpull pulls container image blobs from OCI/Docker distribution
registries as resumable, inspectable background tasks, exposed over a
Control API and a WebSocket progress channel.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./imgpull.toml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in standard locations
		viper.SetConfigName("imgpull")
		viper.SetConfigType("toml")

		// Current directory (highest priority)
		viper.AddConfigPath(".")

		// User config directory
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/imgpull")
		}

		// User home directory
		if homeDir, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(homeDir + "/.imgpull")
			viper.AddConfigPath(homeDir)
		}

		// System-wide config directories
		viper.AddConfigPath("/etc/imgpull")
		viper.AddConfigPath("/usr/local/etc/imgpull")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
	} else {
		log.Warn().Msg("no config file found, using built-in defaults")
	}
}
