package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "zstack-home",
	Short: "Zigbee coordinator for Z-Stack radios",
	Long: `zstack-home drives a Z-Stack network processor over a serial port,
provisions it as a Zigbee coordinator and collects sensor measurements.

Examples:
  # Run the coordinator with web API and MQTT bridge
  zstack-home run --config config.yaml

  # Erase the radio's network configuration and provision it again
  zstack-home clear --config config.yaml`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "zstack-home", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.AddCommand(runCmd, clearCmd, versionCmd)
}

// setup loads and validates the configuration and installs the logger.
func setup() (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
