package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/config"
	"github.com/thruflo/fieldtrack/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configDir  string
	logLevel   string
	outputMode string
)

var rootCmd = &cobra.Command{
	Use:   "fieldtrack",
	Short: "Geofence proximity, presence and task countdown engine",
	Long: `Fieldtrack follows a device position against a set of geofenced tasks.
It reports when the device enters and leaves a task's radius, splits the
session into idle and productive time, and runs each task's time limit as
a countdown that survives restarts.

Configuration and local state live in .fieldtrack/ under --config-dir.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("fieldtrack version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory containing .fieldtrack/")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", formatAuto, "output format (auto, human, json)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config under --config-dir and applies its log level.
// The --log-level flag wins over the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logging.SetLevel(parsed)
	return cfg, nil
}
