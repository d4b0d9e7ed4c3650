// Command repsense counts exercise repetitions from a BLE motion sensor.
//
// Usage:
//
//	repsense run [--config path]
//	repsense scan [--timeout 10s]
//	repsense replay <file> [--tick 100ms] [--mtu 23]
//	repsense init
package main

import (
	"fmt"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/chaz8081/repsense/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "repsense",
	Short:         "Count exercise reps from a BLE motion sensor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/repsense/config.yaml)")
	rootCmd.AddCommand(runCmd, scanCmd, replayCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. The result is
// validated and the process logger is configured from it.
func loadConfig(path string) (*config.Config, error) {
	cfg, source, err := readConfig(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	setupLogging(cfg.LogLevel)
	if source == "" {
		slog.Info("No config file found, using defaults")
	} else {
		slog.Info("Config loaded", "path", source)
	}
	return cfg, nil
}

func readConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	return config.Default(), "", nil
}

// setupLogging routes slog through a charmbracelet/log handler on stderr.
func setupLogging(level string) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		lvl = charmlog.InfoLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
	})
	slog.SetDefault(slog.New(handler))
}
