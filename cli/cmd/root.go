package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BDNK1/flowgate/runtime"
)

var settingsPath string

var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "flowgate - configuration-driven flow orchestration",
	Long: `flowgate executes declarative flows: it fetches datasets from SQL and HTTP
sources, builds an evaluation context, computes derived fields, renders
templates and drives post-processing calls.

Without --config the built-in defaults are used (flows in config/flows,
templates in config/templates).`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "", "Path to the settings YAML file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(flowsCmd)
	rootCmd.AddCommand(runCmd)
}

// loadSettings reads --config, or returns the defaults when it is unset.
func loadSettings() (*runtime.Settings, *slog.Logger, error) {
	var (
		s   *runtime.Settings
		err error
	)
	if settingsPath == "" {
		s, err = runtime.DefaultSettings()
	} else {
		s, err = runtime.LoadSettings(settingsPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}

	l, err := runtime.NewLogger(s.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return s, l, nil
}
