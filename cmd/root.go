package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kayz/keel/internal/config"
	"github.com/kayz/keel/internal/logger"
)

var (
	logLevel   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "keel task orchestration kernel",
	Long: `keel maps natural-language requests to tool calls over a local
record store, gates destructive actions behind confirmation tokens, and
relays scheduled instructions to an external execution runtime.

Common commands:
  keel ask <text>       Handle one request
  keel confirm <token>  Redeem a pending confirmation
  keel serve            Run the scheduler daemon
  keel task             Manage scheduled tasks
  keel skill            Manage skills`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info",
		"Log level: trace, debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (default: .keel/config.yaml next to the executable)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
