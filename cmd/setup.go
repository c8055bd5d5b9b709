package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kayz/keel/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}

		cfg, err := config.LoadFrom(path)
		if err != nil {
			return err
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Set ai.api_key (or KEEL_API_KEY) to enable the model planner.")
		fmt.Println("Set relay.endpoint (or KEEL_RELAY_ENDPOINT) to enable scheduled relays.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
