package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kayz/keel/internal/kernel"
)

var (
	confirmSource string
	confirmJSON   bool
)

var confirmCmd = &cobra.Command{
	Use:   "confirm <token>",
	Short: "Redeem a pending confirmation token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.sched.Load(); err != nil {
			return err
		}

		token := args[0]
		if !strings.HasPrefix(token, "#CONFIRM:") {
			token = kernel.FormatConfirmToken(token)
		}
		result := rt.kernel.HandleRequest(context.Background(), token, confirmSource)
		return printResult(result, confirmJSON)
	},
}

func init() {
	confirmCmd.Flags().StringVar(&confirmSource, "source", "cli", "Channel identifier; must match the token's origin")
	confirmCmd.Flags().BoolVar(&confirmJSON, "json", false, "Print the full result as JSON")
	rootCmd.AddCommand(confirmCmd)
}
