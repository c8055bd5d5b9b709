package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kayz/keel/internal/kernel"
)

var (
	askSource string
	askJSON   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Handle one natural-language request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		// Tasks are loaded without the tick loop so task.run works from
		// a one-shot invocation.
		if err := rt.sched.Load(); err != nil {
			return err
		}

		request := strings.Join(args, " ")
		result := rt.kernel.HandleRequest(context.Background(), request, askSource)
		return printResult(result, askJSON)
	},
}

func init() {
	askCmd.Flags().StringVar(&askSource, "source", "cli", "Channel identifier bound to confirmation tokens")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the full result as JSON")
	rootCmd.AddCommand(askCmd)
}

func printResult(result *kernel.Result, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(result.Reply)
	return nil
}
