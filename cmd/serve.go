package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kayz/keel/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Runs the task scheduler in the foreground: due cron and heartbeat
tasks are relayed to the configured runtime endpoint until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.sched.Start(); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		s := <-sig
		logger.Info("[CMD] Received %s, shutting down", s)

		rt.sched.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
