package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"deposit-gateway/internal/app"
)

var (
	replayDryRun  bool
	replayWorkers int
	replayFund    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file.jsonl>",
	Short: "Feed a JSON-lines file of deposit requests through the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayWorkers <= 0 {
			return errors.New("--workers must be greater than zero")
		}
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			Path:    args[0],
			DryRun:  replayDryRun,
			Workers: replayWorkers,
			Fund:    replayFund,
		})
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Use fresh in-memory state instead of the configured store")
	replayCmd.Flags().IntVar(&replayWorkers, "workers", 1, "Number of requests processed concurrently")
	replayCmd.Flags().BoolVar(&replayFund, "fund", false, "Credit each sender with what its request moves")
}
