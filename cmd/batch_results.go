package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	batchResultsOutDir   string
	batchResultsInterval time.Duration
	batchResultsTimeout  time.Duration
)

var batchResultsCmd = &cobra.Command{
	Use:   "results <batch-id>",
	Short: "Poll a batch and download its results",
	Long:  "Polls until the batch ends, then writes per-item results and errors as JSONL files under the output directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ac, err := initAnthropic()
		if err != nil {
			return err
		}

		collected, err := pipeline.Results(ctx, ac, pipeline.ResultsParams{
			BatchID:      args[0],
			OutDir:       batchResultsOutDir,
			PollInterval: batchResultsInterval,
			PollTimeout:  batchResultsTimeout,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Collected %d results (%d failed) into %s\n",
			len(collected.Succeeded), len(collected.Failures), batchResultsOutDir)
		return nil
	},
}

func init() {
	batchResultsCmd.Flags().StringVar(&batchResultsOutDir, "out-dir", "data/runs", "directory for result and error files")
	batchResultsCmd.Flags().DurationVar(&batchResultsInterval, "poll-interval", 10*time.Second, "initial interval between status polls")
	batchResultsCmd.Flags().DurationVar(&batchResultsTimeout, "timeout", 10*time.Hour, "max time to wait for the batch to end")
	batchCmd.AddCommand(batchResultsCmd)
}
