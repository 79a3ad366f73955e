package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var batchStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show the processing status of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ac, err := initAnthropic()
		if err != nil {
			return err
		}

		batch, err := ac.GetBatch(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Batch %s: %s\n", batch.ID, batch.ProcessingStatus)
		fmt.Printf("  processing: %d  succeeded: %d  errored: %d  canceled: %d  expired: %d\n",
			batch.RequestCounts.Processing,
			batch.RequestCounts.Succeeded,
			batch.RequestCounts.Errored,
			batch.RequestCounts.Canceled,
			batch.RequestCounts.Expired,
		)
		return nil
	},
}

func init() {
	batchCmd.AddCommand(batchStatusCmd)
}
