package main

import (
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Provider-side batch evaluation",
	Long:  "Prepares request files, submits them to the Anthropic Message Batches API, polls until the batch ends, and parses the collected output back into the merged evaluation format.",
}

func init() {
	rootCmd.AddCommand(batchCmd)
}
