package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	batchPrepareInput  string
	batchPrepareOutput string
	batchPrepareModel  string
	batchPrepareLimit  int
	batchPrepareJSON   bool
)

var batchPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Build a batch request file from a QA dataset",
	RunE: func(_ *cobra.Command, _ []string) error {
		cat, err := catalog.LoadOrDefault(cfg.Catalog.Path)
		if err != nil {
			return err
		}

		n, err := pipeline.Prepare(cat, pipeline.PrepareParams{
			Input:      batchPrepareInput,
			Output:     batchPrepareOutput,
			Model:      batchPrepareModel,
			Limit:      batchPrepareLimit,
			JSONFormat: batchPrepareJSON,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Wrote %d batch requests to %s\n", n, batchPrepareOutput)
		return nil
	},
}

func init() {
	batchPrepareCmd.Flags().StringVar(&batchPrepareInput, "input", "", "input QA JSONL file (required)")
	batchPrepareCmd.Flags().StringVar(&batchPrepareOutput, "output", "", "output batch request JSONL (required)")
	batchPrepareCmd.Flags().StringVar(&batchPrepareModel, "model", "openai/gpt-4o-mini", "target model identifier")
	batchPrepareCmd.Flags().IntVar(&batchPrepareLimit, "limit", 0, "cap on items prepared (0 = all)")
	batchPrepareCmd.Flags().BoolVar(&batchPrepareJSON, "json-format", false, "request a JSON object response format")
	_ = batchPrepareCmd.MarkFlagRequired("input")
	_ = batchPrepareCmd.MarkFlagRequired("output")
	batchCmd.AddCommand(batchPrepareCmd)
}
