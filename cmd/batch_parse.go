package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	batchParseInput   string
	batchParseResults string
	batchParsePred    string
	batchParseMerged  string
)

var batchParseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse batch results into prediction and merged files",
	Long:  "Joins downloaded batch results back onto the original dataset, normalizes each model answer, and writes prediction and merged JSONL files plus an accuracy summary.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		result, err := pipeline.Parse(ctx, st, pipeline.ParseParams{
			Input:   batchParseInput,
			Results: batchParseResults,
			Pred:    batchParsePred,
			Merged:  batchParseMerged,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, result)
	},
}

func init() {
	batchParseCmd.Flags().StringVar(&batchParseInput, "input", "", "original QA JSONL used to build the batch (required)")
	batchParseCmd.Flags().StringVar(&batchParseResults, "results", "", "downloaded batch results JSONL (required)")
	batchParseCmd.Flags().StringVar(&batchParsePred, "pred", "", "output normalized predictions JSONL (required)")
	batchParseCmd.Flags().StringVar(&batchParseMerged, "merged", "", "output merged ground-truth and prediction JSONL (required)")
	_ = batchParseCmd.MarkFlagRequired("input")
	_ = batchParseCmd.MarkFlagRequired("results")
	_ = batchParseCmd.MarkFlagRequired("pred")
	_ = batchParseCmd.MarkFlagRequired("merged")
	batchCmd.AddCommand(batchParseCmd)
}
