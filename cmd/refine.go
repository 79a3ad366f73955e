package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	refineInput      string
	refineOutput     string
	refineModel      string
	refineConcurrent int
	refineLimit      int
)

var refineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Refine a QA dataset",
	Long:  "Rewrites each QA row for clarity and schema fit. A failed refinement falls back to the original row with the error noted, so no row is ever lost.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, refineModel)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := pipeline.Refine(ctx, env.Deps(), pipeline.RefineParams{
			Input:         refineInput,
			Output:        refineOutput,
			Model:         refineModel,
			Temperature:   0.1,
			MaxConcurrent: refineConcurrent,
			Limit:         refineLimit,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, result)
	},
}

func init() {
	refineCmd.Flags().StringVar(&refineInput, "input", "", "input QA JSONL file (required)")
	refineCmd.Flags().StringVar(&refineOutput, "output", "", "output refined JSONL (required)")
	refineCmd.Flags().StringVar(&refineModel, "model", "openai/gpt-4o", "model identifier")
	refineCmd.Flags().IntVar(&refineConcurrent, "max-concurrent", 8, "max concurrent requests")
	refineCmd.Flags().IntVar(&refineLimit, "limit", 0, "cap on items processed (0 = all)")
	_ = refineCmd.MarkFlagRequired("input")
	_ = refineCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(refineCmd)
}
