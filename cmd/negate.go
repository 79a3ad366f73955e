package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	negateInput      string
	negateOutput     string
	negateModel      string
	negateConcurrent int
	negateLimit      int
)

var negateCmd = &cobra.Command{
	Use:   "negate",
	Short: "Negate a QA dataset",
	Long:  "Rewrites each question/answer pair into its logical negation and marks every output row with a negation-valid flag.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, negateModel)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := pipeline.Negate(ctx, env.Deps(), pipeline.NegateParams{
			Input:         negateInput,
			Output:        negateOutput,
			Model:         negateModel,
			Temperature:   0.2,
			MaxConcurrent: negateConcurrent,
			Limit:         negateLimit,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, result)
	},
}

func init() {
	negateCmd.Flags().StringVar(&negateInput, "input", "", "input QA JSONL file (required)")
	negateCmd.Flags().StringVar(&negateOutput, "output", "", "output negated JSONL (required)")
	negateCmd.Flags().StringVar(&negateModel, "model", "openai/gpt-4o-mini", "model identifier")
	negateCmd.Flags().IntVar(&negateConcurrent, "max-concurrent", 5, "max concurrent requests")
	negateCmd.Flags().IntVar(&negateLimit, "limit", 0, "cap on items processed (0 = all)")
	_ = negateCmd.MarkFlagRequired("input")
	_ = negateCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(negateCmd)
}
