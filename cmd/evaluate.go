package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	evaluateInput       string
	evaluateOutput      string
	evaluateFormat      string
	evaluateModel       string
	evaluateTemperature float64
	evaluateConcurrent  int
	evaluateRetries     int
	evaluateTimeout     time.Duration
	evaluateLimit       int
	evaluateResume      bool
	evaluateCheckpoint  int
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a QA dataset against a live model",
	Long:  "Fans the dataset's questions out to the model under a concurrency cap, normalizes the answers, merges them with ground truth, and writes the merged records plus a run summary.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, evaluateModel)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := pipeline.Evaluate(ctx, env.Deps(), pipeline.EvaluateParams{
			Input:           evaluateInput,
			Output:          evaluateOutput,
			Format:          evaluateFormat,
			Model:           evaluateModel,
			Temperature:     evaluateTemperature,
			MaxConcurrent:   evaluateConcurrent,
			MaxRetries:      evaluateRetries,
			AttemptTimeout:  evaluateTimeout,
			Limit:           evaluateLimit,
			Resume:          evaluateResume,
			CheckpointEvery: evaluateCheckpoint,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, result)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateInput, "input", "", "input QA JSONL file (required)")
	evaluateCmd.Flags().StringVar(&evaluateOutput, "output", "", "output results file, .json or .jsonl (required)")
	evaluateCmd.Flags().StringVar(&evaluateFormat, "format", "", "force output encoding: json or jsonl")
	evaluateCmd.Flags().StringVar(&evaluateModel, "model", "anthropic/claude-sonnet-4.5", "model identifier")
	evaluateCmd.Flags().Float64Var(&evaluateTemperature, "temperature", 0.2, "sampling temperature where the model supports one")
	evaluateCmd.Flags().IntVar(&evaluateConcurrent, "max-concurrent", 15, "max concurrent requests")
	evaluateCmd.Flags().IntVar(&evaluateRetries, "max-retries", 3, "additional attempts per item after a transient failure")
	evaluateCmd.Flags().DurationVar(&evaluateTimeout, "timeout", 2*time.Minute, "per-attempt timeout")
	evaluateCmd.Flags().IntVar(&evaluateLimit, "limit", 0, "cap on items processed (0 = all)")
	evaluateCmd.Flags().BoolVar(&evaluateResume, "resume", false, "skip items already in the checkpoint file")
	evaluateCmd.Flags().IntVar(&evaluateCheckpoint, "checkpoint-frequency", 50, "checkpoint every N completions (0 disables)")
	_ = evaluateCmd.MarkFlagRequired("input")
	_ = evaluateCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(evaluateCmd)
}
