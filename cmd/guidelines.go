package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	guidelinesInput      string
	guidelinesCSV        string
	guidelinesJSONL      string
	guidelinesModel      string
	guidelinesConcurrent int
	guidelinesMaxChars   int
	guidelinesCheckpoint int
)

var guidelinesCmd = &cobra.Command{
	Use:   "guidelines",
	Short: "Extract QA pairs from guideline documents",
	Long:  "Slices guideline texts into paragraph chunks, asks the model for at most one PICO-style question per chunk, and writes the rows as CSV and JSONL.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, guidelinesModel)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := pipeline.Guidelines(ctx, env.Deps(), pipeline.GuidelinesParams{
			Input:           guidelinesInput,
			OutputCSV:       guidelinesCSV,
			OutputJSONL:     guidelinesJSONL,
			Model:           guidelinesModel,
			Temperature:     0.2,
			MaxConcurrent:   guidelinesConcurrent,
			MaxChars:        guidelinesMaxChars,
			CheckpointEvery: guidelinesCheckpoint,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, result)
	},
}

func init() {
	guidelinesCmd.Flags().StringVar(&guidelinesInput, "input", "", "input guideline JSONL {text-guideline?, text} (required)")
	guidelinesCmd.Flags().StringVar(&guidelinesCSV, "output-csv", "", "output CSV path (required)")
	guidelinesCmd.Flags().StringVar(&guidelinesJSONL, "output-jsonl", "", "output JSONL path (required)")
	guidelinesCmd.Flags().StringVar(&guidelinesModel, "model", "openai/gpt-4o", "model identifier")
	guidelinesCmd.Flags().IntVar(&guidelinesConcurrent, "max-concurrent", 5, "max concurrent requests")
	guidelinesCmd.Flags().IntVar(&guidelinesMaxChars, "max-chars", 2000, "max characters per text slice")
	guidelinesCmd.Flags().IntVar(&guidelinesCheckpoint, "checkpoint-every", 200, "write partial outputs every N slices (0 disables)")
	_ = guidelinesCmd.MarkFlagRequired("input")
	_ = guidelinesCmd.MarkFlagRequired("output-csv")
	_ = guidelinesCmd.MarkFlagRequired("output-jsonl")
	rootCmd.AddCommand(guidelinesCmd)
}
