package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	generateInput      string
	generateOutput     string
	generateErrors     string
	generateModel      string
	generateConcurrent int
	generateLimit      int
	generateResume     bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate QA pairs from abstracts",
	Long:  "Asks the model for 2-4 yes/no question-answer pairs per abstract and appends them to the output JSONL. Failed abstracts land in an optional errors sidecar.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, generateModel)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := pipeline.Generate(ctx, env.Deps(), pipeline.GenerateParams{
			Input:         generateInput,
			Output:        generateOutput,
			Errors:        generateErrors,
			Model:         generateModel,
			Temperature:   0.2,
			MaxConcurrent: generateConcurrent,
			Limit:         generateLimit,
			Resume:        generateResume,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, result)
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateInput, "input", "", "input abstracts JSONL {doi, abstract, publication_year?} (required)")
	generateCmd.Flags().StringVar(&generateOutput, "output", "", "output questions JSONL (required)")
	generateCmd.Flags().StringVar(&generateErrors, "errors", "", "optional sidecar JSONL for per-abstract errors")
	generateCmd.Flags().StringVar(&generateModel, "model", "openai/gpt-4o", "model identifier")
	generateCmd.Flags().IntVar(&generateConcurrent, "max-concurrent", 8, "max concurrent requests")
	generateCmd.Flags().IntVar(&generateLimit, "limit", 0, "cap on abstracts processed (0 = all)")
	generateCmd.Flags().BoolVar(&generateResume, "resume", false, "skip DOIs already present in the output")
	_ = generateCmd.MarkFlagRequired("input")
	_ = generateCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(generateCmd)
}
