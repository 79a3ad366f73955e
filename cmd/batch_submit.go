package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/pipeline"
)

var (
	batchSubmitInput  string
	batchSubmitModel  string
	batchSubmitOutDir string
	batchSubmitPrimer bool
)

var batchSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a QA dataset as a message batch",
	Long:  "Submits the dataset as one Anthropic message batch and writes the submission metadata next to the batch outputs, so status and results can find it later.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ac, err := initAnthropic()
		if err != nil {
			return err
		}
		cat, err := catalog.LoadOrDefault(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		sub, err := pipeline.Submit(ctx, ac, st, cat, pipeline.SubmitParams{
			Input:  batchSubmitInput,
			Model:  batchSubmitModel,
			OutDir: batchSubmitOutDir,
			Primer: batchSubmitPrimer,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, sub)
	},
}

func init() {
	batchSubmitCmd.Flags().StringVar(&batchSubmitInput, "input", "", "input QA JSONL file (required)")
	batchSubmitCmd.Flags().StringVar(&batchSubmitModel, "model", "anthropic/claude-sonnet-4.5", "model identifier")
	batchSubmitCmd.Flags().StringVar(&batchSubmitOutDir, "out-dir", "data/runs", "directory for submission metadata and outputs")
	batchSubmitCmd.Flags().BoolVar(&batchSubmitPrimer, "primer", false, "send one sequential request first to warm the prompt cache")
	_ = batchSubmitCmd.MarkFlagRequired("input")
	batchCmd.AddCommand(batchSubmitCmd)
}
