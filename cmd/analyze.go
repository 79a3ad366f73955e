package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/analyze"
)

var (
	analyzeInput    string
	analyzeOutDir   string
	analyzeMetadata string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a merged evaluation file",
	Long:  "Computes answer accuracy and confusion matrices from a merged prediction file, with optional field and citation-count slices joined from per-DOI metadata. Writes CSV reports and summary.json into the output directory.",
	RunE: func(_ *cobra.Command, _ []string) error {
		summary, err := analyze.Run(analyze.Params{
			Merged:   analyzeInput,
			Metadata: analyzeMetadata,
			OutDir:   analyzeOutDir,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, summary)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", "", "merged prediction JSONL (required)")
	analyzeCmd.Flags().StringVar(&analyzeOutDir, "out-dir", "data/analysis", "directory for CSV reports and summary.json")
	analyzeCmd.Flags().StringVar(&analyzeMetadata, "metadata", "", "optional per-DOI metadata JSONL for field and citation slices")
	_ = analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}
