package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/registry"
	"github.com/sells-group/evidence-cli/pkg/notion"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import QA rows into dataset JSONL",
	Long:  "Converts spreadsheet exports or the Notion question registry into the canonical dataset JSONL the pipelines consume.",
}

var (
	importXLSXInput  string
	importXLSXOutput string
)

var importXLSXCmd = &cobra.Command{
	Use:   "xlsx",
	Short: "Import rows from an XLSX export",
	RunE: func(_ *cobra.Command, _ []string) error {
		rows, skipped, err := dataset.FromXLSX(importXLSXInput)
		if err != nil {
			return err
		}
		return writeImportedRows(rows, skipped, importXLSXOutput)
	},
}

var (
	importCSVInput   string
	importCSVOutput  string
	importCSVCharset string
)

var importCSVCmd = &cobra.Command{
	Use:   "csv",
	Short: "Import rows from a CSV export",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rows, skipped, err := dataset.FromCSV(cmd.Context(), importCSVInput, importCSVCharset)
		if err != nil {
			return err
		}
		return writeImportedRows(rows, skipped, importCSVOutput)
	},
}

var importNotionOutput string

var importNotionCmd = &cobra.Command{
	Use:   "notion",
	Short: "Import rows from the Notion question registry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.Notion.Token == "" {
			return eris.New("notion token is required (EVIDENCE_NOTION_TOKEN)")
		}
		if cfg.Notion.QuestionDB == "" {
			return eris.New("notion question DB ID is required (EVIDENCE_NOTION_QUESTION_DB)")
		}

		client := notion.NewClient(cfg.Notion.Token)
		rows, err := registry.LoadQuestionRegistry(ctx, client, cfg.Notion.QuestionDB)
		if err != nil {
			return err
		}
		return writeImportedRows(rows, 0, importNotionOutput)
	},
}

// writeImportedRows persists rows and logs the outcome.
func writeImportedRows(rows []dataset.Row, skipped int, output string) error {
	if err := dataset.WriteJSONL(output, rows); err != nil {
		return err
	}
	zap.L().Info("import complete",
		zap.Int("rows", len(rows)),
		zap.Int("skipped", skipped),
		zap.String("output", output),
	)
	return nil
}

func init() {
	importXLSXCmd.Flags().StringVar(&importXLSXInput, "input", "", "XLSX file to import (required)")
	importXLSXCmd.Flags().StringVar(&importXLSXOutput, "output", "", "output dataset JSONL (required)")
	_ = importXLSXCmd.MarkFlagRequired("input")
	_ = importXLSXCmd.MarkFlagRequired("output")
	importCmd.AddCommand(importXLSXCmd)

	importCSVCmd.Flags().StringVar(&importCSVInput, "input", "", "CSV file to import (required)")
	importCSVCmd.Flags().StringVar(&importCSVOutput, "output", "", "output dataset JSONL (required)")
	importCSVCmd.Flags().StringVar(&importCSVCharset, "charset", "", "source encoding when not UTF-8 (e.g. windows-1252)")
	_ = importCSVCmd.MarkFlagRequired("input")
	_ = importCSVCmd.MarkFlagRequired("output")
	importCmd.AddCommand(importCSVCmd)

	importNotionCmd.Flags().StringVar(&importNotionOutput, "output", "", "output dataset JSONL (required)")
	_ = importNotionCmd.MarkFlagRequired("output")
	importCmd.AddCommand(importNotionCmd)

	rootCmd.AddCommand(importCmd)
}
