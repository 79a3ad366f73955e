package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/fetcher"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch source corpora",
}

var (
	fetchPubMedHost  string
	fetchPubMedPath  string
	fetchPubMedOut   string
	fetchPubMedLimit int
)

var fetchPubMedCmd = &cobra.Command{
	Use:   "pubmed",
	Short: "Fetch PubMed baseline abstracts over FTP",
	Long:  "Downloads the baseline *.xml.gz files and writes one {doi, abstract, publication_year} row per usable article. Articles without a DOI or an abstract are skipped and counted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		host := fetchPubMedHost
		if host == "" {
			host = cfg.PubMed.Host
		}
		dir := fetchPubMedPath
		if dir == "" {
			dir = cfg.PubMed.Dir
		}

		f := fetcher.NewFTPFetcher(fetcher.FTPOptions{})
		result, err := dataset.FetchPubMed(ctx, f, dataset.PubMedParams{
			Host:  host,
			Dir:   dir,
			Out:   fetchPubMedOut,
			Limit: fetchPubMedLimit,
		})
		if err != nil {
			return err
		}

		return writeJSON(os.Stdout, result)
	},
}

func init() {
	fetchPubMedCmd.Flags().StringVar(&fetchPubMedHost, "host", "", "FTP host (default from config)")
	fetchPubMedCmd.Flags().StringVar(&fetchPubMedPath, "path", "", "baseline directory on the server (default from config)")
	fetchPubMedCmd.Flags().StringVar(&fetchPubMedOut, "out", "", "output abstract JSONL (required)")
	fetchPubMedCmd.Flags().IntVar(&fetchPubMedLimit, "limit", 0, "max baseline files to process (0 = all)")
	_ = fetchPubMedCmd.MarkFlagRequired("out")
	fetchCmd.AddCommand(fetchPubMedCmd)
	rootCmd.AddCommand(fetchCmd)
}
