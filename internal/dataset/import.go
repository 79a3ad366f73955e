package dataset

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/evidence-cli/internal/fetcher"
)

// normalizeHeader folds case, spaces, hyphens, and underscores so
// "Evidence-Quality", "evidence quality", and "evidence_quality" all map
// to the same column.
func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}

func mapHeader(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, col := range header {
		m[normalizeHeader(col)] = i
	}
	return m
}

func getCol(record []string, col map[string]int, name string) string {
	idx, ok := col[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func rowFromRecord(record []string, col map[string]int) Row {
	year := 0
	for _, key := range []string{"publicationyear", "year"} {
		if v := getCol(record, col, key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				year = n
				break
			}
		}
	}

	return Row{
		ID:              getCol(record, col, "id"),
		DOI:             getCol(record, col, "doi"),
		Question:        getCol(record, col, "question"),
		Answer:          getCol(record, col, "answer"),
		EvidenceQuality: getCol(record, col, "evidencequality"),
		Discrepancy:     getCol(record, col, "discrepancy"),
		Notes:           getCol(record, col, "notes"),
		PublicationYear: year,
		Abstract:        getCol(record, col, "abstract"),
	}
}

// FromXLSX converts the first sheet of an XLSX export to dataset rows.
// The header row names the columns; rows without a question are skipped
// and counted.
func FromXLSX(path string) ([]Row, int, error) {
	cells, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, 0, err
	}
	if len(cells) == 0 {
		return nil, 0, eris.Errorf("dataset: %s has no rows", path)
	}

	col := mapHeader(cells[0])
	if _, ok := col["question"]; !ok {
		return nil, 0, eris.Errorf("dataset: %s has no question column", path)
	}

	rows := make([]Row, 0, len(cells)-1)
	skipped := 0
	for _, rec := range cells[1:] {
		r := rowFromRecord(rec, col)
		if r.Question == "" {
			skipped++
			continue
		}
		rows = append(rows, r)
	}
	return rows, skipped, nil
}

// FromCSV converts a CSV export to dataset rows. charset names a
// non-UTF-8 encoding to decode first ("" means UTF-8); names follow the
// WHATWG encoding registry (e.g. "windows-1252", "latin1").
func FromCSV(ctx context.Context, path, charset string) ([]Row, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "dataset: open %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if charset != "" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, 0, eris.Wrapf(err, "dataset: unsupported charset %q", charset)
		}
		r = enc.NewDecoder().Reader(f)
	}

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
		HasHeader:  true,
		HeaderCh:   headerCh,
		LazyQuotes: true,
		TrimSpace:  true,
	})

	var col map[string]int
	var rows []Row
	skipped := 0
	for rec := range rowCh {
		if col == nil {
			col = mapHeader(<-headerCh)
			if _, ok := col["question"]; !ok {
				for range rowCh {
					// drain so the stream goroutine can exit
				}
				<-errCh
				return nil, 0, eris.Errorf("dataset: %s has no question column", path)
			}
		}
		row := rowFromRecord(rec, col)
		if row.Question == "" {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return nil, 0, err
	}

	return rows, skipped, nil
}
