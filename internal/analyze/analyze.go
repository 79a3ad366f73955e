// Package analyze summarizes a merged evaluation file into the CSV and
// JSON reports the team reviews after a run: status counts, confusion
// matrices, per-field accuracy, and citation-count bins.
package analyze

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/normalize"
)

// Params configures one analysis pass.
type Params struct {
	// Merged is the prediction+ground-truth JSONL written by evaluate
	// or batch parse.
	Merged string
	// Metadata optionally points at a per-DOI JSONL of
	// {doi, field?, citation_count?} rows. Empty path or missing file
	// means no metadata join.
	Metadata string
	// OutDir receives the CSV reports and summary.json.
	OutDir string
}

// Summary mirrors summary.json.
type Summary struct {
	Total           int            `json:"total"`
	Status          map[string]int `json:"status"`
	UniqueQuestions int            `json:"unique_questions"`
	// AccuracyAnswer divides correct answers by total rows, not by the
	// determinate subset, and is null for an empty file. Downstream
	// sheets expect the total denominator.
	AccuracyAnswer *float64 `json:"accuracy_answer"`
}

// Closed vocabularies for confusion counting. A cell is tallied only when
// both sides are in the set, so ERROR sentinels, blanks, and free text
// stay out of the matrices.
var (
	answerSet = stringSet(
		string(model.AnswerYes), string(model.AnswerNo), string(model.AnswerNoEvidence),
	)
	qualitySet = stringSet(
		string(model.QualityHigh), string(model.QualityModerate),
		string(model.QualityLow), string(model.QualityVeryLow), string(model.QualityMissing),
	)
	discrepancySet = stringSet(
		string(model.DiscrepancyYes), string(model.DiscrepancyNo), string(model.DiscrepancyMissing),
	)
)

// citationBins are the fixed half-open bin edges for citation counts.
var citationBins = []float64{0, 5, 10, 50, 100, 500, 1000, math.Inf(1)}

// exampleColumns is the examples.csv column order.
var exampleColumns = []string{
	"doi", "question",
	"gt_answer", "pred_answer",
	"gt_quality", "pred_quality",
	"gt_discrepancy", "pred_discrepancy",
	"status", "error", "field", "citation_count",
}

type pair struct {
	gt   string
	pred string
}

type docMeta struct {
	field    string
	citation *float64
}

// exampleRow is one examples.csv line after normalization and the
// metadata join.
type exampleRow struct {
	doi         string
	question    string
	gtAnswer    string
	predAnswer  string
	gtQuality   string
	predQuality string
	gtDisc      string
	predDisc    string
	status      string
	errText     string
	field       string
	citation    *float64
}

// Run reads the merged file, tallies statuses and confusions, joins
// optional per-DOI metadata, and writes the report files into OutDir.
// field_accuracy.csv and citation_bin_accuracy.csv appear only when the
// metadata join produced at least one data point for them.
func Run(p Params) (*Summary, error) {
	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "analyze: create %s", p.OutDir)
	}

	meta, err := loadMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}

	var (
		rows         []exampleRow
		statusCounts = make(map[string]int)
		questions    = make(map[string]bool)

		answerConf  = make(map[pair]int)
		qualityConf = make(map[pair]int)
		discConf    = make(map[pair]int)

		correct    int
		fieldTotal = make(map[string]int)
		fieldRight = make(map[string]int)
		binTotal   = make([]int, len(citationBins)-1)
		binRight   = make([]int, len(citationBins)-1)
		binPoints  int
	)

	err = dataset.ForEachLine(p.Merged, func(line []byte, lineNo int) error {
		var r model.EvalRecord
		if err := json.Unmarshal(line, &r); err != nil {
			zap.L().Warn("analyze: skipping malformed line",
				zap.Int("line", lineNo), zap.Error(err))
			return nil
		}

		status := strings.TrimSpace(r.Status)
		statusCounts[status]++
		questions[r.Question] = true

		row := exampleRow{
			doi:         r.DOI,
			question:    r.Question,
			gtAnswer:    trimmed(r.GroundTruthAnswer),
			predAnswer:  strings.TrimSpace(string(r.ModelAnswer)),
			gtQuality:   trimmed(r.GroundTruthEvidenceQuality),
			predQuality: strings.TrimSpace(string(r.ModelEvidenceQuality)),
			gtDisc:      trimmed(r.GroundTruthDiscrepancy),
			predDisc:    strings.TrimSpace(string(r.ModelDiscrepancy)),
			status:      status,
			errText:     strings.TrimSpace(r.Error),
		}

		isCorrect := 0
		if answerSet[row.gtAnswer] && answerSet[row.predAnswer] {
			answerConf[pair{row.gtAnswer, row.predAnswer}]++
			if row.gtAnswer == row.predAnswer {
				correct++
				isCorrect = 1
			}
		}
		if qualitySet[row.gtQuality] && qualitySet[row.predQuality] {
			qualityConf[pair{row.gtQuality, row.predQuality}]++
		}
		if discrepancySet[row.gtDisc] && discrepancySet[row.predDisc] {
			discConf[pair{row.gtDisc, row.predDisc}]++
		}

		if m, ok := meta[r.DOI]; ok && r.DOI != "" {
			row.field = m.field
			row.citation = m.citation
		}
		if row.field != "" {
			fieldTotal[row.field]++
			fieldRight[row.field] += isCorrect
		}
		if row.citation != nil {
			i := citationBin(*row.citation)
			binTotal[i]++
			binRight[i] += isCorrect
			binPoints++
		}

		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Total:           len(rows),
		Status:          statusCounts,
		UniqueQuestions: len(questions),
	}
	if len(rows) > 0 {
		acc := float64(correct) / float64(len(rows))
		summary.AccuracyAnswer = &acc
	}

	examples := make([][]string, 0, len(rows))
	for _, r := range rows {
		examples = append(examples, []string{
			r.doi, r.question,
			r.gtAnswer, r.predAnswer,
			r.gtQuality, r.predQuality,
			r.gtDisc, r.predDisc,
			r.status, r.errText, r.field, formatCitation(r.citation),
		})
	}
	if err := writeCSV(filepath.Join(p.OutDir, "examples.csv"), exampleColumns, examples); err != nil {
		return nil, err
	}
	if err := writeCSV(filepath.Join(p.OutDir, "status_summary.csv"),
		[]string{"status", "count"}, statusRecords(statusCounts)); err != nil {
		return nil, err
	}
	confusionHeader := []string{"gt", "pred", "count"}
	if err := writeCSV(filepath.Join(p.OutDir, "answer_confusion.csv"),
		confusionHeader, confusionRecords(answerConf)); err != nil {
		return nil, err
	}
	if err := writeCSV(filepath.Join(p.OutDir, "quality_confusion.csv"),
		confusionHeader, confusionRecords(qualityConf)); err != nil {
		return nil, err
	}
	if err := writeCSV(filepath.Join(p.OutDir, "discrepancy_confusion.csv"),
		confusionHeader, confusionRecords(discConf)); err != nil {
		return nil, err
	}
	if len(fieldTotal) > 0 {
		if err := writeCSV(filepath.Join(p.OutDir, "field_accuracy.csv"),
			[]string{"field", "count", "accuracy"}, fieldRecords(fieldTotal, fieldRight)); err != nil {
			return nil, err
		}
	}
	if binPoints > 0 {
		if err := writeCSV(filepath.Join(p.OutDir, "citation_bin_accuracy.csv"),
			[]string{"bin", "count", "accuracy"}, citationRecords(binTotal, binRight)); err != nil {
			return nil, err
		}
	}
	if err := writeSummaryJSON(filepath.Join(p.OutDir, "summary.json"), summary); err != nil {
		return nil, err
	}

	zap.L().Info("analyze: wrote reports",
		zap.String("dir", p.OutDir),
		zap.Int("rows", summary.Total),
		zap.Int("unique_questions", summary.UniqueQuestions),
	)
	return summary, nil
}

// loadMetadata reads the optional per-DOI metadata file. An empty path
// or a missing file yields an empty map; rows without a DOI are skipped.
func loadMetadata(path string) (map[string]docMeta, error) {
	meta := make(map[string]docMeta)
	if path == "" {
		return meta, nil
	}
	err := dataset.ForEachLine(path, func(line []byte, lineNo int) error {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			zap.L().Warn("analyze: skipping malformed metadata line",
				zap.Int("line", lineNo), zap.Error(err))
			return nil
		}
		doi, ok := normalize.Field(entry, "doi")
		if !ok || doi == "" {
			return nil
		}
		var m docMeta
		if s, ok := normalize.Field(entry, "field"); ok {
			m.field = strings.TrimSpace(s)
		}
		if v, ok := entry["citation_count"]; ok {
			if f, numOK := toFloat(v); numOK {
				m.citation = &f
			}
		}
		meta[doi] = m
		return nil
	})
	if err != nil {
		if dataset.IsNotExist(err) {
			zap.L().Warn("analyze: metadata file missing", zap.String("path", path))
			return meta, nil
		}
		return nil, err
	}
	return meta, nil
}

// statusRecords orders statuses by count descending, then name.
func statusRecords(counts map[string]int) [][]string {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		if counts[statuses[i]] != counts[statuses[j]] {
			return counts[statuses[i]] > counts[statuses[j]]
		}
		return statuses[i] < statuses[j]
	})
	recs := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		recs = append(recs, []string{s, strconv.Itoa(counts[s])})
	}
	return recs
}

// confusionRecords orders cells by count descending, then gt, then pred.
func confusionRecords(counts map[pair]int) [][]string {
	cells := make([]pair, 0, len(counts))
	for c := range counts {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		if a.gt != b.gt {
			return a.gt < b.gt
		}
		return a.pred < b.pred
	})
	recs := make([][]string, 0, len(cells))
	for _, c := range cells {
		recs = append(recs, []string{c.gt, c.pred, strconv.Itoa(counts[c])})
	}
	return recs
}

// fieldRecords orders fields by row count descending, then name.
func fieldRecords(total, right map[string]int) [][]string {
	fields := make([]string, 0, len(total))
	for f := range total {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool {
		if total[fields[i]] != total[fields[j]] {
			return total[fields[i]] > total[fields[j]]
		}
		return fields[i] < fields[j]
	})
	recs := make([][]string, 0, len(fields))
	for _, f := range fields {
		n := total[f]
		acc := float64(right[f]) / float64(n)
		recs = append(recs, []string{f, strconv.Itoa(n), formatFloat(acc)})
	}
	return recs
}

// citationRecords walks the bins in ascending order, skipping empty ones.
func citationRecords(total, right []int) [][]string {
	var recs [][]string
	for i := range total {
		if total[i] == 0 {
			continue
		}
		acc := float64(right[i]) / float64(total[i])
		recs = append(recs, []string{citationBinLabel(i), strconv.Itoa(total[i]), formatFloat(acc)})
	}
	return recs
}

// citationBin places v into the fixed half-open bins. Values below zero
// land in the first bin.
func citationBin(v float64) int {
	for i := 0; i < len(citationBins)-1; i++ {
		if v < citationBins[i+1] {
			return i
		}
	}
	return len(citationBins) - 2
}

func citationBinLabel(i int) string {
	lo := int(citationBins[i])
	hi := citationBins[i+1]
	if math.IsInf(hi, 1) {
		return fmt.Sprintf("[%d-inf)", lo)
	}
	return fmt.Sprintf("[%d-%d)", lo, int(hi))
}

// writeCSV writes a header plus records to path.
func writeCSV(path string, header []string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "analyze: create %s", path)
	}
	w := csv.NewWriter(f)

	if err := w.Write(header); err != nil {
		f.Close()
		return eris.Wrap(err, "analyze: write csv header")
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			f.Close()
			return eris.Wrap(err, "analyze: write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return eris.Wrap(err, "analyze: flush csv")
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "analyze: close %s", path)
	}
	return nil
}

func writeSummaryJSON(path string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "analyze: marshal summary")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "analyze: write %s", path)
	}
	return nil
}

// stringSet builds a membership set from its arguments.
func stringSet(vals ...string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

// trimmed dereferences an optional enum field to its trimmed string
// form; nil reads as empty.
func trimmed[T ~string](v *T) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(string(*v))
}

// toFloat coerces a citation_count value. Metadata exports carry
// numbers and numeric strings interchangeably.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatCitation(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
