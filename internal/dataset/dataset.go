// Package dataset loads and writes the QA datasets the pipelines consume.
// The JSONL wire format is the historical one: one QA pair per line, with
// the answer, evidence-quality, and discrepancy columns carrying the
// item's ground truth.
package dataset

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Row is one dataset line.
type Row struct {
	ID              string `json:"id,omitempty"`
	DOI             string `json:"doi,omitempty"`
	Question        string `json:"question"`
	Answer          string `json:"answer,omitempty"`
	EvidenceQuality string `json:"evidence-quality,omitempty"`
	Discrepancy     string `json:"discrepancy,omitempty"`
	Notes           string `json:"notes,omitempty"`
	PublicationYear int    `json:"publication_year,omitempty"`
	Abstract        string `json:"abstract,omitempty"`
}

// Load reads an evaluation dataset. Malformed lines and rows without a
// question are skipped and counted. Identifiers are synthesized when the
// id field is absent: the DOI when it is unambiguous, else row-N from the
// 1-based line position. Duplicate explicit ids are a load error.
func Load(path string) ([]model.QuestionItem, int, error) {
	type parsed struct {
		row  Row
		line int
	}

	var rows []parsed
	skipped := 0
	err := ForEachLine(path, func(line []byte, lineNo int) error {
		var r Row
		if err := json.Unmarshal(line, &r); err != nil {
			zap.L().Warn("dataset: skipping malformed line",
				zap.Int("line", lineNo), zap.Error(err))
			skipped++
			return nil
		}
		if strings.TrimSpace(r.Question) == "" {
			zap.L().Warn("dataset: skipping row without question", zap.Int("line", lineNo))
			skipped++
			return nil
		}
		rows = append(rows, parsed{row: r, line: lineNo})
		return nil
	})
	if err != nil {
		return nil, 0, eris.Wrapf(err, "dataset: load %s", path)
	}

	// A DOI can only serve as identifier when exactly one id-less row
	// carries it; several questions often share one abstract.
	doiCount := make(map[string]int)
	for _, p := range rows {
		if p.row.ID == "" && p.row.DOI != "" {
			doiCount[p.row.DOI]++
		}
	}

	seen := make(map[string]int, len(rows))
	items := make([]model.QuestionItem, 0, len(rows))
	for _, p := range rows {
		ident := p.row.ID
		switch {
		case ident != "":
		case p.row.DOI != "" && doiCount[p.row.DOI] == 1:
			ident = p.row.DOI
		default:
			ident = fmt.Sprintf("row-%d", p.line)
		}
		if prev, dup := seen[ident]; dup {
			return nil, 0, eris.Errorf("dataset: duplicate identifier %q (lines %d and %d)", ident, prev, p.line)
		}
		seen[ident] = p.line

		items = append(items, model.QuestionItem{
			Identifier:      ident,
			DOI:             p.row.DOI,
			Question:        p.row.Question,
			GroundTruth:     groundTruthOf(p.row),
			PublicationYear: p.row.PublicationYear,
			Abstract:        p.row.Abstract,
		})
	}

	return items, skipped, nil
}

// groundTruthOf builds the ground truth a row carries. Recognized values
// are canonicalized; unrecognized ones are kept verbatim so the analyzer
// can report them. A row with none of the three columns has no ground
// truth at all.
func groundTruthOf(r Row) *model.GroundTruth {
	answer := strings.TrimSpace(r.Answer)
	quality := strings.TrimSpace(r.EvidenceQuality)
	discrepancy := strings.TrimSpace(r.Discrepancy)
	if answer == "" && quality == "" && discrepancy == "" {
		return nil
	}

	gt := &model.GroundTruth{
		Answer:          model.Answer(answer),
		EvidenceQuality: model.EvidenceQuality(quality),
		Discrepancy:     model.Discrepancy(discrepancy),
		Notes:           r.Notes,
	}
	if a, ok := model.ParseAnswer(answer); ok {
		gt.Answer = a
	}
	if q, ok := model.ParseQuality(quality); ok {
		gt.EvidenceQuality = q
	}
	if d, ok := model.ParseDiscrepancy(discrepancy); ok {
		gt.Discrepancy = d
	}
	return gt
}

// Index resolves items for merge: explicit identifier first, DOI second.
// The dual-key fallback exists because upstream stages have historically
// keyed outputs inconsistently.
type Index struct {
	byID  map[string]*model.QuestionItem
	byDOI map[string]*model.QuestionItem
}

// NewIndex builds the dual-key index. When several rows share a DOI the
// first occurrence wins.
func NewIndex(items []model.QuestionItem) *Index {
	ix := &Index{
		byID:  make(map[string]*model.QuestionItem, len(items)),
		byDOI: make(map[string]*model.QuestionItem),
	}
	for i := range items {
		it := &items[i]
		ix.byID[it.Identifier] = it
		if it.DOI != "" {
			if _, ok := ix.byDOI[it.DOI]; !ok {
				ix.byDOI[it.DOI] = it
			}
		}
	}
	return ix
}

// Lookup finds an item by identifier, falling back to DOI. Returns nil
// when neither key matches.
func (ix *Index) Lookup(identifier, doi string) *model.QuestionItem {
	if it, ok := ix.byID[identifier]; ok {
		return it
	}
	if doi != "" {
		if it, ok := ix.byDOI[doi]; ok {
			return it
		}
	}
	return nil
}

// AbstractRow is one input row for question generation.
type AbstractRow struct {
	DOI             string `json:"doi"`
	Abstract        string `json:"abstract"`
	PublicationYear int    `json:"publication_year,omitempty"`
}

// LoadAbstracts reads the generation input. Rows without a DOI or an
// abstract are skipped and counted.
func LoadAbstracts(path string) ([]AbstractRow, int, error) {
	var rows []AbstractRow
	skipped := 0
	err := ForEachLine(path, func(line []byte, lineNo int) error {
		var r AbstractRow
		if err := json.Unmarshal(line, &r); err != nil {
			zap.L().Warn("dataset: skipping malformed line",
				zap.Int("line", lineNo), zap.Error(err))
			skipped++
			return nil
		}
		if strings.TrimSpace(r.DOI) == "" || strings.TrimSpace(r.Abstract) == "" {
			skipped++
			return nil
		}
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, 0, eris.Wrapf(err, "dataset: load abstracts %s", path)
	}
	return rows, skipped, nil
}

// GuidelineRow is one guideline document for question extraction. Line is the
// zero-based position in the source file, used to build stable document keys.
type GuidelineRow struct {
	Name string `json:"text-guideline,omitempty"`
	Text string `json:"text"`
	Line int    `json:"-"`
}

// LoadGuidelines reads guideline documents. Rows without text are
// skipped and counted.
func LoadGuidelines(path string) ([]GuidelineRow, int, error) {
	var rows []GuidelineRow
	skipped := 0
	err := ForEachLine(path, func(line []byte, lineNo int) error {
		var r GuidelineRow
		if err := json.Unmarshal(line, &r); err != nil {
			zap.L().Warn("dataset: skipping malformed line",
				zap.Int("line", lineNo), zap.Error(err))
			skipped++
			return nil
		}
		if strings.TrimSpace(r.Text) == "" {
			skipped++
			return nil
		}
		r.Line = lineNo - 1
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, 0, eris.Wrapf(err, "dataset: load guidelines %s", path)
	}
	return rows, skipped, nil
}

// ScanDOIs collects the DOIs present in an existing output file so a
// resumed generation run can skip them. A missing file is an empty set.
func ScanDOIs(path string) (map[string]bool, error) {
	seen := make(map[string]bool)
	err := ForEachLine(path, func(line []byte, _ int) error {
		var r struct {
			DOI string `json:"doi"`
		}
		if err := json.Unmarshal(line, &r); err != nil {
			return nil
		}
		if r.DOI != "" {
			seen[r.DOI] = true
		}
		return nil
	})
	if err != nil {
		if IsNotExist(err) {
			return seen, nil
		}
		return nil, eris.Wrapf(err, "dataset: scan %s", path)
	}
	return seen, nil
}
