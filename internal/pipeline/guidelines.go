package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cost"
	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/executor"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/normalize"
	"github.com/sells-group/evidence-cli/internal/prompt"
	"github.com/sells-group/evidence-cli/internal/store"
)

const defaultMaxChars = 2000

// GuidelinesParams configures guideline question extraction.
type GuidelinesParams struct {
	Input       string
	OutputCSV   string
	OutputJSONL string
	Model       string

	Temperature   float64
	MaxConcurrent int
	// MaxChars caps the size of a text slice sent to the model. Default 2000.
	MaxChars int
	// CheckpointEvery writes partial outputs every N finished slices.
	// Zero disables partials.
	CheckpointEvery int
}

// GuidelineQA is one extracted question, keyed back to its source slice
// and document.
type GuidelineQA struct {
	QAID              string `json:"qa_id"`
	SliceID           string `json:"slice_id"`
	GuidelineID       string `json:"guideline_id"`
	Question          string `json:"question"`
	Answer            string `json:"answer"`
	Category          string `json:"category"`
	SupportingSnippet string `json:"supporting_snippet"`
}

var guidelineCSVHeader = []string{
	"qa_id", "slice_id", "guideline_id",
	"question", "answer", "category", "supporting_snippet",
}

// Guidelines slices guideline documents into paragraph chunks, asks the
// model for at most one question per chunk, and writes the collected rows
// as CSV and JSONL. A chunk may validly yield zero questions; that is a
// success with no rows. Output order follows slice order regardless of
// completion order.
func Guidelines(ctx context.Context, deps Deps, p GuidelinesParams) (*model.RunResult, error) {
	start := time.Now()
	entry := deps.Catalog.Resolve(p.Model)
	tracker := cost.NewTracker(cost.NewCalculator(deps.Catalog))
	if p.MaxChars <= 0 {
		p.MaxChars = defaultMaxChars
	}

	rec, err := newRecorder(ctx, deps.Store, store.RunSpec{
		Kind:   model.RunKindGuidelines,
		Model:  p.Model,
		Input:  p.Input,
		Output: p.OutputCSV,
		Params: map[string]any{
			"max_concurrent":   p.MaxConcurrent,
			"max_chars":        p.MaxChars,
			"checkpoint_every": p.CheckpointEvery,
		},
	})
	if err != nil {
		return nil, err
	}
	rec.setStatus(ctx, model.RunStatusRunning)

	type sliceTask struct {
		sliceID     string
		guidelineID string
		text        string
	}

	var (
		loadSkipped int
		tasks       []sliceTask

		mu         sync.Mutex
		okCount    int
		errCount   int
		fails      []model.ItemFailure
		results    = make(map[string][]map[string]any)
		sliceOrder []string
	)

	summarize := func() *model.RunResult {
		in, outTok := tracker.Tokens()
		return &model.RunResult{
			Total:        len(tasks),
			Succeeded:    okCount,
			Failed:       errCount,
			Skipped:      loadSkipped,
			InputTokens:  in,
			OutputTokens: outTok,
			CostUSD:      tracker.Total(),
			DurationMS:   time.Since(start).Milliseconds(),
		}
	}
	abort := func(err error) (*model.RunResult, error) {
		rec.recordFailures(ctx, fails)
		res := summarize()
		res.Error = err.Error()
		rec.finish(ctx, model.RunStatusFailed, res)
		return nil, err
	}

	// Callers hold mu.
	collectRows := func() []GuidelineQA {
		var rows []GuidelineQA
		for _, sliceID := range sliceOrder {
			entries, ok := results[sliceID]
			if !ok {
				continue
			}
			guidelineID := sliceID[:strings.LastIndex(sliceID, "_")]
			rows = append(rows, guidelineRows(sliceID, guidelineID, entries)...)
		}
		return rows
	}

	err = rec.phase(ctx, "loading", func(ctx context.Context) (*model.PhaseResult, error) {
		docs, skipped, err := dataset.LoadGuidelines(p.Input)
		if err != nil {
			return nil, err
		}
		loadSkipped = skipped

		for _, doc := range docs {
			key := guidelineKey(doc)
			for i, text := range sliceText(doc.Text, p.MaxChars) {
				sliceID := fmt.Sprintf("%s_%d", key, i)
				tasks = append(tasks, sliceTask{sliceID: sliceID, guidelineID: key, text: text})
				sliceOrder = append(sliceOrder, sliceID)
			}
		}

		if err := ensureDir(p.OutputCSV); err != nil {
			return nil, err
		}
		if p.OutputJSONL != "" {
			if err := ensureDir(p.OutputJSONL); err != nil {
				return nil, err
			}
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"documents":    len(docs),
			"slices":       len(tasks),
			"skipped_docs": loadSkipped,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	var execTasks []executor.Task
	err = rec.phase(ctx, "submitting", func(ctx context.Context) (*model.PhaseResult, error) {
		for _, t := range tasks {
			execTasks = append(execTasks, executor.Task{
				Identifier: t.sliceID,
				Request:    completionRequest(entry, p.Model, p.Temperature, prompt.Guideline(t.text)),
			})
		}
		return &model.PhaseResult{Metadata: map[string]any{"submitted": len(execTasks)}}, nil
	})
	if err != nil {
		return abort(err)
	}

	exec := executor.New(deps.Client, executor.Options{
		MaxConcurrent: p.MaxConcurrent,
	})
	prog := &progress{label: "guidelines", total: len(execTasks), exec: exec}

	err = rec.phase(ctx, "draining", func(ctx context.Context) (*model.PhaseResult, error) {
		// Callers hold mu.
		partial := func() {
			rows := collectRows()
			if err := writeGuidelineCSV(partialPath(p.OutputCSV), rows); err != nil {
				zap.L().Warn("guidelines: partial csv write failed", zap.Error(err))
			}
			if p.OutputJSONL != "" {
				if err := dataset.WriteJSONL(partialPath(p.OutputJSONL), rows); err != nil {
					zap.L().Warn("guidelines: partial jsonl write failed", zap.Error(err))
				}
			}
		}

		runErr := exec.Run(ctx, execTasks, func(o model.RequestOutcome) {
			if !o.Succeeded() {
				mu.Lock()
				errCount++
				fails = append(fails, model.ItemFailure{
					ItemID:  o.Identifier,
					Kind:    o.Failure.Kind,
					Message: o.Failure.Message,
				})
				mu.Unlock()
				prog.step(false)
				return
			}

			tracker.Add(p.Model, false, o.Usage)
			entries, perr := normalize.EntryList(o.RawText)
			if perr != nil {
				mu.Lock()
				errCount++
				fails = append(fails, model.ItemFailure{
					ItemID:  o.Identifier,
					Kind:    model.FailureParse,
					Message: perr.Error(),
				})
				mu.Unlock()
				prog.step(false)
				return
			}

			mu.Lock()
			okCount++
			results[o.Identifier] = entries
			if p.CheckpointEvery > 0 && (okCount+errCount)%p.CheckpointEvery == 0 {
				partial()
			}
			mu.Unlock()
			prog.step(true)
		})
		if runErr != nil {
			return nil, runErr
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"ok":  okCount,
			"err": errCount,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	var rowCount int
	err = rec.phase(ctx, "finalizing", func(ctx context.Context) (*model.PhaseResult, error) {
		mu.Lock()
		rows := collectRows()
		mu.Unlock()
		rowCount = len(rows)

		if err := writeGuidelineCSV(p.OutputCSV, rows); err != nil {
			return nil, err
		}
		if p.OutputJSONL != "" {
			if err := dataset.WriteJSONL(p.OutputJSONL, rows); err != nil {
				return nil, err
			}
		}

		removeQuiet(partialPath(p.OutputCSV))
		if p.OutputJSONL != "" {
			removeQuiet(partialPath(p.OutputJSONL))
		}
		return &model.PhaseResult{Metadata: map[string]any{"rows": rowCount}}, nil
	})
	if err != nil {
		return abort(err)
	}

	rec.recordFailures(ctx, fails)
	result := summarize()
	rec.finish(ctx, model.RunStatusComplete, result)

	zap.L().Info("guidelines: run complete",
		zap.Int("ok", okCount),
		zap.Int("err", errCount),
		zap.Int("rows", rowCount),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

// guidelineKey builds a stable document key from the guideline name and
// its position in the input file. Unnamed documents fall back to a
// positional name, so the key stays unique across reruns of the same file.
func guidelineKey(doc dataset.GuidelineRow) string {
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = fmt.Sprintf("guideline_%d", doc.Line)
	}
	return fmt.Sprintf("%s_%d", name, doc.Line)
}

// sliceText splits text on blank lines and packs consecutive paragraphs
// into chunks of at most maxChars. A single oversized paragraph becomes
// its own chunk rather than being split mid-sentence.
func sliceText(text string, maxChars int) []string {
	var slices []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		current.Reset()
		if s != "" {
			slices = append(slices, s)
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		if current.Len()+len(para) < maxChars {
			current.WriteString(para)
			current.WriteString("\n\n")
			continue
		}
		flush()
		current.WriteString(para)
		current.WriteString("\n\n")
	}
	flush()
	return slices
}

// guidelineRows maps raw entries onto output rows. Entries with none of
// the mapped fields are dropped, and qa_id indexes count only kept rows.
func guidelineRows(sliceID, guidelineID string, entries []map[string]any) []GuidelineQA {
	var rows []GuidelineQA
	for _, e := range entries {
		row := GuidelineQA{
			SliceID:     sliceID,
			GuidelineID: guidelineID,
		}
		if s, ok := normalize.Field(e, "question"); ok {
			row.Question = s
		}
		if s, ok := normalize.Field(e, "answer"); ok {
			row.Answer = s
		}
		if s, ok := normalize.Field(e, "category"); ok {
			row.Category = s
		}
		if s, ok := normalize.Field(e, "supporting_snippet"); ok {
			row.SupportingSnippet = s
		}
		if row.Question == "" && row.Answer == "" && row.Category == "" && row.SupportingSnippet == "" {
			continue
		}
		row.QAID = fmt.Sprintf("%s_%d", sliceID, len(rows))
		rows = append(rows, row)
	}
	return rows
}

// writeGuidelineCSV writes rows with the fixed column order downstream
// spreadsheets expect.
func writeGuidelineCSV(path string, rows []GuidelineQA) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "pipeline: create %s", path)
	}
	w := csv.NewWriter(f)

	if err := w.Write(guidelineCSVHeader); err != nil {
		f.Close()
		return eris.Wrap(err, "pipeline: write csv header")
	}
	for _, r := range rows {
		rec := []string{r.QAID, r.SliceID, r.GuidelineID, r.Question, r.Answer, r.Category, r.SupportingSnippet}
		if err := w.Write(rec); err != nil {
			f.Close()
			return eris.Wrap(err, "pipeline: write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return eris.Wrap(err, "pipeline: flush csv")
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "pipeline: close %s", path)
	}
	return nil
}

// partialPath derives the checkpoint path for an output file:
// results.csv becomes results_partial.csv.
func partialPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_partial" + ext
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("pipeline: remove partial failed",
			zap.String("path", path), zap.Error(err))
	}
}
