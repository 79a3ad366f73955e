package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
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

// RefineParams configures QA refinement.
type RefineParams struct {
	Input  string
	Output string
	Model  string

	Temperature   float64
	MaxConcurrent int
	Limit         int
}

// Refine rewrites each QA row for clarity and schema fit. Every input row
// produces exactly one output row: a failed or unparseable refinement
// falls back to the original values with the error appended to notes.
// Rows are loaded verbatim, without the question filter evaluation
// applies, so blank rows pass through untouched.
func Refine(ctx context.Context, deps Deps, p RefineParams) (*model.RunResult, error) {
	start := time.Now()
	entry := deps.Catalog.Resolve(p.Model)
	tracker := cost.NewTracker(cost.NewCalculator(deps.Catalog))

	rec, err := newRecorder(ctx, deps.Store, store.RunSpec{
		Kind:   model.RunKindRefine,
		Model:  p.Model,
		Input:  p.Input,
		Output: p.Output,
		Params: map[string]any{
			"max_concurrent": p.MaxConcurrent,
			"limit":          p.Limit,
		},
	})
	if err != nil {
		return nil, err
	}
	rec.setStatus(ctx, model.RunStatusRunning)

	var (
		rows []dataset.Row

		out *dataset.JSONLWriter

		mu       sync.Mutex
		okCount  int
		errCount int
		fails    []model.ItemFailure
		writeErr error
	)

	closeQuiet := func() {
		if out != nil {
			if err := out.Close(); err != nil {
				zap.L().Warn("refine: output close failed", zap.Error(err))
			}
			out = nil
		}
	}
	summarize := func() *model.RunResult {
		in, outTok := tracker.Tokens()
		return &model.RunResult{
			Total:        len(rows),
			Succeeded:    okCount,
			Failed:       errCount,
			InputTokens:  in,
			OutputTokens: outTok,
			CostUSD:      tracker.Total(),
			DurationMS:   time.Since(start).Milliseconds(),
		}
	}
	abort := func(err error) (*model.RunResult, error) {
		closeQuiet()
		rec.recordFailures(ctx, fails)
		res := summarize()
		res.Error = err.Error()
		rec.finish(ctx, model.RunStatusFailed, res)
		return nil, err
	}

	err = rec.phase(ctx, "loading", func(ctx context.Context) (*model.PhaseResult, error) {
		loaded, err := loadRows(p.Input)
		if err != nil {
			return nil, err
		}
		rows = loaded
		if p.Limit > 0 && len(rows) > p.Limit {
			rows = rows[:p.Limit]
		}
		if err := ensureDir(p.Output); err != nil {
			return nil, err
		}
		return &model.PhaseResult{Metadata: map[string]any{"rows": len(rows)}}, nil
	})
	if err != nil {
		return abort(err)
	}

	byID := make(map[string]dataset.Row, len(rows))
	var tasks []executor.Task
	err = rec.phase(ctx, "submitting", func(ctx context.Context) (*model.PhaseResult, error) {
		for i, row := range rows {
			id := fmt.Sprintf("row-%d", i+1)
			byID[id] = row
			tasks = append(tasks, executor.Task{
				Identifier: id,
				Request: completionRequest(entry, p.Model, p.Temperature, prompt.Refine(prompt.RefineItem{
					Question:        row.Question,
					Answer:          row.Answer,
					EvidenceQuality: row.EvidenceQuality,
					Discrepancy:     row.Discrepancy,
					Notes:           row.Notes,
				})),
			})
		}
		return &model.PhaseResult{Metadata: map[string]any{"submitted": len(tasks)}}, nil
	})
	if err != nil {
		return abort(err)
	}

	exec := executor.New(deps.Client, executor.Options{
		MaxConcurrent: p.MaxConcurrent,
	})
	prog := &progress{label: "refine", total: len(tasks), exec: exec}

	err = rec.phase(ctx, "draining", func(ctx context.Context) (*model.PhaseResult, error) {
		var err error
		out, err = dataset.NewJSONLWriter(p.Output)
		if err != nil {
			return nil, err
		}

		// Callers hold mu.
		write := func(row QARow) {
			if writeErr != nil {
				return
			}
			if err := out.Write(row); err != nil {
				writeErr = err
			}
		}

		runErr := exec.Run(ctx, tasks, func(o model.RequestOutcome) {
			original := byID[o.Identifier]

			if !o.Succeeded() {
				mu.Lock()
				errCount++
				fails = append(fails, model.ItemFailure{
					ItemID:  o.Identifier,
					Kind:    o.Failure.Kind,
					Message: o.Failure.Message,
				})
				write(refineFallback(original, o.Failure.Message))
				mu.Unlock()
				prog.step(false)
				return
			}

			tracker.Add(p.Model, false, o.Usage)
			var refined map[string]any
			if perr := json.Unmarshal([]byte(normalize.CleanJSON(o.RawText)), &refined); perr != nil {
				mu.Lock()
				errCount++
				fails = append(fails, model.ItemFailure{
					ItemID:  o.Identifier,
					Kind:    model.FailureParse,
					Message: perr.Error(),
				})
				write(refineFallback(original, perr.Error()))
				mu.Unlock()
				prog.step(false)
				return
			}

			mu.Lock()
			okCount++
			write(refinedRow(original, refined))
			mu.Unlock()
			prog.step(true)
		})
		if runErr != nil {
			return nil, runErr
		}
		if writeErr != nil {
			return nil, writeErr
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"ok":  okCount,
			"err": errCount,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	err = rec.phase(ctx, "finalizing", func(ctx context.Context) (*model.PhaseResult, error) {
		if err := out.Close(); err != nil {
			out = nil
			return nil, err
		}
		out = nil
		return &model.PhaseResult{Metadata: map[string]any{"rows": len(rows)}}, nil
	})
	if err != nil {
		return abort(err)
	}

	rec.recordFailures(ctx, fails)
	result := summarize()
	rec.finish(ctx, model.RunStatusComplete, result)

	zap.L().Info("refine: run complete",
		zap.Int("ok", okCount),
		zap.Int("err", errCount),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

// loadRows reads dataset rows without any filtering. A malformed line is
// fatal here: refinement preserves row count, so silently dropping input
// would corrupt the mapping to the output file.
func loadRows(path string) ([]dataset.Row, error) {
	var rows []dataset.Row
	err := dataset.ForEachLine(path, func(line []byte, lineNo int) error {
		var row dataset.Row
		if err := json.Unmarshal(line, &row); err != nil {
			return eris.Wrapf(err, "pipeline: parse %s line %d", path, lineNo)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// refinedRow keeps each original field unless the model supplied a
// replacement. The DOI is never taken from the model.
func refinedRow(original dataset.Row, refined map[string]any) QARow {
	row := QARow{
		DOI:             original.DOI,
		Question:        original.Question,
		Answer:          original.Answer,
		EvidenceQuality: original.EvidenceQuality,
		Discrepancy:     original.Discrepancy,
		Notes:           original.Notes,
	}
	if s, ok := normalize.Field(refined, "question"); ok {
		row.Question = s
	}
	if s, ok := normalize.Field(refined, "answer"); ok {
		row.Answer = s
	}
	if s, ok := normalize.Field(refined, "evidence-quality", "evidence_quality"); ok {
		row.EvidenceQuality = s
	}
	if s, ok := normalize.Field(refined, "discrepancy"); ok {
		row.Discrepancy = s
	}
	if s, ok := normalize.Field(refined, "notes"); ok {
		row.Notes = s
	}
	return row
}

// refineFallback passes the original row through with the failure noted.
func refineFallback(original dataset.Row, errMsg string) QARow {
	return QARow{
		DOI:             original.DOI,
		Question:        original.Question,
		Answer:          original.Answer,
		EvidenceQuality: original.EvidenceQuality,
		Discrepancy:     original.Discrepancy,
		Notes:           strings.TrimSpace(original.Notes + " | refine_error: " + errMsg),
	}
}
