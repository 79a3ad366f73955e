package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cost"
	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/executor"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/normalize"
	"github.com/sells-group/evidence-cli/internal/prompt"
	"github.com/sells-group/evidence-cli/internal/store"
)

// GenerateParams configures abstract-driven question generation.
type GenerateParams struct {
	Input  string
	Output string
	// Errors is an optional sidecar JSONL receiving one {doi, error} row
	// per failed abstract. Always truncated, even on resume.
	Errors string
	Model  string

	Temperature   float64
	MaxConcurrent int
	Limit         int
	Resume        bool
}

// QARow is one generated question/answer pair, the row shape shared by the
// generation and refinement outputs.
type QARow struct {
	DOI             string `json:"doi"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	EvidenceQuality string `json:"evidence-quality"`
	Discrepancy     string `json:"discrepancy"`
	Notes           string `json:"notes"`
}

// GenerateError is one sidecar row for an abstract that produced no rows.
type GenerateError struct {
	DOI   string `json:"doi"`
	Error string `json:"error"`
}

// Generate asks the model for 2-4 QA entries per abstract and appends them
// to the output JSONL in completion order. An abstract whose response
// cannot be parsed into entries contributes a sidecar row instead of
// output rows. Resume scans the existing output for DOIs, skips them, and
// appends.
func Generate(ctx context.Context, deps Deps, p GenerateParams) (*model.RunResult, error) {
	start := time.Now()
	entry := deps.Catalog.Resolve(p.Model)
	tracker := cost.NewTracker(cost.NewCalculator(deps.Catalog))

	rec, err := newRecorder(ctx, deps.Store, store.RunSpec{
		Kind:   model.RunKindGenerate,
		Model:  p.Model,
		Input:  p.Input,
		Output: p.Output,
		Params: map[string]any{
			"max_concurrent": p.MaxConcurrent,
			"limit":          p.Limit,
			"resume":         p.Resume,
		},
	})
	if err != nil {
		return nil, err
	}
	rec.setStatus(ctx, model.RunStatusRunning)

	var (
		rows        []dataset.AbstractRow
		loadSkipped int
		resumed     int
		appendMode  bool

		out    *dataset.JSONLWriter
		errOut *dataset.JSONLWriter

		mu       sync.Mutex
		okCount  int
		errCount int
		rowCount int
		fails    []model.ItemFailure
		writeErr error
	)

	closeQuiet := func() {
		if out != nil {
			if err := out.Close(); err != nil {
				zap.L().Warn("generate: output close failed", zap.Error(err))
			}
			out = nil
		}
		if errOut != nil {
			if err := errOut.Close(); err != nil {
				zap.L().Warn("generate: sidecar close failed", zap.Error(err))
			}
			errOut = nil
		}
	}
	summarize := func() *model.RunResult {
		in, outTok := tracker.Tokens()
		return &model.RunResult{
			Total:        len(rows),
			Succeeded:    okCount,
			Failed:       errCount,
			Skipped:      loadSkipped + resumed,
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
		loaded, skipped, err := dataset.LoadAbstracts(p.Input)
		if err != nil {
			return nil, err
		}
		loadSkipped = skipped

		// Duplicate DOIs collapse: the later row wins but keeps the position
		// of the first occurrence.
		pos := make(map[string]int, len(loaded))
		for _, r := range loaded {
			if i, dup := pos[r.DOI]; dup {
				rows[i] = r
				continue
			}
			pos[r.DOI] = len(rows)
			rows = append(rows, r)
		}

		// The limit applies before the resume filter, matching how the
		// dataset was historically sharded across runs.
		if p.Limit > 0 && len(rows) > p.Limit {
			rows = rows[:p.Limit]
		}

		if err := ensureDir(p.Output); err != nil {
			return nil, err
		}
		if p.Resume {
			if _, statErr := os.Stat(p.Output); statErr == nil {
				appendMode = true
			}
			done, err := dataset.ScanDOIs(p.Output)
			if err != nil {
				return nil, err
			}
			if len(done) > 0 {
				kept := rows[:0]
				for _, r := range rows {
					if done[r.DOI] {
						resumed++
						continue
					}
					kept = append(kept, r)
				}
				rows = kept
				zap.L().Info("generate: resuming",
					zap.Int("already_done", len(done)),
					zap.Int("remaining", len(rows)))
			}
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"abstracts":     len(rows),
			"skipped_lines": loadSkipped,
			"resumed":       resumed,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	var tasks []executor.Task
	err = rec.phase(ctx, "submitting", func(ctx context.Context) (*model.PhaseResult, error) {
		for _, r := range rows {
			tasks = append(tasks, executor.Task{
				Identifier: r.DOI,
				Request:    completionRequest(entry, p.Model, p.Temperature, prompt.Generate(r.Abstract)),
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
	prog := &progress{label: "generate", total: len(tasks), exec: exec}

	err = rec.phase(ctx, "draining", func(ctx context.Context) (*model.PhaseResult, error) {
		var err error
		if appendMode {
			out, err = dataset.OpenJSONLAppend(p.Output)
		} else {
			out, err = dataset.NewJSONLWriter(p.Output)
		}
		if err != nil {
			return nil, err
		}
		if p.Errors != "" {
			if err := ensureDir(p.Errors); err != nil {
				return nil, err
			}
			errOut, err = dataset.NewJSONLWriter(p.Errors)
			if err != nil {
				return nil, err
			}
		}

		// Callers hold mu.
		sidecar := func(doi, msg string) {
			if errOut == nil {
				return
			}
			if err := errOut.Write(GenerateError{DOI: doi, Error: msg}); err != nil {
				zap.L().Warn("generate: sidecar write failed", zap.Error(err))
			}
		}

		runErr := exec.Run(ctx, tasks, func(o model.RequestOutcome) {
			if !o.Succeeded() {
				mu.Lock()
				errCount++
				fails = append(fails, model.ItemFailure{
					ItemID:  o.Identifier,
					Kind:    o.Failure.Kind,
					Message: o.Failure.Message,
				})
				sidecar(o.Identifier, o.Failure.Message)
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
				sidecar(o.Identifier, "invalid_shape")
				mu.Unlock()
				prog.step(false)
				return
			}

			mu.Lock()
			okCount++
			for _, e := range entries {
				if writeErr != nil {
					break
				}
				if err := out.Write(qaRowOf(o.Identifier, e)); err != nil {
					writeErr = err
					break
				}
				rowCount++
			}
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
			"ok":   okCount,
			"err":  errCount,
			"rows": rowCount,
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
		if errOut != nil {
			if err := errOut.Close(); err != nil {
				errOut = nil
				return nil, err
			}
			errOut = nil
		}
		return &model.PhaseResult{Metadata: map[string]any{"rows": rowCount}}, nil
	})
	if err != nil {
		return abort(err)
	}

	rec.recordFailures(ctx, fails)
	result := summarize()
	rec.finish(ctx, model.RunStatusComplete, result)

	zap.L().Info("generate: run complete",
		zap.Int("ok", okCount),
		zap.Int("err", errCount),
		zap.Int("skip", loadSkipped+resumed),
		zap.Int("rows", rowCount),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

// qaRowOf maps one generated entry onto the output row, defaulting the
// grading columns to Missing.
func qaRowOf(doi string, entry map[string]any) QARow {
	row := QARow{
		DOI:             doi,
		EvidenceQuality: string(model.QualityMissing),
		Discrepancy:     string(model.DiscrepancyMissing),
	}
	if s, ok := normalize.Field(entry, "question"); ok {
		row.Question = s
	}
	if s, ok := normalize.Field(entry, "answer"); ok {
		row.Answer = s
	}
	if s, ok := normalize.Field(entry, "evidence-quality", "evidence_quality"); ok {
		row.EvidenceQuality = s
	}
	if s, ok := normalize.Field(entry, "discrepancy"); ok {
		row.Discrepancy = s
	}
	if s, ok := normalize.Field(entry, "notes"); ok {
		row.Notes = s
	}
	return row
}
