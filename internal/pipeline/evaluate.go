package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/checkpoint"
	"github.com/sells-group/evidence-cli/internal/cost"
	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/executor"
	"github.com/sells-group/evidence-cli/internal/merge"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/normalize"
	"github.com/sells-group/evidence-cli/internal/prompt"
	"github.com/sells-group/evidence-cli/internal/store"
)

// EvaluateParams configures a live evaluation run.
type EvaluateParams struct {
	Input  string
	Output string
	// Format forces the output encoding ("json" or "jsonl"); empty means
	// detect from the output extension.
	Format string
	Model  string

	Temperature     float64
	MaxConcurrent   int
	MaxRetries      int
	AttemptTimeout  time.Duration
	Limit           int
	Resume          bool
	CheckpointEvery int
}

// Evaluate runs a QA dataset against a live model. Each question becomes one
// bounded provider call; responses are normalized and merged with ground
// truth, and the merged records land as a keyed JSON object or JSONL.
// Per-item failures become ERROR-valued records and never abort the run;
// a returned error means the run itself could not complete.
func Evaluate(ctx context.Context, deps Deps, p EvaluateParams) (*model.RunResult, error) {
	start := time.Now()
	entry := deps.Catalog.Resolve(p.Model)
	tracker := cost.NewTracker(cost.NewCalculator(deps.Catalog))

	rec, err := newRecorder(ctx, deps.Store, store.RunSpec{
		Kind:   model.RunKindEvaluate,
		Model:  p.Model,
		Input:  p.Input,
		Output: p.Output,
		Params: map[string]any{
			"max_concurrent": p.MaxConcurrent,
			"max_retries":    p.MaxRetries,
			"limit":          p.Limit,
			"resume":         p.Resume,
			"temperature":    p.Temperature,
		},
	})
	if err != nil {
		return nil, err
	}
	rec.setStatus(ctx, model.RunStatusRunning)

	ckpt := checkpoint.New(checkpoint.PathFor(p.Output), p.CheckpointEvery)

	var (
		items     []model.QuestionItem
		byID      map[string]model.QuestionItem
		resumed   int
		mu        sync.Mutex
		succeeded int
		failed    int
		fails     []model.ItemFailure
	)

	summarize := func() *model.RunResult {
		correct, determinate := merge.Accuracy(ckpt.Entries())
		in, out := tracker.Tokens()
		return &model.RunResult{
			Total:        len(items),
			Succeeded:    succeeded,
			Failed:       failed,
			Skipped:      resumed,
			Determinate:  determinate,
			Correct:      correct,
			Accuracy:     ratio(correct, determinate),
			InputTokens:  in,
			OutputTokens: out,
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

	err = rec.phase(ctx, "loading", func(ctx context.Context) (*model.PhaseResult, error) {
		loaded, skippedLines, err := dataset.Load(p.Input)
		if err != nil {
			return nil, err
		}
		if p.Limit > 0 && len(loaded) > p.Limit {
			loaded = loaded[:p.Limit]
		}
		items = loaded
		byID = make(map[string]model.QuestionItem, len(items))
		for _, it := range items {
			byID[it.Identifier] = it
		}

		if err := ensureDir(p.Output); err != nil {
			return nil, err
		}
		if p.Resume {
			n, err := ckpt.Load()
			if err != nil {
				return nil, err
			}
			if n > 0 {
				zap.L().Info("evaluate: loaded checkpoint",
					zap.Int("entries", n), zap.String("path", ckpt.Path()))
			}
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"items":         len(items),
			"skipped_lines": skippedLines,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	var tasks []executor.Task
	err = rec.phase(ctx, "submitting", func(ctx context.Context) (*model.PhaseResult, error) {
		completed := ckpt.Completed()
		for _, item := range items {
			if completed[item.Identifier] {
				resumed++
				continue
			}
			tasks = append(tasks, executor.Task{
				Identifier: item.Identifier,
				Request:    completionRequest(entry, p.Model, p.Temperature, prompt.Eval(item.Question)),
			})
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"submitted": len(tasks),
			"resumed":   resumed,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	exec := executor.New(deps.Client, executor.Options{
		MaxConcurrent:  p.MaxConcurrent,
		MaxRetries:     p.MaxRetries,
		AttemptTimeout: p.AttemptTimeout,
	})
	prog := &progress{label: "evaluate", total: len(tasks), exec: exec}

	err = rec.phase(ctx, "draining", func(ctx context.Context) (*model.PhaseResult, error) {
		runErr := exec.Run(ctx, tasks, func(o model.RequestOutcome) {
			item := byID[o.Identifier]
			var merged model.EvalRecord
			if o.Succeeded() {
				merged = merge.Record(item, normalize.Response(o.RawText), model.StatusOK, "")
				tracker.Add(p.Model, false, o.Usage)
			} else {
				merged = merge.Record(item, model.ErrorAnswer(o.Failure.Message),
					string(o.Failure.Kind), o.Failure.Message)
			}
			ckpt.Record(o.Identifier, merged)

			mu.Lock()
			if o.Succeeded() {
				succeeded++
			} else {
				failed++
				fails = append(fails, model.ItemFailure{
					ItemID:  o.Identifier,
					Kind:    o.Failure.Kind,
					Message: o.Failure.Message,
				})
			}
			mu.Unlock()
			prog.step(o.Succeeded())
		})
		if runErr != nil {
			// Keep what finished; resume re-submits the rest.
			if ferr := ckpt.Flush(); ferr != nil {
				zap.L().Warn("evaluate: checkpoint flush after interrupt failed", zap.Error(ferr))
			}
			return nil, runErr
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"succeeded": succeeded,
			"failed":    failed,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	format := outputFormat(p.Output, p.Format)
	err = rec.phase(ctx, "finalizing", func(ctx context.Context) (*model.PhaseResult, error) {
		if err := ckpt.Flush(); err != nil {
			return nil, err
		}
		records := ckpt.Entries()
		if err := writeRecords(p.Output, format, records); err != nil {
			return nil, err
		}
		if err := ckpt.Remove(); err != nil {
			zap.L().Warn("evaluate: checkpoint remove failed", zap.Error(err))
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"records": len(records),
			"format":  format,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	rec.recordFailures(ctx, fails)
	result := summarize()
	rec.finish(ctx, model.RunStatusComplete, result)

	if tracker.Partial() {
		zap.L().Warn("evaluate: cost total is a lower bound, pricing missing for this model",
			zap.String("model", p.Model))
	}
	zap.L().Info("evaluate: run complete",
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Float64("accuracy", result.Accuracy),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

// outputFormat picks the output encoding: an explicit format wins, then the
// file extension, defaulting to a single keyed JSON object.
func outputFormat(path, format string) string {
	if format != "" {
		return strings.ToLower(format)
	}
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return "jsonl"
	}
	return "json"
}

// writeRecords writes merged records either as one indented JSON object
// keyed by identifier or as JSONL ordered by identifier.
func writeRecords(path, format string, records map[string]model.EvalRecord) error {
	if format == "jsonl" {
		ids := make([]string, 0, len(records))
		for id := range records {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		w, err := dataset.NewJSONLWriter(path)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := w.Write(records[id]); err != nil {
				w.Close()
				return err
			}
		}
		return w.Close()
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal records")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "pipeline: write %s", path)
	}
	return nil
}
