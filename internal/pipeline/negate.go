package pipeline

import (
	"context"
	"encoding/json"
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

// NegateParams configures dataset negation.
type NegateParams struct {
	Input  string
	Output string
	Model  string

	Temperature   float64
	MaxConcurrent int
	Limit         int
}

// Negate rewrites each question/answer pair into its logical negation and
// marks every output row with a negation-valid flag. Rows whose response
// cannot be parsed are dropped from the output; the drop is counted and
// recorded, never fatal.
func Negate(ctx context.Context, deps Deps, p NegateParams) (*model.RunResult, error) {
	start := time.Now()
	entry := deps.Catalog.Resolve(p.Model)
	tracker := cost.NewTracker(cost.NewCalculator(deps.Catalog))

	rec, err := newRecorder(ctx, deps.Store, store.RunSpec{
		Kind:   model.RunKindNegate,
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
		items       []model.QuestionItem
		loadSkipped int

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
				zap.L().Warn("negate: output close failed", zap.Error(err))
			}
			out = nil
		}
	}
	summarize := func() *model.RunResult {
		in, outTok := tracker.Tokens()
		return &model.RunResult{
			Total:        len(items),
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
		closeQuiet()
		rec.recordFailures(ctx, fails)
		res := summarize()
		res.Error = err.Error()
		rec.finish(ctx, model.RunStatusFailed, res)
		return nil, err
	}

	err = rec.phase(ctx, "loading", func(ctx context.Context) (*model.PhaseResult, error) {
		loaded, skipped, err := dataset.Load(p.Input)
		if err != nil {
			return nil, err
		}
		items, loadSkipped = loaded, skipped
		if p.Limit > 0 && len(items) > p.Limit {
			items = items[:p.Limit]
		}
		if err := ensureDir(p.Output); err != nil {
			return nil, err
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"items":         len(items),
			"skipped_lines": loadSkipped,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	byID := make(map[string]model.QuestionItem, len(items))
	var tasks []executor.Task
	err = rec.phase(ctx, "submitting", func(ctx context.Context) (*model.PhaseResult, error) {
		for _, item := range items {
			byID[item.Identifier] = item
			tasks = append(tasks, executor.Task{
				Identifier: item.Identifier,
				Request:    completionRequest(entry, p.Model, p.Temperature, prompt.Negate(negateItemOf(item))),
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
	prog := &progress{label: "negate", total: len(tasks), exec: exec}

	err = rec.phase(ctx, "draining", func(ctx context.Context) (*model.PhaseResult, error) {
		var err error
		out, err = dataset.NewJSONLWriter(p.Output)
		if err != nil {
			return nil, err
		}

		runErr := exec.Run(ctx, tasks, func(o model.RequestOutcome) {
			item := byID[o.Identifier]

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
			var row map[string]any
			if perr := json.Unmarshal([]byte(normalize.CleanJSON(o.RawText)), &row); perr != nil {
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

			negated, _ := normalize.Field(row, "answer")
			row["negation-valid"] = negationValid(originalAnswer(item), negated)

			mu.Lock()
			if writeErr == nil {
				if err := out.Write(row); err != nil {
					writeErr = err
				} else {
					okCount++
				}
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
		return &model.PhaseResult{Metadata: map[string]any{"rows": okCount}}, nil
	})
	if err != nil {
		return abort(err)
	}

	rec.recordFailures(ctx, fails)
	result := summarize()
	rec.finish(ctx, model.RunStatusComplete, result)

	zap.L().Info("negate: run complete",
		zap.Int("ok", okCount),
		zap.Int("err", errCount),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

func negateItemOf(item model.QuestionItem) prompt.NegateItem {
	ni := prompt.NegateItem{
		DOI:      item.DOI,
		Question: item.Question,
	}
	if gt := item.GroundTruth; gt != nil {
		ni.Answer = string(gt.Answer)
		ni.EvidenceQuality = string(gt.EvidenceQuality)
		ni.Discrepancy = string(gt.Discrepancy)
	}
	return ni
}

func originalAnswer(item model.QuestionItem) string {
	if item.GroundTruth == nil {
		return ""
	}
	return string(item.GroundTruth.Answer)
}

// negationValid checks the negated answer against the original. Yes and No
// must swap; No Evidence must survive unchanged. Both sides are
// canonicalized first, so case and spacing variants still validate.
func negationValid(original, negated string) bool {
	oa, ok := model.ParseAnswer(original)
	if !ok {
		return false
	}
	na, ok := model.ParseAnswer(negated)
	if !ok {
		return false
	}
	switch oa {
	case model.AnswerYes:
		return na == model.AnswerNo
	case model.AnswerNo:
		return na == model.AnswerYes
	case model.AnswerNoEvidence:
		return na == model.AnswerNoEvidence
	default:
		return false
	}
}
