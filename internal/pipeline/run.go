// Package pipeline drives the workflows behind the CLI commands: live
// evaluation, question generation, negation, refinement, guideline
// extraction, and the provider batch flow. Every pipeline shares one shape:
// load input, fan requests out through the bounded executor, normalize what
// comes back, write the artifacts, and record the run with its phases in
// the store. The artifacts on disk are the source of truth; store writes
// after run creation are logged, never fatal.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/executor"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/prompt"
	"github.com/sells-group/evidence-cli/internal/provider"
	"github.com/sells-group/evidence-cli/internal/store"
)

// progressEvery is the completion interval between info-level progress lines.
const progressEvery = 25

// Deps are the collaborators every pipeline needs. Client is the completion
// backend: the provider router in production, a scripted fake in tests.
type Deps struct {
	Client  provider.Client
	Catalog *catalog.Catalog
	Store   store.Store
}

// recorder ties one pipeline invocation to its run row. Creating the run is
// the only store call allowed to fail the pipeline.
type recorder struct {
	store store.Store
	run   *model.Run
}

func newRecorder(ctx context.Context, st store.Store, spec store.RunSpec) (*recorder, error) {
	run, err := st.CreateRun(ctx, spec)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	zap.L().Info("pipeline: run created",
		zap.String("run_id", run.ID),
		zap.String("kind", string(spec.Kind)),
		zap.String("model", spec.Model),
	)
	return &recorder{store: st, run: run}, nil
}

func (r *recorder) setStatus(ctx context.Context, status model.RunStatus) {
	if err := r.store.UpdateRunStatus(ctx, r.run.ID, status); err != nil {
		zap.L().Warn("pipeline: failed to update run status", zap.Error(err))
	}
}

// phase executes fn as a named phase and records its timing and outcome.
// The returned error is fn's own; store failures only log. Phase completion
// is written on a detached context so an interrupted phase still lands.
func (r *recorder) phase(ctx context.Context, name string, fn func(ctx context.Context) (*model.PhaseResult, error)) error {
	ph, err := r.store.CreatePhase(ctx, r.run.ID, name)
	if err != nil {
		zap.L().Warn("pipeline: failed to create phase",
			zap.String("phase", name), zap.Error(err))
	}

	start := time.Now()
	result, fnErr := fn(ctx)
	if result == nil {
		result = &model.PhaseResult{}
	}
	result.Name = name
	result.DurationMS = time.Since(start).Milliseconds()

	if fnErr != nil {
		result.Status = model.PhaseStatusFailed
		result.Error = fnErr.Error()
		zap.L().Error("pipeline: phase failed",
			zap.String("phase", name), zap.Error(fnErr))
	} else {
		result.Status = model.PhaseStatusComplete
		zap.L().Info("pipeline: phase complete",
			zap.String("phase", name),
			zap.Int64("duration_ms", result.DurationMS))
	}

	if ph != nil {
		if err := r.store.CompletePhase(context.WithoutCancel(ctx), ph.ID, result); err != nil {
			zap.L().Warn("pipeline: failed to complete phase",
				zap.String("phase", name), zap.Error(err))
		}
	}
	return fnErr
}

// finish records the terminal status and result on a detached context so a
// cancelled run still lands its final state.
func (r *recorder) finish(ctx context.Context, status model.RunStatus, result *model.RunResult) {
	if err := r.store.UpdateRunResult(context.WithoutCancel(ctx), r.run.ID, status, result); err != nil {
		zap.L().Warn("pipeline: failed to record run result", zap.Error(err))
	}
}

// recordFailures persists per-item terminal failures for later inspection.
func (r *recorder) recordFailures(ctx context.Context, fails []model.ItemFailure) {
	if len(fails) == 0 {
		return
	}
	if err := r.store.RecordItemFailures(context.WithoutCancel(ctx), r.run.ID, fails); err != nil {
		zap.L().Warn("pipeline: failed to record item failures", zap.Error(err))
	}
}

// completionRequest shapes the provider request for one prompt body. Chat
// models get the strict-JSON suffix plus a json_object response format; the
// responses API takes a reasoning effort instead of a temperature; the
// router drops the temperature for models that do not support it.
func completionRequest(entry catalog.Entry, modelName string, temperature float64, body string) provider.Request {
	req := provider.Request{Model: modelName, Prompt: body}
	switch entry.API {
	case catalog.APIResponses:
		req.ReasoningEffort = "medium"
	case catalog.APIChat:
		req.Prompt = prompt.JSONOnly(body)
		req.JSONObject = true
		req.Temperature = &temperature
	default:
		req.Temperature = &temperature
	}
	return req
}

// progress emits a debug line per completion and an info line at a coarse
// interval, including the limiter's current rate.
type progress struct {
	label string
	total int
	exec  *executor.Executor

	mu   sync.Mutex
	done int
	bad  int
}

func (p *progress) step(ok bool) {
	p.mu.Lock()
	p.done++
	if !ok {
		p.bad++
	}
	done, bad := p.done, p.bad
	p.mu.Unlock()

	zap.L().Debug(p.label+": item finished",
		zap.Int("completed", done), zap.Int("total", p.total))
	if done%progressEvery == 0 || done == p.total {
		zap.L().Info(p.label+": progress",
			zap.Int("completed", done),
			zap.Int("total", p.total),
			zap.Int("failed", bad),
			zap.Float64("rate_rps", float64(p.exec.Rate())),
		)
	}
}

// ensureDir creates the parent directory of an output path so writes later
// in the run cannot fail on a missing directory.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "pipeline: create output dir %s", dir)
	}
	return nil
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
