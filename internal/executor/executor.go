// Package executor fans completion requests out to a provider client with
// bounded concurrency. It owns retries, per-attempt timeouts, and adaptive
// rate control; per-item failures become outcomes, never errors, so one bad
// item cannot abort a batch.
package executor

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/provider"
	"github.com/sells-group/evidence-cli/internal/resilience"
)

const (
	defaultMaxConcurrent  = 15
	defaultMaxRetries     = 3
	defaultAttemptTimeout = 2 * time.Minute
	defaultRate           = 10.0
)

// Task pairs an item identifier with the completion request to send for it.
type Task struct {
	Identifier string
	Request    provider.Request
}

// Options tunes the executor. Zero values take defaults.
type Options struct {
	// MaxConcurrent caps in-flight provider calls. Default 15.
	MaxConcurrent int

	// MaxRetries is the number of additional attempts after a transient
	// failure. Default 3.
	MaxRetries int

	// AttemptTimeout bounds a single provider call. An attempt that hits it
	// counts as a transport failure and is retried. Default 2m.
	AttemptTimeout time.Duration

	// RequestsPerSecond seeds the adaptive limiter. Default 10.
	RequestsPerSecond float64

	// Retry tunes the backoff between attempts. MaxAttempts is derived from
	// MaxRetries and ignored here.
	Retry resilience.RetryConfig

	// Breaker, when set, short-circuits calls while the provider is failing
	// hard. Open-circuit rejections retry like any transient error, which
	// gives the reset window time to elapse.
	Breaker *resilience.CircuitBreaker
}

// Executor runs tasks against a provider client.
type Executor struct {
	client  provider.Client
	opts    Options
	limiter *resilience.AdaptiveLimiter
}

// New builds an Executor around client.
func New(client provider.Client, opts Options) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultRate
	}
	return &Executor{
		client:  client,
		opts:    opts,
		limiter: resilience.NewAdaptiveLimiter(rate.Limit(opts.RequestsPerSecond), opts.MaxConcurrent),
	}
}

// Rate reports the limiter's current request rate.
func (e *Executor) Rate() rate.Limit {
	return e.limiter.Limit()
}

// Run executes every task and calls emit exactly once per finished task.
// emit is invoked from worker goroutines and must be safe for concurrent
// use. Run returns an error only on context cancellation; tasks abandoned
// mid-flight produce no outcome and can be re-submitted on resume.
func (e *Executor) Run(ctx context.Context, tasks []Task, emit func(model.RequestOutcome)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrent)

	for _, task := range tasks {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			outcome, finished := e.runOne(gctx, task)
			if !finished {
				return gctx.Err()
			}
			emit(outcome)
			return nil
		})
	}
	return g.Wait()
}

// runOne drives one task to a terminal outcome. The second return is false
// when the run was cancelled mid-item, in which case no outcome exists.
func (e *Executor) runOne(ctx context.Context, t Task) (model.RequestOutcome, bool) {
	cfg := e.opts.Retry
	cfg.MaxAttempts = e.opts.MaxRetries + 1
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error) {
			zap.L().Debug("retrying request",
				zap.String("identifier", t.Identifier),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}

	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*provider.Result, error) {
		return e.attempt(ctx, t.Request)
	})
	if err == nil {
		return model.RequestOutcome{
			Identifier: t.Identifier,
			RawText:    res.Text,
			Usage:      res.Usage,
		}, true
	}
	if ctx.Err() != nil {
		return model.RequestOutcome{}, false
	}

	kind := resilience.Classify(err)
	if resilience.IsTransient(err) {
		kind = model.FailureExhaustedRetries
	}
	zap.L().Warn("request failed",
		zap.String("identifier", t.Identifier),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	return model.RequestOutcome{
		Identifier: t.Identifier,
		Failure:    &model.OutcomeFailure{Kind: kind, Message: err.Error()},
	}, true
}

// attempt performs one provider call under the rate limiter, the optional
// circuit breaker, and the per-attempt deadline.
func (e *Executor) attempt(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	var res *provider.Result
	var err error
	if e.opts.Breaker != nil {
		res, err = resilience.ExecuteVal(attemptCtx, e.opts.Breaker, func(ctx context.Context) (*provider.Result, error) {
			return e.client.Complete(ctx, req)
		})
	} else {
		res, err = e.client.Complete(attemptCtx, req)
	}
	if err != nil {
		if resilience.IsRateLimit(err) {
			e.limiter.OnRateLimit()
		}
		// An expired attempt deadline under a live parent context is a
		// retryable transport failure, not a run abort.
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, resilience.NewTransientError(
				eris.Wrapf(err, "attempt timed out after %s", e.opts.AttemptTimeout), 0)
		}
		return nil, err
	}

	e.limiter.OnSuccess()
	return res, nil
}
