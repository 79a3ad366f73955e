package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/provider"
	"github.com/sells-group/evidence-cli/internal/resilience"
)

// scriptedClient keys calls by Request.Prompt, so tests build tasks whose
// prompt doubles as the identifier.
type scriptedClient struct {
	mu          sync.Mutex
	calls       map[string]int
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	// script maps (id, attempt) to a result. attempt starts at 1.
	script func(id string, attempt int) (*provider.Result, error)
	// delayFor optionally stalls an attempt; the stall aborts on ctx done.
	delayFor func(id string, attempt int) time.Duration
}

func (c *scriptedClient) Complete(ctx context.Context, req provider.Request) (*provider.Result, error) {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if cur <= peak || c.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[req.Prompt]++
	attempt := c.calls[req.Prompt]
	c.mu.Unlock()

	if c.delayFor != nil {
		if d := c.delayFor(req.Prompt, attempt); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return c.script(req.Prompt, attempt)
}

func (c *scriptedClient) attempts(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func okResult() (*provider.Result, error) {
	return &provider.Result{
		Text:  `{"answer": "Yes"}`,
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}, nil
}

// sink collects outcomes and counts duplicate identifiers.
type sink struct {
	mu       sync.Mutex
	outcomes map[string]model.RequestOutcome
	dups     int
}

func newSink() *sink {
	return &sink{outcomes: make(map[string]model.RequestOutcome)}
}

func (s *sink) emit(o model.RequestOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.outcomes[o.Identifier]; seen {
		s.dups++
	}
	s.outcomes[o.Identifier] = o
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func tasksFor(ids ...string) []Task {
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, Task{Identifier: id, Request: provider.Request{Model: "test-model", Prompt: id}})
	}
	return out
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
	}
}

func TestRun_OneOutcomePerItemUnderConcurrencyCap(t *testing.T) {
	client := &scriptedClient{
		script: func(string, int) (*provider.Result, error) { return okResult() },
		delayFor: func(string, int) time.Duration {
			return 5 * time.Millisecond
		},
	}
	exec := New(client, Options{
		MaxConcurrent:     4,
		RequestsPerSecond: 1000,
		Retry:             fastRetry(),
	})

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%02d", i)
	}
	s := newSink()

	err := exec.Run(context.Background(), tasksFor(ids...), s.emit)
	require.NoError(t, err)

	assert.Equal(t, 20, s.len())
	assert.Zero(t, s.dups)
	assert.LessOrEqual(t, client.maxInFlight.Load(), int32(4), "concurrency ceiling exceeded")
	for _, id := range ids {
		o := s.outcomes[id]
		require.True(t, o.Succeeded(), "item %s: %+v", id, o.Failure)
		assert.Equal(t, `{"answer": "Yes"}`, o.RawText)
		assert.Equal(t, int64(100), o.Usage.InputTokens)
	}
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	client := &scriptedClient{
		script: func(_ string, attempt int) (*provider.Result, error) {
			if attempt < 3 {
				return nil, resilience.NewTransientError(errors.New("upstream 503"), 503)
			}
			return okResult()
		},
	}
	exec := New(client, Options{MaxRetries: 3, RequestsPerSecond: 1000, Retry: fastRetry()})

	s := newSink()
	err := exec.Run(context.Background(), tasksFor("a"), s.emit)
	require.NoError(t, err)

	require.True(t, s.outcomes["a"].Succeeded())
	assert.Equal(t, 3, client.attempts("a"))
}

func TestRun_ExhaustedRetriesBecomesOutcomeNotError(t *testing.T) {
	client := &scriptedClient{
		script: func(string, int) (*provider.Result, error) {
			return nil, resilience.NewTransientError(errors.New("upstream 500"), 500)
		},
	}
	exec := New(client, Options{MaxRetries: 2, RequestsPerSecond: 1000, Retry: fastRetry()})

	s := newSink()
	err := exec.Run(context.Background(), tasksFor("a"), s.emit)
	require.NoError(t, err, "per-item failures must not surface as run errors")

	assert.Equal(t, 3, client.attempts("a"), "initial attempt plus two retries")
	o := s.outcomes["a"]
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.FailureExhaustedRetries, o.Failure.Kind)
	assert.Contains(t, o.Failure.Message, "upstream 500")
}

func TestRun_NonTransientFailsWithoutRetry(t *testing.T) {
	client := &scriptedClient{
		script: func(string, int) (*provider.Result, error) {
			return nil, errors.New("invalid model id")
		},
	}
	exec := New(client, Options{MaxRetries: 3, RequestsPerSecond: 1000, Retry: fastRetry()})

	s := newSink()
	err := exec.Run(context.Background(), tasksFor("a"), s.emit)
	require.NoError(t, err)

	assert.Equal(t, 1, client.attempts("a"))
	o := s.outcomes["a"]
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.FailureTransport, o.Failure.Kind)
}

func TestRun_RateLimitHalvesRequestRate(t *testing.T) {
	client := &scriptedClient{
		script: func(_ string, attempt int) (*provider.Result, error) {
			if attempt == 1 {
				return nil, resilience.NewTransientError(errors.New("slow down"), 429)
			}
			return okResult()
		},
	}
	exec := New(client, Options{MaxRetries: 2, RequestsPerSecond: 100, Retry: fastRetry()})

	s := newSink()
	err := exec.Run(context.Background(), tasksFor("a"), s.emit)
	require.NoError(t, err)

	require.True(t, s.outcomes["a"].Succeeded())
	assert.Equal(t, 2, client.attempts("a"))
	// Halved on the 429, then one 20% success bump: well below the seed.
	assert.Less(t, float64(exec.Rate()), 100.0)
}

func TestRun_AttemptTimeoutIsRetried(t *testing.T) {
	client := &scriptedClient{
		script: func(string, int) (*provider.Result, error) { return okResult() },
		delayFor: func(_ string, attempt int) time.Duration {
			if attempt == 1 {
				return 500 * time.Millisecond
			}
			return 0
		},
	}
	exec := New(client, Options{
		MaxRetries:        2,
		AttemptTimeout:    25 * time.Millisecond,
		RequestsPerSecond: 1000,
		Retry:             fastRetry(),
	})

	s := newSink()
	err := exec.Run(context.Background(), tasksFor("a"), s.emit)
	require.NoError(t, err)

	require.True(t, s.outcomes["a"].Succeeded(), "stalled first attempt should be retried")
	assert.Equal(t, 2, client.attempts("a"))
}

func TestRun_CancellationAbandonsWithoutOutcome(t *testing.T) {
	client := &scriptedClient{
		script: func(string, int) (*provider.Result, error) { return okResult() },
		delayFor: func(id string, _ int) time.Duration {
			if id == "a" || id == "b" {
				return 0
			}
			return 10 * time.Second
		},
	}
	exec := New(client, Options{MaxConcurrent: 2, RequestsPerSecond: 1000, Retry: fastRetry()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newSink()
	var done atomic.Int32
	emit := func(o model.RequestOutcome) {
		s.emit(o)
		if done.Add(1) == 2 {
			cancel()
		}
	}

	err := exec.Run(ctx, tasksFor("a", "b", "c", "d", "e", "f"), emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The two fast items finished; everything else was abandoned mid-flight
	// or never started, and none of it produced an outcome.
	assert.Equal(t, 2, s.len())
	assert.Contains(t, s.outcomes, "a")
	assert.Contains(t, s.outcomes, "b")
}

func TestRun_OpenCircuitStopsCallingProvider(t *testing.T) {
	client := &scriptedClient{
		script: func(string, int) (*provider.Result, error) {
			return nil, resilience.NewTransientError(errors.New("upstream 500"), 500)
		},
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	exec := New(client, Options{
		MaxRetries:        4,
		RequestsPerSecond: 1000,
		Retry:             fastRetry(),
		Breaker:           breaker,
	})

	s := newSink()
	err := exec.Run(context.Background(), tasksFor("a"), s.emit)
	require.NoError(t, err)

	// Two real calls trip the breaker; the remaining attempts are rejected
	// before reaching the provider.
	assert.Equal(t, 2, client.attempts("a"))
	o := s.outcomes["a"]
	require.NotNil(t, o.Failure)
	assert.Equal(t, model.FailureExhaustedRetries, o.Failure.Kind)
	assert.Contains(t, o.Failure.Message, "circuit breaker is open")
}

func TestNew_DefaultRate(t *testing.T) {
	exec := New(&scriptedClient{script: func(string, int) (*provider.Result, error) { return okResult() }}, Options{})
	assert.Equal(t, 10.0, float64(exec.Rate()))
}
