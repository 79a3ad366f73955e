package cost

import (
	"sync"

	"github.com/sells-group/evidence-cli/internal/model"
)

// ModelCost aggregates usage and spend for one model across a run.
type ModelCost struct {
	Calls      int     `json:"calls"`
	Input      int64   `json:"input_tokens"`
	Output     int64   `json:"output_tokens"`
	CacheWrite int64   `json:"cache_write_tokens,omitempty"`
	CacheRead  int64   `json:"cache_read_tokens,omitempty"`
	CostUSD    float64 `json:"cost_usd"`
}

// Tracker accumulates per-model usage across concurrent workers.
type Tracker struct {
	mu      sync.Mutex
	calc    *Calculator
	byModel map[string]ModelCost
	partial bool
}

// NewTracker creates an empty Tracker priced by calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{
		calc:    calc,
		byModel: make(map[string]ModelCost),
	}
}

// Add records one call's usage and returns its cost.
func (t *Tracker) Add(name string, isBatch bool, u model.TokenUsage) float64 {
	callCost := t.calc.Call(name, isBatch, u)

	t.mu.Lock()
	defer t.mu.Unlock()

	mc := t.byModel[name]
	mc.Calls++
	mc.Input += u.InputTokens
	mc.Output += u.OutputTokens
	mc.CacheWrite += u.CacheWriteTokens
	mc.CacheRead += u.CacheReadTokens
	mc.CostUSD += callCost
	t.byModel[name] = mc

	if !t.calc.Known(name) {
		t.partial = true
	}
	return callCost
}

// Total returns the accumulated spend in USD.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total float64
	for _, mc := range t.byModel {
		total += mc.CostUSD
	}
	return total
}

// Tokens returns the accumulated input and output token counts.
func (t *Tracker) Tokens() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, mc := range t.byModel {
		input += mc.Input
		output += mc.Output
	}
	return input, output
}

// Partial reports whether any recorded model had no pricing, which makes
// Total a lower bound.
func (t *Tracker) Partial() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partial
}

// Breakdown returns a copy of the per-model aggregates.
func (t *Tracker) Breakdown() map[string]ModelCost {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ModelCost, len(t.byModel))
	for name, mc := range t.byModel {
		out[name] = mc
	}
	return out
}
