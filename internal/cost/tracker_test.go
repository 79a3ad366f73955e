package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/evidence-cli/internal/model"
)

func TestTracker_Add(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testCatalog()))

	c1 := tr.Add("google/gemini-2.5-flash", false, model.TokenUsage{InputTokens: 1000000, OutputTokens: 100000})
	assert.InDelta(t, 0.55, c1, 0.001)

	tr.Add("google/gemini-2.5-flash", false, model.TokenUsage{InputTokens: 500000, OutputTokens: 50000})
	tr.Add("claude-haiku-4-5-20251001", true, model.TokenUsage{InputTokens: 1000000, OutputTokens: 100000})

	assert.InDelta(t, 0.55+0.275+0.60, tr.Total(), 0.001)

	in, out := tr.Tokens()
	assert.Equal(t, int64(2500000), in)
	assert.Equal(t, int64(250000), out)

	bd := tr.Breakdown()
	assert.Equal(t, 2, bd["google/gemini-2.5-flash"].Calls)
	assert.Equal(t, 1, bd["claude-haiku-4-5-20251001"].Calls)
	assert.InDelta(t, 0.825, bd["google/gemini-2.5-flash"].CostUSD, 0.001)
	assert.False(t, tr.Partial())
}

func TestTracker_PartialOnUnpricedModel(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testCatalog()))

	tr.Add("google/gemini-2.5-flash", false, model.TokenUsage{InputTokens: 1000000})
	assert.False(t, tr.Partial())

	got := tr.Add("mistralai/mistral-large", false, model.TokenUsage{InputTokens: 1000000, OutputTokens: 100000})
	assert.Equal(t, 0.0, got)
	assert.True(t, tr.Partial())

	// Usage is still tracked even when pricing is unknown.
	bd := tr.Breakdown()
	assert.Equal(t, int64(1000000), bd["mistralai/mistral-large"].Input)
	assert.InDelta(t, 0.30, tr.Total(), 0.001)
}

func TestTracker_Concurrent(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testCatalog()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Add("google/gemini-2.5-flash", false, model.TokenUsage{InputTokens: 100000, OutputTokens: 10000})
		}()
	}
	wg.Wait()

	bd := tr.Breakdown()
	assert.Equal(t, 20, bd["google/gemini-2.5-flash"].Calls)
	assert.InDelta(t, 20*(0.03+0.025), tr.Total(), 0.001)
}

func TestTracker_Empty(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testCatalog()))

	assert.Equal(t, 0.0, tr.Total())
	assert.False(t, tr.Partial())
	assert.Empty(t, tr.Breakdown())
}
