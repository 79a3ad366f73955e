// Package cost converts provider token usage into USD using catalog pricing.
package cost

import (
	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/model"
)

// Calculator computes call costs from catalog pricing.
type Calculator struct {
	cat *catalog.Catalog
}

// NewCalculator creates a Calculator backed by the given catalog.
func NewCalculator(cat *catalog.Catalog) *Calculator {
	return &Calculator{cat: cat}
}

// Known reports whether pricing is configured for the model.
func (c *Calculator) Known(name string) bool {
	return c.cat.Resolve(name).Pricing.Known()
}

// Call computes the cost of a single call. Models without pricing cost
// out at zero; callers that care should check Known.
func (c *Calculator) Call(name string, isBatch bool, u model.TokenUsage) float64 {
	p := c.cat.Resolve(name).Pricing
	if !p.Known() {
		return 0
	}

	batchMul := 1.0
	if isBatch {
		batchMul = p.BatchDiscount
	}

	inCost := (float64(u.InputTokens) / 1e6) * p.Input * batchMul
	outCost := (float64(u.OutputTokens) / 1e6) * p.Output * batchMul
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * p.Input * p.CacheWriteMul * batchMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * p.Input * p.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}
