// Package provider routes completion requests to the right LLM backend.
package provider

import (
	"context"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Request is a single completion request, independent of the backend API.
type Request struct {
	Model           string
	Prompt          string
	Temperature     *float64
	JSONObject      bool
	MaxTokens       int
	ReasoningEffort string
}

// Result is a completed request.
type Result struct {
	Text  string
	Usage model.TokenUsage
}

// Client completes prompts against a backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}
