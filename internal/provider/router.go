package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/pkg/anthropic"
	"github.com/sells-group/evidence-cli/pkg/openrouter"
)

// Router resolves a model through the catalog and dispatches to the
// matching backend client.
type Router struct {
	cat        *catalog.Catalog
	openrouter openrouter.Client
	anthropic  anthropic.Client
}

// NewRouter creates a Router. A backend client may be nil when that
// provider is not configured; requests routed to it fail.
func NewRouter(cat *catalog.Catalog, or openrouter.Client, an anthropic.Client) *Router {
	return &Router{cat: cat, openrouter: or, anthropic: an}
}

// Entry returns the catalog entry backing a model.
func (r *Router) Entry(name string) catalog.Entry {
	return r.cat.Resolve(name)
}

// Complete dispatches the request per the model's catalog entry.
func (r *Router) Complete(ctx context.Context, req Request) (*Result, error) {
	entry := r.cat.Resolve(req.Model)
	if req.MaxTokens == 0 {
		req.MaxTokens = entry.MaxTokens
	}

	switch entry.API {
	case catalog.APIChat:
		return r.completeChat(ctx, req, entry)
	case catalog.APIResponses:
		return r.completeResponses(ctx, req)
	case catalog.APIMessages:
		return r.completeMessages(ctx, req, entry)
	default:
		return nil, eris.Errorf("provider: unknown api %q for model %s", entry.API, req.Model)
	}
}

func (r *Router) completeChat(ctx context.Context, req Request, entry catalog.Entry) (*Result, error) {
	if r.openrouter == nil {
		return nil, eris.New("provider: openrouter client not configured")
	}

	chatReq := openrouter.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []openrouter.Message{{Role: "user", Content: req.Prompt}},
	}
	if req.Temperature != nil && entry.UsesTemperature() {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		chatReq.MaxTokens = &mt
	}
	if req.JSONObject {
		chatReq.ResponseFormat = &openrouter.ResponseFormat{Type: "json_object"}
	}

	resp, err := r.openrouter.ChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenRouter(err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Errorf("provider: empty choices from %s", req.Model)
	}

	return &Result{
		Text: resp.Choices[0].Message.Content,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputCount(),
			OutputTokens: resp.Usage.OutputCount(),
		},
	}, nil
}

// completeResponses calls the Responses API. It never sends a temperature,
// and the endpoint has no json_object toggle, so prompts carry the schema.
func (r *Router) completeResponses(ctx context.Context, req Request) (*Result, error) {
	if r.openrouter == nil {
		return nil, eris.New("provider: openrouter client not configured")
	}

	respReq := openrouter.ResponseRequest{
		Model: req.Model,
		Input: req.Prompt,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		respReq.MaxOutputTokens = &mt
	}
	if req.ReasoningEffort != "" {
		respReq.Reasoning = &openrouter.Reasoning{Effort: req.ReasoningEffort}
	}

	resp, err := r.openrouter.CreateResponse(ctx, respReq)
	if err != nil {
		return nil, classifyOpenRouter(err)
	}

	return &Result{
		Text: resp.OutputText(),
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputCount(),
			OutputTokens: resp.Usage.OutputCount(),
		},
	}, nil
}

func (r *Router) completeMessages(ctx context.Context, req Request, entry catalog.Entry) (*Result, error) {
	if r.anthropic == nil {
		return nil, eris.New("provider: anthropic client not configured")
	}

	msgReq := anthropic.MessageRequest{
		Model:     req.Model,
		MaxTokens: int64(req.MaxTokens),
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	}
	if req.Temperature != nil && entry.UsesTemperature() {
		msgReq.Temperature = req.Temperature
	}

	resp, err := r.anthropic.CreateMessage(ctx, msgReq)
	if err != nil {
		return nil, err
	}

	return &Result{
		Text: resp.Text(),
		Usage: model.TokenUsage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}

// classifyOpenRouter wraps retryable HTTP statuses so the retry policy
// can tell them apart from permanent failures.
func classifyOpenRouter(err error) error {
	var apiErr *openrouter.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return err
}
