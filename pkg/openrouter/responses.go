package openrouter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ResponseRequest is the request body for POST /responses. Reasoning models
// (the gpt-5 family) only accept this endpoint and reject a temperature.
type ResponseRequest struct {
	Model           string     `json:"model"`
	Input           string     `json:"input"`
	Instructions    string     `json:"instructions,omitempty"`
	MaxOutputTokens *int       `json:"max_output_tokens,omitempty"`
	Reasoning       *Reasoning `json:"reasoning,omitempty"`
}

// Reasoning controls how much internal reasoning a model spends before
// answering.
type Reasoning struct {
	Effort string `json:"effort,omitempty"` // minimal, low, medium, high
}

// Response is the envelope returned by POST /responses.
type Response struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []OutputItem `json:"output"`
	Usage  Usage        `json:"usage"`
}

// OutputItem is one entry in the response output array. Reasoning items
// carry no content; message items hold the text parts.
type OutputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is a piece of message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// OutputText concatenates the text of every output_text part, skipping
// reasoning items.
func (r *Response) OutputText() string {
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

func (c *httpClient) CreateResponse(ctx context.Context, req ResponseRequest) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	respBody, err := c.post(ctx, "/responses", req)
	if err != nil {
		return nil, err
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "openrouter: unmarshal response")
	}

	return &result, nil
}
