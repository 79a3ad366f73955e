package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/pkg/anthropic"
)

// fakeBatchClient scripts the provider batch lifecycle: batch creation
// returns a fixed response, GetBatch walks a status sequence, and results
// iterate over a fixed item slice.
type fakeBatchClient struct {
	mu       sync.Mutex
	batches  []anthropic.BatchRequest
	messages []anthropic.MessageRequest

	batch    *anthropic.BatchResponse
	statuses []string
	statusAt int
	items    []anthropic.BatchResultItem
}

func (f *fakeBatchClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, req)
	return &anthropic.MessageResponse{
		ID:      "msg_primer",
		Content: []anthropic.ContentBlock{{Type: "text", Text: "primed"}},
		Usage: anthropic.TokenUsage{
			InputTokens:              12,
			OutputTokens:             3,
			CacheCreationInputTokens: 900,
		},
	}, nil
}

func (f *fakeBatchClient) CreateBatch(_ context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, req)
	return f.batch, nil
}

func (f *fakeBatchClient) GetBatch(_ context.Context, batchID string) (*anthropic.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[f.statusAt]
	if f.statusAt < len(f.statuses)-1 {
		f.statusAt++
	}
	return &anthropic.BatchResponse{ID: batchID, ProcessingStatus: status}, nil
}

func (f *fakeBatchClient) GetBatchResults(context.Context, string) (anthropic.BatchResultIterator, error) {
	return &sliceIterator{items: f.items}, nil
}

type sliceIterator struct {
	items []anthropic.BatchResultItem
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Item() anthropic.BatchResultItem { return it.items[it.pos-1] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

func TestBatchCustomID_SanitizesNewlines(t *testing.T) {
	assert.Equal(t, "qid:a", batchCustomID("a"))
	assert.Equal(t, "qid:line1 line2", batchCustomID("line1\nline2"))
}

func TestPrepare_WritesRequestLines(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "qa.jsonl")
	output := filepath.Join(dir, "batch.jsonl")
	writeFileLines(t, input,
		`{"id":"a","question":"Does aspirin reduce fever?","answer":"Yes"}`,
		`{"id":"line1\nline2","question":"Does zinc shorten colds?","answer":"No"}`,
	)

	n, err := Prepare(catalog.Default(), PrepareParams{
		Input:      input,
		Output:     output,
		Model:      "google/gemini-2.5-flash",
		JSONFormat: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows := readJSONLMaps(t, output)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, "qid:a", first["custom_id"])
	assert.Equal(t, "POST", first["method"])
	assert.Equal(t, "/v1/chat/completions", first["url"])

	body := first["body"].(map[string]any)
	assert.Equal(t, "google/gemini-2.5-flash", body["model"])
	assert.Equal(t, 0.2, body["temperature"])
	assert.Equal(t, "json_object", body["response_format"].(map[string]any)["type"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	assert.Contains(t, msg["content"], "Does aspirin reduce fever?")

	// Newlines in identifiers would break the JSONL framing downstream.
	assert.Equal(t, "qid:line1 line2", rows[1]["custom_id"])
}

func TestPrepare_OmitsTemperatureForReasoningModels(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "qa.jsonl")
	output := filepath.Join(dir, "batch.jsonl")
	writeFileLines(t, input,
		`{"id":"a","question":"Does aspirin reduce fever?","answer":"Yes"}`,
	)

	n, err := Prepare(catalog.Default(), PrepareParams{
		Input:  input,
		Output: output,
		Model:  "openai/gpt-5",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := readJSONLMaps(t, output)
	require.Len(t, rows, 1)
	body := rows[0]["body"].(map[string]any)
	assert.NotContains(t, body, "temperature")
	assert.NotContains(t, body, "response_format")
}

func TestSubmit_CreatesBatchAndWritesMetadata(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "qa.jsonl")
	outDir := filepath.Join(dir, "batches")
	writeFileLines(t, input,
		`{"id":"a","question":"Does aspirin reduce fever?","answer":"Yes"}`,
		`{"id":"b","question":"Does zinc shorten colds?","answer":"No"}`,
	)

	fb := &fakeBatchClient{
		batch: &anthropic.BatchResponse{ID: "msgbatch_01HX", ProcessingStatus: "in_progress"},
	}
	deps := newTestDeps(t, nil)

	sub, err := Submit(context.Background(), fb, deps.Store, deps.Catalog, SubmitParams{
		Input:  input,
		Model:  "claude-haiku-4-5-20251001",
		OutDir: outDir,
		Primer: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "msgbatch_01HX", sub.BatchID)
	assert.Equal(t, input, sub.Input)
	assert.Equal(t, "claude-haiku-4-5-20251001", sub.Model)
	assert.False(t, sub.SubmittedAt.IsZero())

	require.Len(t, fb.batches, 1)
	reqs := fb.batches[0].Requests
	require.Len(t, reqs, 2)
	assert.Equal(t, "qid:a", reqs[0].CustomID)
	assert.Equal(t, "claude-haiku-4-5-20251001", reqs[0].Params.Model)
	assert.Equal(t, int64(2000), reqs[0].Params.MaxTokens)
	assert.Nil(t, reqs[0].Params.Temperature)
	require.Len(t, reqs[0].Params.System, 1)
	require.NotNil(t, reqs[0].Params.System[0].CacheControl)
	assert.Equal(t, "1h", reqs[0].Params.System[0].CacheControl.TTL)
	require.Len(t, reqs[0].Params.Messages, 1)
	assert.Equal(t, "user", reqs[0].Params.Messages[0].Role)
	assert.Contains(t, reqs[0].Params.Messages[0].Content, "Does aspirin reduce fever?")

	// The primer repeats the first question so the cached system block is
	// written before the batch fans out.
	require.Len(t, fb.messages, 1)
	assert.Equal(t, reqs[0].Params.Messages[0].Content, fb.messages[0].Messages[0].Content)

	var meta Submission
	data, err := os.ReadFile(filepath.Join(outDir, "msgbatch_01HX.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, sub.BatchID, meta.BatchID)
	assert.Equal(t, sub.Input, meta.Input)
	assert.Equal(t, sub.Model, meta.Model)

	run := singleRun(t, deps.Store, model.RunKindBatchSubmit)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 2, run.Result.Total)
	assert.Equal(t, 2, run.Result.Succeeded)
	assert.Equal(t, int64(12), run.Result.InputTokens)
}

func TestSubmit_WithoutPrimerSendsNoMessages(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "qa.jsonl")
	writeFileLines(t, input,
		`{"id":"a","question":"Does aspirin reduce fever?","answer":"Yes"}`,
	)

	fb := &fakeBatchClient{
		batch: &anthropic.BatchResponse{ID: "msgbatch_02", ProcessingStatus: "in_progress"},
	}
	deps := newTestDeps(t, nil)

	_, err := Submit(context.Background(), fb, deps.Store, deps.Catalog, SubmitParams{
		Input:  input,
		Model:  "claude-haiku-4-5-20251001",
		OutDir: filepath.Join(dir, "batches"),
	})
	require.NoError(t, err)
	assert.Empty(t, fb.messages)

	run := singleRun(t, deps.Store, model.RunKindBatchSubmit)
	require.NotNil(t, run.Result)
	assert.Equal(t, int64(0), run.Result.InputTokens)
}

func TestSubmit_EmptyDatasetFails(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "qa.jsonl")
	writeFileLines(t, input, `{"doi":"10.1000/a","abstract":"no question here"}`)

	fb := &fakeBatchClient{
		batch: &anthropic.BatchResponse{ID: "never", ProcessingStatus: "in_progress"},
	}
	deps := newTestDeps(t, nil)

	_, err := Submit(context.Background(), fb, deps.Store, deps.Catalog, SubmitParams{
		Input:  input,
		Model:  "claude-haiku-4-5-20251001",
		OutDir: filepath.Join(dir, "batches"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable rows")
	assert.Empty(t, fb.batches)

	run := singleRun(t, deps.Store, model.RunKindBatchSubmit)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 0, run.Result.Succeeded)
	assert.NotEmpty(t, run.Result.Error)
}

func TestResults_WritesResultAndErrorFiles(t *testing.T) {
	dir := t.TempDir()

	fb := &fakeBatchClient{
		statuses: []string{"in_progress", "ended"},
		items: []anthropic.BatchResultItem{
			{
				CustomID: "qid:b",
				Type:     "succeeded",
				Message: &anthropic.MessageResponse{
					Model:      "claude-haiku-4-5-20251001",
					StopReason: "end_turn",
					Content:    []anthropic.ContentBlock{{Type: "text", Text: `{"answer": "No"}`}},
					Usage:      anthropic.TokenUsage{InputTokens: 20, OutputTokens: 5},
				},
			},
			{CustomID: "qid:c", Type: "errored"},
			{
				CustomID: "qid:a",
				Type:     "succeeded",
				Message: &anthropic.MessageResponse{
					Model:      "claude-haiku-4-5-20251001",
					StopReason: "end_turn",
					Content:    []anthropic.ContentBlock{{Type: "text", Text: `{"answer": "Yes"}`}},
					Usage:      anthropic.TokenUsage{InputTokens: 10, OutputTokens: 4, CacheReadInputTokens: 900},
				},
			},
		},
	}

	collected, err := Results(context.Background(), fb, ResultsParams{
		BatchID:      "msgbatch_01HX",
		OutDir:       dir,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Len(t, collected.Succeeded, 2)
	require.Len(t, collected.Failures, 1)
	assert.Equal(t, "qid:c", collected.Failures[0].CustomID)

	results := readJSONLMaps(t, filepath.Join(dir, "msgbatch_01HX.results.jsonl"))
	require.Len(t, results, 2)
	// Rows come back ordered by custom id, not completion order.
	assert.Equal(t, "qid:a", results[0]["custom_id"])
	assert.Equal(t, "qid:b", results[1]["custom_id"])
	assert.Equal(t, `{"answer": "Yes"}`, results[0]["text"])
	assert.Equal(t, "end_turn", results[0]["stop_reason"])
	usage := results[0]["usage"].(map[string]any)
	assert.Equal(t, float64(10), usage["input_tokens"])
	assert.Equal(t, float64(900), usage["cache_read_tokens"])

	errRows := readJSONLMaps(t, filepath.Join(dir, "msgbatch_01HX.errors.jsonl"))
	require.Len(t, errRows, 1)
	assert.Equal(t, "qid:c", errRows[0]["custom_id"])
	assert.Equal(t, "errored", errRows[0]["type"])
}

func TestResults_EmptyBatchStillWritesFiles(t *testing.T) {
	dir := t.TempDir()
	fb := &fakeBatchClient{statuses: []string{"ended"}}

	collected, err := Results(context.Background(), fb, ResultsParams{
		BatchID: "msgbatch_empty",
		OutDir:  dir,
	})
	require.NoError(t, err)
	assert.Empty(t, collected.Succeeded)
	assert.Empty(t, collected.Failures)

	for _, name := range []string{"msgbatch_empty.results.jsonl", "msgbatch_empty.errors.jsonl"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	}
}

func TestParse_NormalizesChatAndResponsesEnvelopes(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "qa.jsonl")
	results := filepath.Join(dir, "batch.results.jsonl")
	pred := filepath.Join(dir, "pred.jsonl")
	merged := filepath.Join(dir, "merged.jsonl")
	writeFileLines(t, input,
		`{"id":"a","question":"Does aspirin reduce fever?","answer":"Yes","evidence-quality":"High","discrepancy":"No"}`,
		`{"id":"b","question":"Does zinc shorten colds?","answer":"No"}`,
		`{"id":"c","question":"Does drugC help?","answer":"Yes"}`,
	)
	writeFileLines(t, results,
		`{"custom_id":"qid:a","url":"/v1/chat/completions","error":null,"response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"answer\": \"Yes\", \"evidence-quality\": \"High\", \"discrepancy\": \"No\", \"notes\": \"solid\"}"}}]}}}`,
		`{"custom_id":"qid:b","error":null,"response":{"status_code":200,"body":{"id":"resp_abc","output":[{"content":[{"type":"output_text","text":{"value":"{\"answer\": \"Yes\"}"}}]}]}}}`,
		`not a json line`,
		`{"custom_id":"qid:c","error":{"message":"overloaded"}}`,
		`{"custom_id":"qid:zzz","url":"/v1/chat/completions","error":null,"response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"answer\": \"No\"}"}}]}}}`,
	)

	deps := newTestDeps(t, nil)
	result, err := Parse(context.Background(), deps.Store, ParseParams{
		Input:   input,
		Results: results,
		Pred:    pred,
		Merged:  merged,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, result.Determinate)
	assert.Equal(t, 1, result.Correct)
	assert.InDelta(t, 0.5, result.Accuracy, 1e-9)

	predRows := readJSONLMaps(t, pred)
	require.Len(t, predRows, 4)

	a := predRows[0]
	assert.Equal(t, "a", a["key"])
	assert.Equal(t, "qid:a", a["custom_id"])
	assert.Equal(t, "200", a["status"])
	assert.Equal(t, "Yes", a["model_answer"])
	assert.Equal(t, "High", a["model_evidence-quality"])
	assert.Equal(t, "solid", a["model_notes"])
	assert.Contains(t, a, "error")
	assert.Nil(t, a["error"])

	// The Responses API envelope is recognized by the resp_ body id.
	b := predRows[1]
	assert.Equal(t, "b", b["key"])
	assert.Equal(t, "Yes", b["model_answer"])
	assert.Equal(t, "Missing", b["model_evidence-quality"])

	c := predRows[2]
	assert.Equal(t, "error", c["status"])
	assert.Equal(t, map[string]any{"message": "overloaded"}, c["error"])
	assert.Nil(t, c["model_answer"])

	mergedRows := readJSONLMaps(t, merged)
	require.Len(t, mergedRows, 4)

	ma := mergedRows[0]
	assert.Equal(t, "a", ma["id"])
	assert.Equal(t, "200", ma["status"])
	assert.Equal(t, "Yes", ma["ground_truth_answer"])

	// A structured provider error flattens to its JSON encoding; the row
	// keeps its ground truth.
	mc := mergedRows[2]
	assert.Equal(t, "c", mc["id"])
	assert.Equal(t, "error", mc["status"])
	assert.Equal(t, `{"message":"overloaded"}`, mc["error"])

	// Results with no ground-truth match survive with a marker status.
	mz := mergedRows[3]
	assert.Equal(t, "qid:zzz", mz["custom_id"])
	assert.Equal(t, model.StatusMissingGT, mz["status"])
	assert.Nil(t, mz["ground_truth_answer"])

	run := singleRun(t, deps.Store, model.RunKindBatchParse)
	assert.Equal(t, model.RunStatusComplete, run.Status)
}

func TestEnvelopeText(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		body    string
		want    string
		wantErr bool
	}{
		{"chat body", "/v1/chat/completions", `{"choices":[{"message":{"content":"hello"}}]}`, "hello", false},
		{"missing choices key is empty", "/v1/chat/completions", `{"id":"x"}`, "", false},
		{"present but empty choices is malformed", "/v1/chat/completions", `{"choices":[]}`, "", true},
		{"null body", "", `null`, "", false},
		{"responses url with string parts", "/v1/responses", `{"output":[{"content":[{"text":"part1"},{"text":"part2"}]}]}`, "part1\npart2", false},
		{"resp id with value object", "", `{"id":"resp_1","output":[{"content":[{"text":{"value":"V"}}]}]}`, "V", false},
		{"responses content fallback", "/v1/responses", `{"content":[{"content":[{"text":"C"}]}]}`, "C", false},
		{"text object without value skipped", "/v1/responses", `{"output":[{"content":[{"text":{"annotations":[]}},{"text":"ok"}]}]}`, "ok", false},
		{"undecodable body", "/v1/chat/completions", `{"choices":`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := envelopeText(tt.url, json.RawMessage(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrPresent(t *testing.T) {
	absent := []string{"", "null", "false", "0", `""`, "{}", "[]"}
	for _, raw := range absent {
		assert.False(t, errPresent(json.RawMessage(raw)), "raw: %q", raw)
	}
	present := []string{`"overloaded"`, `{"message":"x"}`, "true", "1", `["e"]`}
	for _, raw := range present {
		assert.True(t, errPresent(json.RawMessage(raw)), "raw: %q", raw)
	}
}
