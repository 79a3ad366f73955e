package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/merge"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/normalize"
	"github.com/sells-group/evidence-cli/internal/prompt"
	"github.com/sells-group/evidence-cli/internal/store"
	"github.com/sells-group/evidence-cli/pkg/anthropic"
	"github.com/sells-group/evidence-cli/pkg/openrouter"
)

// batchTemperature is the fixed sampling temperature for prepared batch
// requests, applied only to models that accept one.
const batchTemperature = 0.2

// batchCustomID derives the batch custom id for an item. Newlines would
// break the JSONL framing of the batch file, so they collapse to spaces.
func batchCustomID(identifier string) string {
	return "qid:" + strings.ReplaceAll(identifier, "\n", " ")
}

// batchLine is one request row in a prepared batch input file, shaped for
// the OpenAI-compatible batch endpoints.
type batchLine struct {
	CustomID string                           `json:"custom_id"`
	Method   string                           `json:"method"`
	URL      string                           `json:"url"`
	Body     openrouter.ChatCompletionRequest `json:"body"`
}

// PrepareParams configures batch file preparation.
type PrepareParams struct {
	Input  string
	Output string
	Model  string
	Limit  int
	// JSONFormat adds a json_object response_format to every request.
	JSONFormat bool
}

// Prepare converts a dataset into a batch request file. It is a pure file
// transform: no provider calls, no run recording.
func Prepare(cat *catalog.Catalog, p PrepareParams) (int, error) {
	entry := cat.Resolve(p.Model)

	items, skipped, err := dataset.Load(p.Input)
	if err != nil {
		return 0, err
	}
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}

	lines := make([]batchLine, 0, len(items))
	for _, item := range items {
		line := batchLine{
			CustomID: batchCustomID(item.Identifier),
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: openrouter.ChatCompletionRequest{
				Model: p.Model,
				Messages: []openrouter.Message{
					{Role: "user", Content: prompt.Batch(item.Question)},
				},
			},
		}
		if entry.UsesTemperature() {
			t := batchTemperature
			line.Body.Temperature = &t
		}
		if p.JSONFormat {
			line.Body.ResponseFormat = &openrouter.ResponseFormat{Type: "json_object"}
		}
		lines = append(lines, line)
	}

	if err := ensureDir(p.Output); err != nil {
		return 0, err
	}
	if err := dataset.WriteJSONL(p.Output, lines); err != nil {
		return 0, err
	}

	zap.L().Info("batch prepare: wrote requests",
		zap.String("output", p.Output),
		zap.Int("requests", len(lines)),
		zap.Int("skipped_lines", skipped),
	)
	return len(lines), nil
}

// SubmitParams configures a provider-side batch submission.
type SubmitParams struct {
	Input  string
	Model  string
	OutDir string
	// Primer sends one sequential request before the batch to warm the
	// prompt cache, so every batch item reads the system prompt at the
	// cached rate.
	Primer bool
}

// Submission is the metadata written next to a submitted batch so later
// status and results commands can find it.
type Submission struct {
	BatchID     string    `json:"batch_id"`
	Input       string    `json:"input"`
	Model       string    `json:"model"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Submit sends the dataset as one provider-side message batch and writes
// the submission metadata to <outdir>/<batchid>.json. The shared judgment
// instruction goes in a cached system block on every request.
func Submit(ctx context.Context, ac anthropic.Client, st store.Store, cat *catalog.Catalog, p SubmitParams) (*Submission, error) {
	start := time.Now()
	entry := cat.Resolve(p.Model)

	rec, err := newRecorder(ctx, st, store.RunSpec{
		Kind:   model.RunKindBatchSubmit,
		Model:  p.Model,
		Input:  p.Input,
		Output: p.OutDir,
		Params: map[string]any{"primer": p.Primer},
	})
	if err != nil {
		return nil, err
	}
	rec.setStatus(ctx, model.RunStatusRunning)

	var (
		loadSkipped int
		reqs        []anthropic.BatchRequestItem
		primerUsage anthropic.TokenUsage
		sub         *Submission
	)

	summarize := func() *model.RunResult {
		return &model.RunResult{
			Total:        len(reqs),
			Succeeded:    len(reqs),
			Skipped:      loadSkipped,
			InputTokens:  primerUsage.InputTokens,
			OutputTokens: primerUsage.OutputTokens,
			DurationMS:   time.Since(start).Milliseconds(),
		}
	}
	abort := func(err error) (*Submission, error) {
		res := summarize()
		res.Succeeded = 0
		res.Error = err.Error()
		rec.finish(ctx, model.RunStatusFailed, res)
		return nil, err
	}

	system := anthropic.BuildCachedSystemBlocks(prompt.EvalSystem())

	err = rec.phase(ctx, "loading", func(ctx context.Context) (*model.PhaseResult, error) {
		items, skipped, err := dataset.Load(p.Input)
		if err != nil {
			return nil, err
		}
		loadSkipped = skipped
		if len(items) == 0 {
			return nil, eris.Errorf("pipeline: no usable rows in %s", p.Input)
		}

		for _, item := range items {
			reqs = append(reqs, anthropic.BatchRequestItem{
				CustomID: batchCustomID(item.Identifier),
				Params: anthropic.MessageRequest{
					Model:     p.Model,
					MaxTokens: int64(entry.MaxTokens),
					System:    system,
					Messages: []anthropic.Message{
						{Role: "user", Content: prompt.EvalQuestion(item.Question)},
					},
				},
			})
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"items":         len(reqs),
			"skipped_lines": loadSkipped,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	if p.Primer {
		err = rec.phase(ctx, "priming", func(ctx context.Context) (*model.PhaseResult, error) {
			resp, err := anthropic.PrimerRequest(ctx, ac, anthropic.MessageRequest{
				Model:     p.Model,
				MaxTokens: int64(entry.MaxTokens),
				System:    system,
				Messages: []anthropic.Message{
					{Role: "user", Content: reqs[0].Params.Messages[0].Content},
				},
			})
			if err != nil {
				return nil, err
			}
			primerUsage = resp.Usage
			primerUsage.LogCost(p.Model, "primer")
			return &model.PhaseResult{Metadata: map[string]any{
				"cache_write_tokens": primerUsage.CacheCreationInputTokens,
				"cache_read_tokens":  primerUsage.CacheReadInputTokens,
			}}, nil
		})
		if err != nil {
			return abort(err)
		}
	}

	err = rec.phase(ctx, "submitting", func(ctx context.Context) (*model.PhaseResult, error) {
		resp, err := ac.CreateBatch(ctx, anthropic.BatchRequest{Requests: reqs})
		if err != nil {
			return nil, err
		}

		sub = &Submission{
			BatchID:     resp.ID,
			Input:       p.Input,
			Model:       p.Model,
			SubmittedAt: time.Now().UTC(),
		}
		if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "pipeline: create output dir %s", p.OutDir)
		}
		metaPath := filepath.Join(p.OutDir, resp.ID+".json")
		data, err := json.MarshalIndent(sub, "", "  ")
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: marshal submission")
		}
		if err := os.WriteFile(metaPath, append(data, '\n'), 0o644); err != nil {
			return nil, eris.Wrapf(err, "pipeline: write %s", metaPath)
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"batch_id": resp.ID,
			"status":   resp.ProcessingStatus,
			"metadata": metaPath,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	rec.finish(ctx, model.RunStatusComplete, summarize())
	zap.L().Info("batch submit: batch created",
		zap.String("batch_id", sub.BatchID),
		zap.Int("requests", len(reqs)),
		zap.Bool("primed", p.Primer),
	)
	return sub, nil
}

// ResultsParams configures batch result collection.
type ResultsParams struct {
	BatchID      string
	OutDir       string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// batchResultRow is one succeeded result persisted to the results file.
type batchResultRow struct {
	CustomID   string           `json:"custom_id"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason,omitempty"`
	Text       string           `json:"text"`
	Usage      model.TokenUsage `json:"usage"`
}

// batchErrorRow is one non-succeeded item persisted to the errors file.
type batchErrorRow struct {
	CustomID string `json:"custom_id"`
	Type     string `json:"type"`
}

// Results polls a batch until it ends, then drains its results into
// <outdir>/<batchid>.results.jsonl and <outdir>/<batchid>.errors.jsonl.
// Both files are written even when empty. Rows are ordered by custom id.
func Results(ctx context.Context, ac anthropic.Client, p ResultsParams) (*anthropic.BatchCollectResult, error) {
	var opts []anthropic.PollOption
	if p.PollInterval > 0 {
		opts = append(opts, anthropic.WithPollInterval(p.PollInterval))
	}
	if p.PollTimeout > 0 {
		opts = append(opts, anthropic.WithPollTimeout(p.PollTimeout))
	}

	batch, err := anthropic.PollBatch(ctx, ac, p.BatchID, opts...)
	if err != nil {
		return nil, err
	}
	zap.L().Info("batch results: batch ended",
		zap.String("batch_id", p.BatchID),
		zap.Int64("succeeded", batch.RequestCounts.Succeeded),
		zap.Int64("errored", batch.RequestCounts.Errored),
		zap.Int64("expired", batch.RequestCounts.Expired),
	)

	iter, err := ac.GetBatchResults(ctx, p.BatchID)
	if err != nil {
		return nil, err
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "pipeline: create output dir %s", p.OutDir)
	}

	ids := make([]string, 0, len(collected.Succeeded))
	for id := range collected.Succeeded {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]batchResultRow, 0, len(ids))
	for _, id := range ids {
		resp := collected.Succeeded[id]
		rows = append(rows, batchResultRow{
			CustomID:   id,
			Model:      resp.Model,
			StopReason: resp.StopReason,
			Text:       resp.Text(),
			Usage: model.TokenUsage{
				InputTokens:      resp.Usage.InputTokens,
				OutputTokens:     resp.Usage.OutputTokens,
				CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
				CacheReadTokens:  resp.Usage.CacheReadInputTokens,
			},
		})
	}
	resultsPath := filepath.Join(p.OutDir, p.BatchID+".results.jsonl")
	if err := dataset.WriteJSONL(resultsPath, rows); err != nil {
		return nil, err
	}

	errRows := make([]batchErrorRow, 0, len(collected.Failures))
	for _, f := range collected.Failures {
		errRows = append(errRows, batchErrorRow{CustomID: f.CustomID, Type: f.Type})
	}
	sort.Slice(errRows, func(i, j int) bool { return errRows[i].CustomID < errRows[j].CustomID })
	errorsPath := filepath.Join(p.OutDir, p.BatchID+".errors.jsonl")
	if err := dataset.WriteJSONL(errorsPath, errRows); err != nil {
		return nil, err
	}

	zap.L().Info("batch results: wrote outputs",
		zap.String("results", resultsPath),
		zap.String("errors", errorsPath),
		zap.Int("succeeded", len(rows)),
		zap.Int("failed", len(errRows)),
	)
	return collected, nil
}

// ParseParams configures batch output parsing.
type ParseParams struct {
	// Input is the dataset the batch was built from; it supplies ground
	// truth for the merged file.
	Input string
	// Results is the batch output JSONL downloaded from the provider.
	Results string
	Pred    string
	Merged  string
}

// predRow is one normalized prediction. Keys are always present, mirroring
// the merged record shape; absent values serialize as null.
type predRow struct {
	Key                  string `json:"key"`
	CustomID             string `json:"custom_id"`
	Status               string `json:"status"`
	Error                any    `json:"error"`
	ModelAnswer          any    `json:"model_answer"`
	ModelEvidenceQuality any    `json:"model_evidence-quality"`
	ModelDiscrepancy     any    `json:"model_discrepancy"`
	ModelNotes           any    `json:"model_notes"`
}

// batchOutcome is the provider's per-request envelope in a results file.
// Chat-completions and Responses API bodies both appear; the url field and
// the resp_ id prefix distinguish them.
type batchOutcome struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	URL      string          `json:"url"`
	Error    json.RawMessage `json:"error"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
}

// Parse normalizes a downloaded batch results file into a predictions
// JSONL and a merged JSONL joined to ground truth. Every result line
// yields one row in each file; a missing ground-truth match keeps the row
// with null ground truth.
func Parse(ctx context.Context, st store.Store, p ParseParams) (*model.RunResult, error) {
	start := time.Now()

	rec, err := newRecorder(ctx, st, store.RunSpec{
		Kind:   model.RunKindBatchParse,
		Input:  p.Results,
		Output: p.Merged,
	})
	if err != nil {
		return nil, err
	}
	rec.setStatus(ctx, model.RunStatusRunning)

	var (
		idx          *dataset.Index
		loadSkipped  int
		skippedLines int
		parsed       int
		failed       int

		predOut   *dataset.JSONLWriter
		mergedOut *dataset.JSONLWriter
		records   = make(map[string]model.EvalRecord)
	)

	closeQuiet := func() {
		for _, w := range []*dataset.JSONLWriter{predOut, mergedOut} {
			if w != nil {
				if err := w.Close(); err != nil {
					zap.L().Warn("batch parse: output close failed", zap.Error(err))
				}
			}
		}
		predOut, mergedOut = nil, nil
	}
	summarize := func() *model.RunResult {
		correct, comparable := merge.Accuracy(records)
		return &model.RunResult{
			Total:       parsed,
			Succeeded:   parsed - failed,
			Failed:      failed,
			Skipped:     skippedLines,
			Determinate: comparable,
			Correct:     correct,
			Accuracy:    ratio(correct, comparable),
			DurationMS:  time.Since(start).Milliseconds(),
		}
	}
	abort := func(err error) (*model.RunResult, error) {
		closeQuiet()
		res := summarize()
		res.Error = err.Error()
		rec.finish(ctx, model.RunStatusFailed, res)
		return nil, err
	}

	err = rec.phase(ctx, "loading", func(ctx context.Context) (*model.PhaseResult, error) {
		items, skipped, err := dataset.Load(p.Input)
		if err != nil {
			return nil, err
		}
		loadSkipped = skipped
		idx = dataset.NewIndex(items)

		for _, path := range []string{p.Pred, p.Merged} {
			if err := ensureDir(path); err != nil {
				return nil, err
			}
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"ground_truth":  len(items),
			"skipped_lines": loadSkipped,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	err = rec.phase(ctx, "parsing", func(ctx context.Context) (*model.PhaseResult, error) {
		var err error
		if predOut, err = dataset.NewJSONLWriter(p.Pred); err != nil {
			return nil, err
		}
		if mergedOut, err = dataset.NewJSONLWriter(p.Merged); err != nil {
			return nil, err
		}

		err = dataset.ForEachLine(p.Results, func(line []byte, lineNo int) error {
			var out batchOutcome
			if err := json.Unmarshal(line, &out); err != nil {
				zap.L().Warn("batch parse: skipping malformed result line",
					zap.Int("line", lineNo), zap.Error(err))
				skippedLines++
				return nil
			}
			parsed++

			customID := out.CustomID
			if customID == "" {
				customID = out.ID
			}
			key := strings.TrimPrefix(customID, "qid:")

			pred := predRow{Key: key, CustomID: customID}
			prediction := merge.Prediction{Key: key, CustomID: customID}

			switch {
			case errPresent(out.Error):
				pred.Status = "error"
				pred.Error = out.Error
				prediction.Status = "error"
				prediction.Error = errText(out.Error)
				failed++
			default:
				if out.Response != nil {
					pred.Status = strconv.Itoa(out.Response.StatusCode)
					prediction.Status = pred.Status
				}
				var body json.RawMessage
				if out.Response != nil {
					body = out.Response.Body
				}
				content, extractErr := envelopeText(out.URL, body)
				if extractErr != nil {
					msg := "parse_error: " + extractErr.Error()
					pred.Error = msg
					prediction.Error = msg
					failed++
					break
				}
				if content == "" {
					break
				}
				ans := normalize.Response(content)
				pred.ModelAnswer = string(ans.Answer)
				pred.ModelEvidenceQuality = string(ans.EvidenceQuality)
				pred.ModelDiscrepancy = string(ans.Discrepancy)
				pred.ModelNotes = ans.Notes
				prediction.Answer = ans
			}

			if err := predOut.Write(pred); err != nil {
				return err
			}
			merged := merge.FromPrediction(idx, prediction)
			records[strconv.Itoa(lineNo)] = merged
			return mergedOut.Write(merged)
		})
		if err != nil {
			return nil, err
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"parsed":        parsed,
			"failed":        failed,
			"skipped_lines": skippedLines,
		}}, nil
	})
	if err != nil {
		return abort(err)
	}

	err = rec.phase(ctx, "finalizing", func(ctx context.Context) (*model.PhaseResult, error) {
		if err := predOut.Close(); err != nil {
			predOut = nil
			return nil, err
		}
		predOut = nil
		if err := mergedOut.Close(); err != nil {
			mergedOut = nil
			return nil, err
		}
		mergedOut = nil
		return &model.PhaseResult{Metadata: map[string]any{"records": parsed}}, nil
	})
	if err != nil {
		return abort(err)
	}

	result := summarize()
	rec.finish(ctx, model.RunStatusComplete, result)

	zap.L().Info("batch parse: run complete",
		zap.Int("parsed", parsed),
		zap.Int("failed", failed),
		zap.Int("skipped_lines", skippedLines),
		zap.Float64("accuracy", result.Accuracy),
	)
	return result, nil
}

// errPresent reports whether the error field holds a real value. Providers
// emit explicit nulls and empty objects on clean requests.
func errPresent(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`, "{}", "[]":
		return false
	}
	return true
}

// errText renders a provider error for the merged record. String errors
// come through bare; structured errors keep their JSON encoding.
func errText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// envelopeText pulls the model's text out of a result body. The Responses
// API nests text parts under output[].content[], where each part's text is
// either a bare string or an annotated {"value": ...} object; chat bodies
// carry it in the first choice. A present-but-empty choices list is a
// malformed body, while a missing choices key is just an empty response.
func envelopeText(url string, body json.RawMessage) (string, error) {
	if len(body) == 0 || strings.TrimSpace(string(body)) == "null" {
		return "", nil
	}

	var b struct {
		ID     string `json:"id"`
		Output []struct {
			Content []map[string]any `json:"content"`
		} `json:"output"`
		Content []struct {
			Content []map[string]any `json:"content"`
		} `json:"content"`
		Choices *[]struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return "", eris.Wrap(err, "pipeline: decode result body")
	}

	if url == "/v1/responses" || strings.HasPrefix(b.ID, "resp_") {
		items := b.Output
		if len(items) == 0 {
			items = b.Content
		}
		var parts []string
		for _, item := range items {
			for _, c := range item.Content {
				t, ok := c["text"]
				if !ok {
					continue
				}
				switch v := t.(type) {
				case string:
					parts = append(parts, v)
				case map[string]any:
					if val, ok := v["value"]; ok && val != nil {
						parts = append(parts, fmt.Sprintf("%v", val))
					}
				default:
					parts = append(parts, fmt.Sprintf("%v", v))
				}
			}
		}
		return strings.Join(parts, "\n"), nil
	}

	if b.Choices == nil {
		return "", nil
	}
	if len(*b.Choices) == 0 {
		return "", eris.New("pipeline: result body has no choices")
	}
	return (*b.Choices)[0].Message.Content, nil
}
