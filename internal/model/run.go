package model

import "time"

// RunKind identifies which pipeline a run executed.
type RunKind string

const (
	RunKindEvaluate    RunKind = "evaluate"
	RunKindGenerate    RunKind = "generate"
	RunKindGuidelines  RunKind = "guidelines"
	RunKindNegate      RunKind = "negate"
	RunKindRefine      RunKind = "refine"
	RunKindBatchSubmit RunKind = "batch_submit"
	RunKindBatchParse  RunKind = "batch_parse"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run represents a single pipeline invocation.
type Run struct {
	ID        string         `json:"id"`
	Kind      RunKind        `json:"kind"`
	Model     string         `json:"model"`
	Input     string         `json:"input"`
	Output    string         `json:"output"`
	Params    map[string]any `json:"params,omitempty"`
	Status    RunStatus      `json:"status"`
	Result    *RunResult     `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RunResult holds the final counts for a run.
type RunResult struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Determinate int     `json:"determinate"`
	Correct     int     `json:"correct"`
	Accuracy    float64 `json:"accuracy"`

	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Error        string  `json:"error,omitempty"`
}

// PhaseStatus represents the current state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// RunPhase represents a phase within a run (loading, draining, finalizing).
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseResult holds the outcome of a pipeline phase.
type PhaseResult struct {
	Name       string         `json:"name"`
	Status     PhaseStatus    `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ItemFailure records a per-item terminal failure for later inspection.
// The batch itself continues; these rows exist so failure rates can be
// quantified without grepping output files.
type ItemFailure struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	ItemID    string      `json:"item_id"`
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}
