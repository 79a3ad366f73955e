package model

// FailureKind classifies why an executor attempt (or the whole item) failed.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureTransport        FailureKind = "transport_error"
	FailureRateLimited      FailureKind = "rate_limited"
	FailureExhaustedRetries FailureKind = "exhausted_retries"
	FailureParse            FailureKind = "parse_error"
)

// OutcomeFailure describes a terminal per-item failure.
type OutcomeFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// RequestOutcome is the result of one executor call: either raw provider
// text or a typed failure. Exactly one per item per batch attempt.
type RequestOutcome struct {
	Identifier string          `json:"identifier"`
	RawText    string          `json:"raw_text,omitempty"`
	Usage      TokenUsage      `json:"usage"`
	Failure    *OutcomeFailure `json:"failure,omitempty"`
}

// Succeeded reports whether the provider returned text for this item.
func (o RequestOutcome) Succeeded() bool {
	return o.Failure == nil
}

// NormalizedAnswer is the fixed schema every provider response is coerced
// into. All fields are always populated; parse failures surface as ERROR
// values, never as absent fields.
type NormalizedAnswer struct {
	Answer          Answer          `json:"answer"`
	EvidenceQuality EvidenceQuality `json:"evidence_quality"`
	Discrepancy     Discrepancy     `json:"discrepancy"`
	Notes           string          `json:"notes"`
}

// ErrorAnswer builds the sentinel record used when a response cannot be
// parsed or an item exhausts its retries.
func ErrorAnswer(notes string) NormalizedAnswer {
	return NormalizedAnswer{
		Answer:          AnswerError,
		EvidenceQuality: QualityError,
		Discrepancy:     DiscrepancyError,
		Notes:           notes,
	}
}

// Record statuses beyond plain HTTP-ish outcomes.
const (
	StatusOK               = "ok"
	StatusExhaustedRetries = "exhausted_retries"
	StatusParseError       = "parse_error"
	StatusMissingGT        = "missing_ground_truth"
)

// EvalRecord is the merged model-vs-ground-truth row. The same shape is used
// for checkpoint entries and for final output, matching the historical wire
// format (checkpoints are result maps flushed early). Ground-truth fields are
// pointers so an unmatched item serializes them as null rather than dropping
// the row.
type EvalRecord struct {
	ID       string `json:"id,omitempty"`
	DOI      string `json:"doi,omitempty"`
	Question string `json:"question"`

	ModelAnswer          Answer          `json:"model_answer"`
	ModelEvidenceQuality EvidenceQuality `json:"model_evidence-quality"`
	ModelDiscrepancy     Discrepancy     `json:"model_discrepancy"`
	ModelNotes           string          `json:"model_notes"`

	GroundTruthAnswer          *Answer          `json:"ground_truth_answer"`
	GroundTruthEvidenceQuality *EvidenceQuality `json:"ground_truth_evidence-quality"`
	GroundTruthDiscrepancy     *Discrepancy     `json:"ground_truth_discrepancy"`

	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	CustomID string `json:"custom_id,omitempty"`
}

// SetGroundTruth fills the ground-truth columns from a GroundTruth value.
func (r *EvalRecord) SetGroundTruth(gt *GroundTruth) {
	if gt == nil {
		r.GroundTruthAnswer = nil
		r.GroundTruthEvidenceQuality = nil
		r.GroundTruthDiscrepancy = nil
		return
	}
	a, q, d := gt.Answer, gt.EvidenceQuality, gt.Discrepancy
	r.GroundTruthAnswer = &a
	r.GroundTruthEvidenceQuality = &q
	r.GroundTruthDiscrepancy = &d
}

// Correct reports whether both sides carry determinate answers and agree.
// The second return is whether the pair was comparable at all.
func (r *EvalRecord) Correct() (bool, bool) {
	if r.GroundTruthAnswer == nil {
		return false, false
	}
	if !r.ModelAnswer.Determinate() || !r.GroundTruthAnswer.Determinate() {
		return false, false
	}
	return r.ModelAnswer == *r.GroundTruthAnswer, true
}
