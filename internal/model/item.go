package model

import "strings"

// Answer is the judgment for a clinical yes/no question.
type Answer string

const (
	AnswerYes        Answer = "Yes"
	AnswerNo         Answer = "No"
	AnswerNoEvidence Answer = "No Evidence"
	AnswerError      Answer = "ERROR"
)

// EvidenceQuality grades the supporting evidence (GRADE-style).
type EvidenceQuality string

const (
	QualityHigh     EvidenceQuality = "High"
	QualityModerate EvidenceQuality = "Moderate"
	QualityLow      EvidenceQuality = "Low"
	QualityVeryLow  EvidenceQuality = "Very Low"
	QualityMissing  EvidenceQuality = "Missing"
	QualityError    EvidenceQuality = "ERROR"
)

// Discrepancy flags conflicting findings across study types.
type Discrepancy string

const (
	DiscrepancyYes     Discrepancy = "Yes"
	DiscrepancyNo      Discrepancy = "No"
	DiscrepancyMissing Discrepancy = "Missing"
	DiscrepancyError   Discrepancy = "ERROR"
)

// answerAliases maps legacy and loose spellings to canonical answers.
// "Not Enough Evidence" appeared in older prompt variants; "No Evidence"
// is the canonical third value.
var answerAliases = map[string]Answer{
	"yes":                 AnswerYes,
	"no":                  AnswerNo,
	"no evidence":         AnswerNoEvidence,
	"noevidence":          AnswerNoEvidence,
	"not enough evidence": AnswerNoEvidence,
}

var qualityAliases = map[string]EvidenceQuality{
	"high":     QualityHigh,
	"moderate": QualityModerate,
	"low":      QualityLow,
	"very low": QualityVeryLow,
	"verylow":  QualityVeryLow,
	"missing":  QualityMissing,
}

var discrepancyAliases = map[string]Discrepancy{
	"yes":     DiscrepancyYes,
	"no":      DiscrepancyNo,
	"missing": DiscrepancyMissing,
}

func canonKey(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".")
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// ParseAnswer canonicalizes a raw answer string. ok is false when the value
// is not in the closed set (including empty strings).
func ParseAnswer(s string) (Answer, bool) {
	a, ok := answerAliases[canonKey(s)]
	return a, ok
}

// ParseQuality canonicalizes a raw evidence-quality string.
func ParseQuality(s string) (EvidenceQuality, bool) {
	q, ok := qualityAliases[canonKey(s)]
	return q, ok
}

// ParseDiscrepancy canonicalizes a raw discrepancy string.
func ParseDiscrepancy(s string) (Discrepancy, bool) {
	d, ok := discrepancyAliases[canonKey(s)]
	return d, ok
}

// Determinate reports whether the answer is a real judgment rather than the
// ERROR sentinel. Only determinate pairs count toward accuracy.
func (a Answer) Determinate() bool {
	return a == AnswerYes || a == AnswerNo || a == AnswerNoEvidence
}

// GroundTruth is the reference judgment attached to a question item. Values
// are canonicalized at load when recognized; unrecognized values are kept
// verbatim so the analyzer can report them.
type GroundTruth struct {
	Answer          Answer          `json:"answer"`
	EvidenceQuality EvidenceQuality `json:"evidence_quality"`
	Discrepancy     Discrepancy     `json:"discrepancy"`
	Notes           string          `json:"notes,omitempty"`
}

// QuestionItem is one unit of evaluation work. Immutable once loaded.
// Identifier is unique within a batch: the dataset id when present, else the
// DOI, else a synthesized positional key.
type QuestionItem struct {
	Identifier      string       `json:"identifier"`
	DOI             string       `json:"doi,omitempty"`
	Question        string       `json:"question"`
	GroundTruth     *GroundTruth `json:"ground_truth,omitempty"`
	PublicationYear int          `json:"publication_year,omitempty"`
	Abstract        string       `json:"abstract,omitempty"`
}

// TokenUsage tracks token consumption across requests. The cache fields are
// only populated by the Anthropic client.
type TokenUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheWriteTokens += other.CacheWriteTokens
	t.CacheReadTokens += other.CacheReadTokens
}
