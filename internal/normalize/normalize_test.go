package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
)

func TestResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want model.NormalizedAnswer
	}{
		{
			name: "bare JSON",
			raw:  `{"answer": "Yes", "evidence-quality": "High", "discrepancy": "No", "notes": "RCT, n=1200"}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerYes,
				EvidenceQuality: model.QualityHigh,
				Discrepancy:     model.DiscrepancyNo,
				Notes:           "RCT, n=1200",
			},
		},
		{
			name: "json fence",
			raw:  "```json\n{\"answer\": \"No\", \"evidence-quality\": \"Moderate\", \"discrepancy\": \"Yes\"}\n```",
			want: model.NormalizedAnswer{
				Answer:          model.AnswerNo,
				EvidenceQuality: model.QualityModerate,
				Discrepancy:     model.DiscrepancyYes,
			},
		},
		{
			name: "plain fence",
			raw:  "```\n{\"answer\": \"No Evidence\"}\n```",
			want: model.NormalizedAnswer{
				Answer:          model.AnswerNoEvidence,
				EvidenceQuality: model.QualityMissing,
				Discrepancy:     model.DiscrepancyMissing,
			},
		},
		{
			name: "prose around the object",
			raw:  "Based on the abstract, here is my assessment:\n{\"answer\": \"Yes\", \"evidence-quality\": \"Low\"}\nLet me know if you need more detail.",
			want: model.NormalizedAnswer{
				Answer:          model.AnswerYes,
				EvidenceQuality: model.QualityLow,
				Discrepancy:     model.DiscrepancyMissing,
			},
		},
		{
			name: "underscore key variant",
			raw:  `{"answer": "Yes", "evidence_quality": "Very Low"}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerYes,
				EvidenceQuality: model.QualityVeryLow,
				Discrepancy:     model.DiscrepancyMissing,
			},
		},
		{
			name: "absent answer is ERROR not missing",
			raw:  `{"evidence-quality": "High", "discrepancy": "No"}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerError,
				EvidenceQuality: model.QualityHigh,
				Discrepancy:     model.DiscrepancyNo,
			},
		},
		{
			name: "invalid values become ERROR",
			raw:  `{"answer": "Maybe", "evidence-quality": "Excellent", "discrepancy": "Possibly"}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerError,
				EvidenceQuality: model.QualityError,
				Discrepancy:     model.DiscrepancyError,
			},
		},
		{
			name: "loose spellings canonicalized",
			raw:  `{"answer": "not enough evidence.", "evidence-quality": "  VERY   LOW ", "discrepancy": "NO"}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerNoEvidence,
				EvidenceQuality: model.QualityVeryLow,
				Discrepancy:     model.DiscrepancyNo,
			},
		},
		{
			name: "fullwidth unicode folded before matching",
			raw:  `{"answer": "Ｙｅｓ", "evidence-quality": "Ｈｉｇｈ"}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerYes,
				EvidenceQuality: model.QualityHigh,
				Discrepancy:     model.DiscrepancyMissing,
			},
		},
		{
			name: "null quality treated as absent",
			raw:  `{"answer": "Yes", "evidence-quality": null, "discrepancy": null}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerYes,
				EvidenceQuality: model.QualityMissing,
				Discrepancy:     model.DiscrepancyMissing,
			},
		},
		{
			name: "numeric quality is present but invalid",
			raw:  `{"answer": "Yes", "evidence-quality": 5}`,
			want: model.NormalizedAnswer{
				Answer:          model.AnswerYes,
				EvidenceQuality: model.QualityError,
				Discrepancy:     model.DiscrepancyMissing,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Response(tt.raw))
		})
	}
}

func TestResponse_NonJSON(t *testing.T) {
	for _, raw := range []string{
		"",
		"   \n  ",
		"I cannot answer this question.",
		"{broken json",
	} {
		got := Response(raw)
		assert.Equal(t, model.AnswerError, got.Answer, "raw=%q", raw)
		assert.Equal(t, model.QualityError, got.EvidenceQuality, "raw=%q", raw)
		assert.Equal(t, model.DiscrepancyError, got.Discrepancy, "raw=%q", raw)
	}
}

func TestResponse_LongGarbageTruncatedInNotes(t *testing.T) {
	raw := "x"
	for len(raw) < 500 {
		raw += "x"
	}
	got := Response(raw)
	assert.Equal(t, model.AnswerError, got.Answer)
	assert.Less(t, len(got.Notes), 220)
}

// A well-formed schema object serialized back to text must normalize to
// the identical object.
func TestResponse_RoundTrip(t *testing.T) {
	for _, orig := range []model.NormalizedAnswer{
		{
			Answer:          model.AnswerYes,
			EvidenceQuality: model.QualityModerate,
			Discrepancy:     model.DiscrepancyNo,
			Notes:           "meta-analysis of 12 trials",
		},
		{
			Answer:          model.AnswerError,
			EvidenceQuality: model.QualityError,
			Discrepancy:     model.DiscrepancyError,
			Notes:           "unparseable response: garbage",
		},
	} {
		data, err := json.Marshal(orig)
		require.NoError(t, err)
		assert.Equal(t, orig, Response(string(data)))
	}
}

func TestEntryList(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantLen  int
		wantErr  bool
		firstDOI string
	}{
		{
			name:     "array",
			raw:      `[{"doi": "10.1/a", "question": "Q1?"}, {"doi": "10.1/a", "question": "Q2?"}]`,
			wantLen:  2,
			firstDOI: "10.1/a",
		},
		{
			name:     "single object wrapped in list",
			raw:      `{"doi": "10.1/b", "question": "Q1?"}`,
			wantLen:  1,
			firstDOI: "10.1/b",
		},
		{
			name:     "wrapper key",
			raw:      `{"questions": [{"doi": "10.1/c", "question": "Q1?"}]}`,
			wantLen:  1,
			firstDOI: "10.1/c",
		},
		{
			name:    "wrapper key with empty list",
			raw:     `{"questions": []}`,
			wantLen: 0,
		},
		{
			name:    "empty array",
			raw:     `[]`,
			wantLen: 0,
		},
		{
			name:     "fenced array",
			raw:      "```json\n[{\"doi\": \"10.1/d\", \"question\": \"Q1?\"}]\n```",
			wantLen:  1,
			firstDOI: "10.1/d",
		},
		{
			name:     "prose around array",
			raw:      "Here are the generated questions:\n[{\"doi\": \"10.1/e\", \"question\": \"Q1?\"}]\nDone.",
			wantLen:  1,
			firstDOI: "10.1/e",
		},
		{
			name:     "scalar list is not the entry list",
			raw:      `{"doi": "10.1/f", "question": "Q1?", "keywords": ["statin", "ldl"]}`,
			wantLen:  1,
			firstDOI: "10.1/f",
		},
		{
			name:    "mixed list keeps only objects",
			raw:     `[{"doi": "10.1/g"}, "stray", 42]`,
			wantLen: 1,
		},
		{
			name:    "non-JSON",
			raw:     "no structured output here",
			wantErr: true,
		},
		{
			name:    "scalar payload",
			raw:     `"just a string"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := EntryList(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, entries, tt.wantLen)
			if tt.firstDOI != "" {
				doi, ok := Field(entries[0], "doi")
				require.True(t, ok)
				assert.Equal(t, tt.firstDOI, doi)
			}
		})
	}
}

func TestField(t *testing.T) {
	entry := map[string]any{
		"answer":  "Yes",
		"count":   3.0,
		"flagged": true,
		"empty":   nil,
	}

	v, ok := Field(entry, "answer")
	assert.True(t, ok)
	assert.Equal(t, "Yes", v)

	v, ok = Field(entry, "missing", "answer")
	assert.True(t, ok)
	assert.Equal(t, "Yes", v)

	v, ok = Field(entry, "count")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	v, ok = Field(entry, "flagged")
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok = Field(entry, "empty")
	assert.False(t, ok)

	_, ok = Field(entry, "nope")
	assert.False(t, ok)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare JSON",
			input:    `{"key": "value"}`,
			expected: `{"key": "value"}`,
		},
		{
			name:     "markdown json fence",
			input:    "```json\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "markdown plain fence",
			input:    "```\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "text before JSON",
			input:    "Here is the result:\n{\"key\": \"value\"}",
			expected: `{"key": "value"}`,
		},
		{
			name:     "no JSON",
			input:    "no json here",
			expected: "no json here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSON(tt.input))
		})
	}
}
