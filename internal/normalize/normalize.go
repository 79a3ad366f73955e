// Package normalize coerces raw provider text into the fixed answer schema.
// Responses arrive as bare JSON, fenced JSON, or JSON buried in prose;
// everything unparseable becomes an ERROR-valued record rather than an error.
package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/evidence-cli/internal/model"
)

const noteSnippetLen = 160

// Response parses raw provider text into a NormalizedAnswer. It never
// returns an error: parse failures produce the ERROR sentinel. An absent
// answer is ERROR (there is no missing state for it); absent
// evidence_quality/discrepancy default to Missing; present-but-invalid
// values become ERROR, never passed through.
func Response(raw string) model.NormalizedAnswer {
	cleaned := CleanJSON(raw)
	if cleaned == "" {
		return model.ErrorAnswer("empty response")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return model.ErrorAnswer("unparseable response: " + snippet(raw))
	}

	out := model.NormalizedAnswer{
		Answer:          model.AnswerError,
		EvidenceQuality: model.QualityMissing,
		Discrepancy:     model.DiscrepancyMissing,
	}

	if s, ok := Field(payload, "answer"); ok {
		if a, valid := model.ParseAnswer(nfkc(s)); valid {
			out.Answer = a
		}
	}
	if s, ok := Field(payload, "evidence-quality", "evidence_quality"); ok {
		if q, valid := model.ParseQuality(nfkc(s)); valid {
			out.EvidenceQuality = q
		} else {
			out.EvidenceQuality = model.QualityError
		}
	}
	if s, ok := Field(payload, "discrepancy"); ok {
		if d, valid := model.ParseDiscrepancy(nfkc(s)); valid {
			out.Discrepancy = d
		} else {
			out.Discrepancy = model.DiscrepancyError
		}
	}
	if s, ok := Field(payload, "notes"); ok {
		out.Notes = s
	}

	return out
}

// EntryList extracts a list of JSON objects from raw text. Generation
// models return a JSON array, a single object, or an object wrapping a
// list under some key; all three shapes are accepted. Non-object list
// elements are skipped.
func EntryList(raw string) ([]map[string]any, error) {
	text := StripFences(raw)

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		v = reparse(text)
		if v == nil {
			return nil, eris.New("normalize: no JSON payload found")
		}
	}

	switch t := v.(type) {
	case []any:
		return objectsOf(t), nil
	case map[string]any:
		// Wrapper object: the first object-bearing (or empty) list value,
		// scanned in sorted key order so extraction is deterministic,
		// holds the entries. Scalar lists are incidental fields.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			list, ok := t[k].([]any)
			if !ok {
				continue
			}
			objs := objectsOf(list)
			if len(objs) > 0 || len(list) == 0 {
				return objs, nil
			}
		}
		return []map[string]any{t}, nil
	default:
		return nil, eris.New("normalize: payload is not an object or array")
	}
}

// Field returns the first present key's value as a string. JSON null
// counts as absent; other non-string values are stringified so the
// closed-set check can reject them.
func Field(entry map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := entry[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr {
			return s, true
		}
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}

// CleanJSON extracts a JSON object from text that may contain markdown
// code fences or surrounding prose.
func CleanJSON(text string) string {
	text = StripFences(text)

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// StripFences removes a wrapping markdown code fence, if any.
func StripFences(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	return strings.TrimSpace(text)
}

// reparse retries extraction on text whose whole body is not valid JSON:
// first the outermost array, then the outermost object.
func reparse(text string) any {
	for _, pair := range [][2]string{{"[", "]"}, {"{", "}"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start < 0 || end <= start {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err == nil {
			return v
		}
	}
	return nil
}

func objectsOf(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func nfkc(s string) string {
	return norm.NFKC.String(s)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > noteSnippetLen {
		return s[:noteSnippetLen] + "..."
	}
	return s
}
