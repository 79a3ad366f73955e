// Package merge joins normalized model answers to ground truth, producing
// one merged record per evaluated item. Rows never drop: an item whose
// ground truth cannot be located still yields a record with null
// ground-truth fields.
package merge

import (
	"github.com/sells-group/evidence-cli/internal/dataset"
	"github.com/sells-group/evidence-cli/internal/model"
)

// Record builds the merged row for one live-evaluated item. Failure statuses
// pass through untouched; an ok item without ground truth is downgraded to
// missing_ground_truth.
func Record(item model.QuestionItem, ans model.NormalizedAnswer, status, errMsg string) model.EvalRecord {
	rec := model.EvalRecord{
		ID:                   item.Identifier,
		DOI:                  item.DOI,
		Question:             item.Question,
		ModelAnswer:          ans.Answer,
		ModelEvidenceQuality: ans.EvidenceQuality,
		ModelDiscrepancy:     ans.Discrepancy,
		ModelNotes:           ans.Notes,
		Status:               status,
		Error:                errMsg,
	}
	rec.SetGroundTruth(item.GroundTruth)
	if item.GroundTruth == nil && status == model.StatusOK {
		rec.Status = model.StatusMissingGT
	}
	return rec
}

// Prediction is one parsed batch result before ground truth is attached.
// Key is the identifier recovered from the custom id.
type Prediction struct {
	Key      string
	CustomID string
	Status   string
	Error    string
	Answer   model.NormalizedAnswer
}

// FromPrediction joins a batch prediction to ground truth through the index.
// The key is tried as an identifier first, then as a DOI. A miss keeps the
// row with null ground truth; only clean responses get their status rewritten
// to missing_ground_truth so request failures stay visible.
func FromPrediction(idx *dataset.Index, p Prediction) model.EvalRecord {
	rec := model.EvalRecord{
		ModelAnswer:          p.Answer.Answer,
		ModelEvidenceQuality: p.Answer.EvidenceQuality,
		ModelDiscrepancy:     p.Answer.Discrepancy,
		ModelNotes:           p.Answer.Notes,
		Status:               p.Status,
		Error:                p.Error,
		CustomID:             p.CustomID,
	}

	item := idx.Lookup(p.Key, p.Key)
	if item == nil {
		if p.Error == "" {
			rec.Status = model.StatusMissingGT
		}
		return rec
	}

	rec.ID = item.Identifier
	rec.DOI = item.DOI
	rec.Question = item.Question
	rec.SetGroundTruth(item.GroundTruth)
	return rec
}

// Accuracy tallies agreement over pairs where both answers are determinate.
func Accuracy(records map[string]model.EvalRecord) (correct, comparable int) {
	for _, rec := range records {
		ok, cmp := rec.Correct()
		if !cmp {
			continue
		}
		comparable++
		if ok {
			correct++
		}
	}
	return correct, comparable
}
