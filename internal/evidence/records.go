package evidence

import (
	"fmt"

	"docpipe/internal/pipeline"
	"docpipe/internal/store"
)

// Record returns a persisted decision record.
func (e *Evaluator) Record(id string) (store.PromotionRecord, error) {
	return e.store.PromotionRecord(id)
}

// Records lists a project's decision records, oldest first. An empty status
// returns every record.
func (e *Evaluator) Records(project string, status pipeline.DecisionStatus) ([]store.PromotionRecord, error) {
	return e.store.PromotionRecords(project, status)
}

// VerifyRecord recomputes the evidence hash of a stored record and reports
// whether it still matches what was recorded.
func VerifyRecord(rec store.PromotionRecord) (bool, error) {
	bundle, err := DecodeBundle(rec.EvidenceJSON)
	if err != nil {
		return false, err
	}
	hash, _, err := Hash(bundle)
	if err != nil {
		return false, fmt.Errorf("failed to rehash record %s: %w", rec.ID, err)
	}
	return hash == rec.EvidenceHash, nil
}
