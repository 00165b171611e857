package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"

	"github.com/google/uuid"
)

// =============================================================================
// PROMOTION CANDIDATES AND RECORDS
// =============================================================================

// CandidateSource pins one evaluated artifact at the content hash it had.
type CandidateSource struct {
	ArtifactID  string `json:"artifact_id"`
	ContentHash string `json:"content_hash"`
}

// NewPromotion is everything needed to persist one evaluation.
type NewPromotion struct {
	Project        string
	ClaimText      string
	Classification pipeline.Classification
	Status         pipeline.DecisionStatus
	FailedChecks   []string
	EvidenceJSON   string
	EvidenceHash   string
	Sources        []CandidateSource
}

// PromotionRecord is the immutable outcome of one evaluation.
type PromotionRecord struct {
	ID             string                  `json:"id"`
	Project        string                  `json:"project"`
	CandidateID    string                  `json:"candidate_id"`
	ClaimText      string                  `json:"claim_text"`
	Classification pipeline.Classification `json:"classification"`
	Status         pipeline.DecisionStatus `json:"status"`
	FailedChecks   []string                `json:"failed_checks"`
	EvidenceJSON   string                  `json:"evidence_json"`
	EvidenceHash   string                  `json:"evidence_hash"`
	CreatedAt      time.Time               `json:"created_at"`
}

// InsertPromotion writes a candidate, its sources and the decision record.
// Every call creates new rows; records are never updated.
func (t *Tx) InsertPromotion(p NewPromotion) (PromotionRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "InsertPromotion")
	defer timer.Stop()

	if p.Status != pipeline.DecisionAllow && p.Status != pipeline.DecisionDeny {
		return PromotionRecord{}, fmt.Errorf("%w: unknown decision %q", pipeline.ErrValidation, p.Status)
	}

	now := t.Now()
	projectID, err := ensureProject(t.tx, p.Project, formatTime(now))
	if err != nil {
		return PromotionRecord{}, err
	}

	failed := p.FailedChecks
	if failed == nil {
		failed = []string{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return PromotionRecord{}, fmt.Errorf("failed to marshal failed checks: %w", err)
	}

	candidateID := uuid.NewString()
	if _, err := t.tx.Exec(
		`INSERT INTO promotion_candidates (id, project_id, claim_text, classification, evidence_json, evidence_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		candidateID, projectID, p.ClaimText, string(p.Classification), p.EvidenceJSON, p.EvidenceHash, formatTime(now),
	); err != nil {
		return PromotionRecord{}, fmt.Errorf("failed to insert promotion candidate: %w", err)
	}

	for _, src := range p.Sources {
		if _, err := t.tx.Exec(
			`INSERT INTO promotion_candidate_sources (candidate_id, artifact_id, content_hash) VALUES (?, ?, ?)
			 ON CONFLICT(candidate_id, artifact_id) DO NOTHING`,
			candidateID, src.ArtifactID, src.ContentHash,
		); err != nil {
			return PromotionRecord{}, fmt.Errorf("failed to insert candidate source: %w", err)
		}
	}

	rec := PromotionRecord{
		ID:             uuid.NewString(),
		Project:        p.Project,
		CandidateID:    candidateID,
		ClaimText:      p.ClaimText,
		Classification: p.Classification,
		Status:         p.Status,
		FailedChecks:   failed,
		EvidenceJSON:   p.EvidenceJSON,
		EvidenceHash:   p.EvidenceHash,
		CreatedAt:      parseTime(formatTime(now)),
	}
	if _, err := t.tx.Exec(
		`INSERT INTO promotion_records (id, project_id, candidate_id, claim_text, classification, decision, failed_checks, evidence_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, projectID, candidateID, rec.ClaimText, string(rec.Classification), string(rec.Status),
		string(failedJSON), rec.EvidenceHash, formatTime(now),
	); err != nil {
		logging.StoreError("Failed to insert promotion record: %v", err)
		return PromotionRecord{}, fmt.Errorf("failed to insert promotion record: %w", err)
	}

	logging.StoreDebug("Recorded promotion %s (%s, %d sources)", rec.ID, rec.Status, len(p.Sources))
	return rec, nil
}

const recordSelect = `SELECT r.id, p.name, r.candidate_id, r.claim_text, r.classification, r.decision,
	r.failed_checks, c.evidence_json, r.evidence_hash, r.created_at
	FROM promotion_records r
	JOIN projects p ON p.id = r.project_id
	JOIN promotion_candidates c ON c.id = r.candidate_id`

func scanRecord(row rowScanner) (PromotionRecord, error) {
	var r PromotionRecord
	var class, decision, failed, created string
	if err := row.Scan(&r.ID, &r.Project, &r.CandidateID, &r.ClaimText, &class, &decision,
		&failed, &r.EvidenceJSON, &r.EvidenceHash, &created); err != nil {
		return PromotionRecord{}, err
	}
	r.Classification = pipeline.Classification(class)
	r.Status = pipeline.DecisionStatus(decision)
	r.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(failed), &r.FailedChecks); err != nil {
		return PromotionRecord{}, fmt.Errorf("corrupt failed_checks for record %s: %w", r.ID, err)
	}
	return r, nil
}

func promotionRecord(q dbtx, id string) (PromotionRecord, error) {
	r, err := scanRecord(q.QueryRow(recordSelect+" WHERE r.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return PromotionRecord{}, fmt.Errorf("%w: promotion record %s", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return PromotionRecord{}, fmt.Errorf("failed to load promotion record: %w", err)
	}
	return r, nil
}

// PromotionRecord loads a record by id.
func (s *Store) PromotionRecord(id string) (PromotionRecord, error) {
	var out PromotionRecord
	err := s.read(func(q dbtx) error {
		r, err := promotionRecord(q, id)
		out = r
		return err
	})
	return out, err
}

// PromotionRecord loads a record inside the transaction.
func (t *Tx) PromotionRecord(id string) (PromotionRecord, error) {
	return promotionRecord(t.tx, id)
}

// PromotionRecords lists a project's records, oldest first. An empty status
// returns both ALLOW and DENY.
func (s *Store) PromotionRecords(project string, status pipeline.DecisionStatus) ([]PromotionRecord, error) {
	query := recordSelect + " WHERE p.name = ?"
	args := []interface{}{project}
	if status != "" {
		query += " AND r.decision = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY r.created_at ASC, r.rowid ASC"

	var out []PromotionRecord
	err := s.read(func(q dbtx) error {
		rows, err := q.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to list promotion records: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// CandidateSources returns the pinned sources of a promotion candidate.
func (s *Store) CandidateSources(candidateID string) ([]CandidateSource, error) {
	var out []CandidateSource
	err := s.read(func(q dbtx) error {
		rows, err := q.Query(
			"SELECT artifact_id, content_hash FROM promotion_candidate_sources WHERE candidate_id = ? ORDER BY artifact_id",
			candidateID,
		)
		if err != nil {
			return fmt.Errorf("failed to list candidate sources: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var src CandidateSource
			if err := rows.Scan(&src.ArtifactID, &src.ContentHash); err != nil {
				return err
			}
			out = append(out, src)
		}
		return rows.Err()
	})
	return out, err
}
