package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
)

// =============================================================================
// BLUEPRINT CLAIMS
// =============================================================================

// Claim is a durable governance statement.
type Claim struct {
	ID                int64                   `json:"id"`
	Project           string                  `json:"project"`
	Text              string                  `json:"text"`
	Classification    pipeline.Classification `json:"classification"`
	Status            pipeline.ClaimStatus    `json:"status"`
	Origin            pipeline.Origin         `json:"origin"`
	SourceSession     string                  `json:"source_session"`
	SourceStages      []pipeline.Stage        `json:"source_stages"`
	PromotionRecordID *string                 `json:"promotion_record_id,omitempty"`
	SupersededBy      *int64                  `json:"superseded_by,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// LifecycleEvent is one append-only audit row of a claim.
type LifecycleEvent struct {
	ID                 int64                `json:"id"`
	ClaimID            int64                `json:"claim_id"`
	OldStatus          pipeline.ClaimStatus `json:"old_status"`
	NewStatus          pipeline.ClaimStatus `json:"new_status"`
	Reason             string               `json:"reason"`
	Actor              string               `json:"actor"`
	SupersedingClaimID *int64               `json:"superseding_claim_id,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

const claimSelect = `SELECT c.id, p.name, c.claim_text, c.classification, c.status, c.origin,
	c.source_session, c.source_stages, c.promotion_record_id, c.superseded_by, c.created_at, c.updated_at
	FROM blueprint_claims c
	JOIN projects p ON p.id = c.project_id`

func scanClaim(row rowScanner) (Claim, error) {
	var c Claim
	var class, status, origin, stages, created, updated string
	var recordID sql.NullString
	var supersededBy sql.NullInt64
	if err := row.Scan(&c.ID, &c.Project, &c.Text, &class, &status, &origin,
		&c.SourceSession, &stages, &recordID, &supersededBy, &created, &updated); err != nil {
		return Claim{}, err
	}
	c.Classification = pipeline.Classification(class)
	c.Status = pipeline.ClaimStatus(status)
	c.Origin = pipeline.Origin(origin)
	if err := json.Unmarshal([]byte(stages), &c.SourceStages); err != nil {
		return Claim{}, fmt.Errorf("corrupt source_stages for claim %d: %w", c.ID, err)
	}
	if recordID.Valid {
		v := recordID.String
		c.PromotionRecordID = &v
	}
	if supersededBy.Valid {
		v := supersededBy.Int64
		c.SupersededBy = &v
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

func claimByID(q dbtx, id int64) (Claim, error) {
	c, err := scanClaim(q.QueryRow(claimSelect+" WHERE c.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, fmt.Errorf("%w: claim %d", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return Claim{}, fmt.Errorf("failed to load claim: %w", err)
	}
	return c, nil
}

// Claim loads a claim by id.
func (s *Store) Claim(id int64) (Claim, error) {
	var out Claim
	err := s.read(func(q dbtx) error {
		c, err := claimByID(q, id)
		out = c
		return err
	})
	return out, err
}

// Claim loads a claim inside the transaction.
func (t *Tx) Claim(id int64) (Claim, error) {
	return claimByID(t.tx, id)
}

// ClaimByText returns the claim with exactly this text, or pipeline.ErrNotFound.
func (t *Tx) ClaimByText(project, text string) (Claim, error) {
	c, err := scanClaim(t.tx.QueryRow(claimSelect+" WHERE p.name = ? AND c.claim_text = ?", project, text))
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, fmt.Errorf("%w: claim %q", pipeline.ErrNotFound, text)
	}
	if err != nil {
		return Claim{}, fmt.Errorf("failed to load claim: %w", err)
	}
	return c, nil
}

// Claims lists a project's claims in creation order. An empty status lists all.
func (s *Store) Claims(project string, status pipeline.ClaimStatus) ([]Claim, error) {
	query := claimSelect + " WHERE p.name = ?"
	args := []interface{}{project}
	if status != "" {
		query += " AND c.status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY c.id ASC"

	var out []Claim
	err := s.read(func(q dbtx) error {
		rows, err := q.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to list claims: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanClaim(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// InsertClaim creates a claim row. ID, CreatedAt and UpdatedAt are assigned.
func (t *Tx) InsertClaim(c Claim) (Claim, error) {
	now := formatTime(t.Now())
	projectID, err := ensureProject(t.tx, c.Project, now)
	if err != nil {
		return Claim{}, err
	}
	stages := c.SourceStages
	if stages == nil {
		stages = []pipeline.Stage{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return Claim{}, fmt.Errorf("failed to marshal source stages: %w", err)
	}

	res, err := t.tx.Exec(
		`INSERT INTO blueprint_claims (project_id, claim_text, classification, status, origin, source_session,
			source_stages, promotion_record_id, superseded_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		projectID, c.Text, string(c.Classification), string(c.Status), string(c.Origin), c.SourceSession,
		string(stagesJSON), c.PromotionRecordID, now, now,
	)
	if err != nil {
		logging.StoreError("Failed to insert claim: %v", err)
		return Claim{}, fmt.Errorf("failed to insert claim: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Claim{}, fmt.Errorf("failed to read claim id: %w", err)
	}
	return claimByID(t.tx, id)
}

// UpdateClaimStatus moves a claim to a new status. The schema trigger rejects
// any change away from a terminal status.
func (t *Tx) UpdateClaimStatus(id int64, status pipeline.ClaimStatus, supersededBy *int64) error {
	res, err := t.tx.Exec(
		"UPDATE blueprint_claims SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ?",
		string(status), supersededBy, formatTime(t.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update claim status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: claim %d", pipeline.ErrNotFound, id)
	}
	return nil
}

// UpdateClaimConvergence refreshes an active claim from a newer promotion.
func (t *Tx) UpdateClaimConvergence(id int64, class pipeline.Classification, recordID string) error {
	_, err := t.tx.Exec(
		`UPDATE blueprint_claims SET classification = ?, origin = ?, promotion_record_id = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		string(class), string(pipeline.OriginConverged), recordID, formatTime(t.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update claim: %w", err)
	}
	return nil
}

// =============================================================================
// LIFECYCLE EVENTS
// =============================================================================

// AppendEvent writes one lifecycle event. ID and CreatedAt are assigned.
func (t *Tx) AppendEvent(e LifecycleEvent) (LifecycleEvent, error) {
	now := t.Now()
	res, err := t.tx.Exec(
		`INSERT INTO claim_lifecycle_events (claim_id, old_status, new_status, reason, actor, superseding_claim_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ClaimID, string(e.OldStatus), string(e.NewStatus), e.Reason, e.Actor, e.SupersedingClaimID, formatTime(now),
	)
	if err != nil {
		logging.StoreError("Failed to append lifecycle event: %v", err)
		return LifecycleEvent{}, fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return LifecycleEvent{}, fmt.Errorf("failed to read event id: %w", err)
	}
	e.CreatedAt = parseTime(formatTime(now))
	return e, nil
}

const eventSelect = `SELECT e.id, e.claim_id, e.old_status, e.new_status, e.reason, e.actor,
	e.superseding_claim_id, e.created_at FROM claim_lifecycle_events e`

func scanEvents(rows *sql.Rows) ([]LifecycleEvent, error) {
	defer rows.Close()
	var out []LifecycleEvent
	for rows.Next() {
		var e LifecycleEvent
		var oldStatus, newStatus, created string
		var superseding sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ClaimID, &oldStatus, &newStatus, &e.Reason, &e.Actor, &superseding, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.OldStatus = pipeline.ClaimStatus(oldStatus)
		e.NewStatus = pipeline.ClaimStatus(newStatus)
		if superseding.Valid {
			v := superseding.Int64
			e.SupersedingClaimID = &v
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Events returns a claim's lifecycle events, newest first.
func (s *Store) Events(claimID int64) ([]LifecycleEvent, error) {
	var out []LifecycleEvent
	err := s.read(func(q dbtx) error {
		rows, err := q.Query(eventSelect+" WHERE e.claim_id = ? ORDER BY e.id DESC", claimID)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		list, err := scanEvents(rows)
		out = list
		return err
	})
	return out, err
}

// ProjectEvents returns the most recent lifecycle events across a project's
// claims, newest first. limit <= 0 returns all.
func (s *Store) ProjectEvents(project string, limit int) ([]LifecycleEvent, error) {
	query := eventSelect + `
		JOIN blueprint_claims c ON c.id = e.claim_id
		JOIN projects p ON p.id = c.project_id
		WHERE p.name = ? ORDER BY e.id DESC`
	args := []interface{}{project}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var out []LifecycleEvent
	err := s.read(func(q dbtx) error {
		rows, err := q.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to list project events: %w", err)
		}
		list, err := scanEvents(rows)
		out = list
		return err
	})
	return out, err
}
