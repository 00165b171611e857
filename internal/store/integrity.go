package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docpipe/internal/pipeline"
)

// =============================================================================
// DOCUMENT INTEGRITY
// =============================================================================

// IntegrityAction is what happened to a governing document hash.
type IntegrityAction string

const (
	ActionWarn     IntegrityAction = "warn"
	ActionAccept   IntegrityAction = "accept"
	ActionBaseline IntegrityAction = "baseline"
)

// IntegrityRecord is the hash-at-rest of a project's governing document.
type IntegrityRecord struct {
	Project      string    `json:"project"`
	DocumentHash string    `json:"document_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IntegrityEvent is one append-only entry of the tamper log.
type IntegrityEvent struct {
	ID           int64           `json:"id"`
	Project      string          `json:"project"`
	ExpectedHash string          `json:"expected_hash"`
	ActualHash   string          `json:"actual_hash"`
	Action       IntegrityAction `json:"action"`
	Actor        string          `json:"actor"`
	CreatedAt    time.Time       `json:"created_at"`
}

func integrityRecord(q dbtx, project string) (IntegrityRecord, error) {
	var rec IntegrityRecord
	var updated string
	err := q.QueryRow(
		`SELECT p.name, i.document_hash, i.updated_at FROM blueprint_integrity i
		 JOIN projects p ON p.id = i.project_id WHERE p.name = ?`, project,
	).Scan(&rec.Project, &rec.DocumentHash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return IntegrityRecord{}, fmt.Errorf("%w: no integrity baseline for %s", pipeline.ErrNotFound, project)
	}
	if err != nil {
		return IntegrityRecord{}, fmt.Errorf("failed to load integrity record: %w", err)
	}
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

// IntegrityRecord returns the stored document hash or pipeline.ErrNotFound.
func (s *Store) IntegrityRecord(project string) (IntegrityRecord, error) {
	var out IntegrityRecord
	err := s.read(func(q dbtx) error {
		r, err := integrityRecord(q, project)
		out = r
		return err
	})
	return out, err
}

// IntegrityRecord reads the stored hash inside the transaction.
func (t *Tx) IntegrityRecord(project string) (IntegrityRecord, error) {
	return integrityRecord(t.tx, project)
}

// SetDocumentHash stores hash as the project's accepted document hash.
func (t *Tx) SetDocumentHash(project, hash string) error {
	now := formatTime(t.Now())
	projectID, err := ensureProject(t.tx, project, now)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(
		`INSERT INTO blueprint_integrity (project_id, document_hash, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET document_hash = excluded.document_hash, updated_at = excluded.updated_at`,
		projectID, hash, now,
	); err != nil {
		return fmt.Errorf("failed to store document hash: %w", err)
	}
	return nil
}

// AppendIntegrityEvent writes one tamper-log entry.
func (t *Tx) AppendIntegrityEvent(e IntegrityEvent) (IntegrityEvent, error) {
	now := t.Now()
	projectID, err := ensureProject(t.tx, e.Project, formatTime(now))
	if err != nil {
		return IntegrityEvent{}, err
	}
	res, err := t.tx.Exec(
		`INSERT INTO integrity_events (project_id, expected_hash, actual_hash, action, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, e.ExpectedHash, e.ActualHash, string(e.Action), e.Actor, formatTime(now),
	)
	if err != nil {
		return IntegrityEvent{}, fmt.Errorf("failed to append integrity event: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return IntegrityEvent{}, fmt.Errorf("failed to read integrity event id: %w", err)
	}
	e.CreatedAt = parseTime(formatTime(now))
	return e, nil
}

const integrityEventSelect = `SELECT e.id, p.name, e.expected_hash, e.actual_hash, e.action, e.actor, e.created_at
	FROM integrity_events e JOIN projects p ON p.id = e.project_id WHERE p.name = ?`

func integrityEvents(q dbtx, project string, limit int) ([]IntegrityEvent, error) {
	query := integrityEventSelect + " ORDER BY e.id DESC"
	args := []interface{}{project}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrity events: %w", err)
	}
	defer rows.Close()

	var out []IntegrityEvent
	for rows.Next() {
		var e IntegrityEvent
		var action, created string
		if err := rows.Scan(&e.ID, &e.Project, &e.ExpectedHash, &e.ActualHash, &action, &e.Actor, &created); err != nil {
			return nil, fmt.Errorf("failed to scan integrity event: %w", err)
		}
		e.Action = IntegrityAction(action)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// IntegrityEvents returns a project's tamper log, newest first.
func (s *Store) IntegrityEvents(project string) ([]IntegrityEvent, error) {
	var out []IntegrityEvent
	err := s.read(func(q dbtx) error {
		list, err := integrityEvents(q, project, 0)
		out = list
		return err
	})
	return out, err
}

// LatestIntegrityEvent returns the newest tamper-log entry, or
// pipeline.ErrNotFound when the log is empty.
func (t *Tx) LatestIntegrityEvent(project string) (IntegrityEvent, error) {
	list, err := integrityEvents(t.tx, project, 1)
	if err != nil {
		return IntegrityEvent{}, err
	}
	if len(list) == 0 {
		return IntegrityEvent{}, fmt.Errorf("%w: no integrity events for %s", pipeline.ErrNotFound, project)
	}
	return list[0], nil
}
