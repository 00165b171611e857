package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/textsim"
)

// =============================================================================
// ARTIFACTS
// =============================================================================

// Artifact is the stored content of one (project, session, stage) slot.
type Artifact struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Session     string         `json:"session"`
	Stage       pipeline.Stage `json:"stage"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	Fingerprint string         `json:"fingerprint"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Ref returns the session:stage reference of the artifact.
func (a Artifact) Ref() pipeline.ArtifactRef {
	return pipeline.ArtifactRef{Session: a.Session, Stage: a.Stage}
}

// ArtifactFilter narrows List. Zero fields match everything.
type ArtifactFilter struct {
	Session string
	Stage   pipeline.Stage
}

// Reader is the read surface shared by *Store and *Tx.
type Reader interface {
	Load(project, session string, stage pipeline.Stage) (Artifact, error)
	List(project string, filter ArtifactFilter) ([]Artifact, error)
	FindByMarker(project string, stage pipeline.Stage, substring string) ([]Artifact, error)
	LinkedFeedback(project string, artifactIDs []string) ([]Artifact, error)
}

var (
	_ Reader = (*Store)(nil)
	_ Reader = (*Tx)(nil)
)

const artifactColumns = `a.id, p.name, s.name, a.stage, a.content, a.content_hash, a.fingerprint, a.created_at, a.updated_at`

const artifactFrom = ` FROM artifacts a
	JOIN projects p ON p.id = a.project_id
	JOIN sessions s ON s.id = a.session_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	var stage, created, updated string
	if err := row.Scan(&a.ID, &a.Project, &a.Session, &stage, &a.Content, &a.ContentHash, &a.Fingerprint, &created, &updated); err != nil {
		return Artifact{}, err
	}
	a.Stage = pipeline.Stage(stage)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func scanArtifacts(rows *sql.Rows) ([]Artifact, error) {
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Save upserts the artifact for (project, session, stage). The content hash and
// fingerprint are recomputed on every write; created_at is kept from the first.
func (s *Store) Save(project, session string, stage pipeline.Stage, content string) (Artifact, error) {
	var out Artifact
	err := s.WithTx(func(tx *Tx) error {
		a, err := tx.Save(project, session, stage, content)
		out = a
		return err
	})
	return out, err
}

// Save upserts an artifact inside the transaction.
func (t *Tx) Save(project, session string, stage pipeline.Stage, content string) (Artifact, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Save")
	defer timer.Stop()

	project = strings.TrimSpace(project)
	session = strings.TrimSpace(session)
	if err := pipeline.ValidateName("project", project); err != nil {
		return Artifact{}, err
	}
	if err := pipeline.ValidateName("session", session); err != nil {
		return Artifact{}, err
	}
	if !stage.Valid() || !t.s.policy.AllowsStage(stage) {
		return Artifact{}, fmt.Errorf("%w: %q", pipeline.ErrInvalidStage, stage)
	}

	now := formatTime(t.Now())
	projectID, err := ensureProject(t.tx, project, now)
	if err != nil {
		return Artifact{}, err
	}
	sessionID, err := ensureSession(t.tx, projectID, session, now)
	if err != nil {
		return Artifact{}, err
	}

	id := pipeline.ArtifactID(project, session, stage)
	hash := textsim.ContentHash(content)
	fp := textsim.Fingerprint(content)

	var existing string
	err = t.tx.QueryRow("SELECT id FROM artifacts WHERE id = ?", id).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = t.tx.Exec(
			`INSERT INTO artifacts (id, project_id, session_id, stage, stage_rank, content, content_hash, fingerprint, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, projectID, sessionID, string(stage), stage.Rank(), content, hash, fp, now, now,
		)
		if err != nil {
			logging.StoreError("Failed to insert artifact %s: %v", id, err)
			return Artifact{}, fmt.Errorf("failed to insert artifact: %w", err)
		}
		logging.StoreDebug("Created artifact %s (hash=%s)", id, hash[:12])
	case err != nil:
		return Artifact{}, fmt.Errorf("failed to look up artifact: %w", err)
	default:
		_, err = t.tx.Exec(
			`UPDATE artifacts SET content = ?, content_hash = ?, fingerprint = ?, updated_at = ? WHERE id = ?`,
			content, hash, fp, now, id,
		)
		if err != nil {
			logging.StoreError("Failed to update artifact %s: %v", id, err)
			return Artifact{}, fmt.Errorf("failed to update artifact: %w", err)
		}
		logging.StoreDebug("Updated artifact %s (hash=%s)", id, hash[:12])
	}

	return loadArtifact(t.tx, project, session, stage)
}

// Load returns the artifact for (project, session, stage) or pipeline.ErrNotFound.
func (s *Store) Load(project, session string, stage pipeline.Stage) (Artifact, error) {
	var out Artifact
	err := s.read(func(q dbtx) error {
		a, err := loadArtifact(q, project, session, stage)
		out = a
		return err
	})
	return out, err
}

// Load reads an artifact inside the transaction.
func (t *Tx) Load(project, session string, stage pipeline.Stage) (Artifact, error) {
	return loadArtifact(t.tx, project, session, stage)
}

func loadArtifact(q dbtx, project, session string, stage pipeline.Stage) (Artifact, error) {
	id := pipeline.ArtifactID(project, session, stage)
	return loadArtifactByID(q, id)
}

func loadArtifactByID(q dbtx, id string) (Artifact, error) {
	row := q.QueryRow("SELECT "+artifactColumns+artifactFrom+" WHERE a.id = ?", id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%w: artifact %s", pipeline.ErrNotFound, id)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to load artifact %s: %w", id, err)
	}
	return a, nil
}

// LoadByID returns the artifact with the composite id project::session::stage.
func (s *Store) LoadByID(id string) (Artifact, error) {
	var out Artifact
	err := s.read(func(q dbtx) error {
		a, err := loadArtifactByID(q, id)
		out = a
		return err
	})
	return out, err
}

// List returns a project's artifacts ordered by session, then pipeline stage order.
func (s *Store) List(project string, filter ArtifactFilter) ([]Artifact, error) {
	var out []Artifact
	err := s.read(func(q dbtx) error {
		list, err := listArtifacts(q, project, filter)
		out = list
		return err
	})
	return out, err
}

// List lists artifacts inside the transaction.
func (t *Tx) List(project string, filter ArtifactFilter) ([]Artifact, error) {
	return listArtifacts(t.tx, project, filter)
}

func listArtifacts(q dbtx, project string, filter ArtifactFilter) ([]Artifact, error) {
	timer := logging.StartTimer(logging.CategoryStore, "List")
	defer timer.Stop()

	query := "SELECT " + artifactColumns + artifactFrom + " WHERE p.name = ?"
	args := []interface{}{project}
	if filter.Session != "" {
		query += " AND s.name = ?"
		args = append(args, filter.Session)
	}
	if filter.Stage != "" {
		query += " AND a.stage = ?"
		args = append(args, string(filter.Stage))
	}
	query += " ORDER BY s.name ASC, a.stage_rank ASC"

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return scanArtifacts(rows)
}

// FindByMarker returns artifacts whose content contains substring, compared
// case-insensitively. An empty stage searches every stage.
func (s *Store) FindByMarker(project string, stage pipeline.Stage, substring string) ([]Artifact, error) {
	var out []Artifact
	err := s.read(func(q dbtx) error {
		list, err := findByMarker(q, project, stage, substring)
		out = list
		return err
	})
	return out, err
}

// FindByMarker scans content inside the transaction.
func (t *Tx) FindByMarker(project string, stage pipeline.Stage, substring string) ([]Artifact, error) {
	return findByMarker(t.tx, project, stage, substring)
}

func findByMarker(q dbtx, project string, stage pipeline.Stage, substring string) ([]Artifact, error) {
	if substring == "" {
		return nil, fmt.Errorf("%w: marker must be non-empty", pipeline.ErrValidation)
	}
	logging.StoreDebug("FindByMarker project=%s stage=%s marker=%q", project, stage, substring)

	query := "SELECT " + artifactColumns + artifactFrom +
		` WHERE p.name = ? AND lower(a.content) LIKE ? ESCAPE '\'`
	args := []interface{}{project, "%" + escapeLike(strings.ToLower(substring)) + "%"}
	if stage != "" {
		query += " AND a.stage = ?"
		args = append(args, string(stage))
	}
	query += " ORDER BY s.name ASC, a.stage_rank ASC"

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for marker: %w", err)
	}
	return scanArtifacts(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// =============================================================================
// PROJECTS AND SESSIONS
// =============================================================================

func ensureProject(q dbtx, name, now string) (int64, error) {
	if _, err := q.Exec(
		"INSERT INTO projects (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING", name, now,
	); err != nil {
		return 0, fmt.Errorf("failed to create project: %w", err)
	}
	return lookupProjectID(q, name)
}

func lookupProjectID(q dbtx, name string) (int64, error) {
	var id int64
	err := q.QueryRow("SELECT id FROM projects WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: project %s", pipeline.ErrNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up project: %w", err)
	}
	return id, nil
}

func ensureSession(q dbtx, projectID int64, name, now string) (int64, error) {
	if _, err := q.Exec(
		"INSERT INTO sessions (project_id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(project_id, name) DO NOTHING",
		projectID, name, now,
	); err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	var id int64
	if err := q.QueryRow(
		"SELECT id FROM sessions WHERE project_id = ? AND name = ?", projectID, name,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up session: %w", err)
	}
	return id, nil
}

// Projects returns every project name, sorted.
func (s *Store) Projects() ([]string, error) {
	var out []string
	err := s.read(func(q dbtx) error {
		list, err := queryStrings(q, "SELECT name FROM projects ORDER BY name")
		out = list
		return err
	})
	return out, err
}

// Sessions returns the sessions of a project, sorted.
func (s *Store) Sessions(project string) ([]string, error) {
	var out []string
	err := s.read(func(q dbtx) error {
		list, err := queryStrings(q,
			"SELECT s.name FROM sessions s JOIN projects p ON p.id = s.project_id WHERE p.name = ? ORDER BY s.name",
			project)
		out = list
		return err
	})
	return out, err
}

func queryStrings(q dbtx, query string, args ...interface{}) ([]string, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteProject removes a project and, through cascading foreign keys, every
// row that belongs to it.
func (s *Store) DeleteProject(project string) error {
	return s.WithTx(func(tx *Tx) error {
		res, err := tx.tx.Exec("DELETE FROM projects WHERE name = ?", project)
		if err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: project %s", pipeline.ErrNotFound, project)
		}
		logging.Store("Deleted project %s", project)
		return nil
	})
}

// DeleteSession removes a session and its artifacts.
func (s *Store) DeleteSession(project, session string) error {
	return s.WithTx(func(tx *Tx) error {
		res, err := tx.tx.Exec(
			"DELETE FROM sessions WHERE name = ? AND project_id = (SELECT id FROM projects WHERE name = ?)",
			session, project,
		)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: session %s/%s", pipeline.ErrNotFound, project, session)
		}
		logging.Store("Deleted session %s/%s", project, session)
		return nil
	})
}
