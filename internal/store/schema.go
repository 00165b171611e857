package store

import (
	"database/sql"
	"fmt"

	"docpipe/internal/logging"
)

// CurrentSchemaVersion is bumped whenever a table or trigger changes shape.
const CurrentSchemaVersion = 1

// allTables lists the governance tables in creation order.
var allTables = []string{
	"projects",
	"sessions",
	"artifacts",
	"artifact_dependencies",
	"promotion_candidates",
	"promotion_candidate_sources",
	"promotion_records",
	"blueprint_claims",
	"claim_lifecycle_events",
	"blueprint_integrity",
	"integrity_events",
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(project_id, name)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	stage_rank INTEGER NOT NULL,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(session_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_project_stage ON artifacts(project_id, stage);

CREATE TABLE IF NOT EXISTS artifact_dependencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	source_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	dep_type TEXT NOT NULL CHECK (dep_type IN ('upstream', 'downstream', 'derives')),
	created_at TEXT NOT NULL,
	UNIQUE(source_id, target_id, dep_type),
	CHECK (source_id <> target_id)
);
CREATE INDEX IF NOT EXISTS idx_deps_source ON artifact_dependencies(source_id);
CREATE INDEX IF NOT EXISTS idx_deps_target ON artifact_dependencies(target_id);

CREATE TABLE IF NOT EXISTS promotion_candidates (
	id TEXT PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	claim_text TEXT NOT NULL,
	classification TEXT NOT NULL,
	evidence_json TEXT NOT NULL,
	evidence_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS promotion_candidate_sources (
	candidate_id TEXT NOT NULL REFERENCES promotion_candidates(id) ON DELETE CASCADE,
	artifact_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	PRIMARY KEY (candidate_id, artifact_id)
);

CREATE TABLE IF NOT EXISTS promotion_records (
	id TEXT PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	candidate_id TEXT NOT NULL REFERENCES promotion_candidates(id) ON DELETE CASCADE,
	claim_text TEXT NOT NULL,
	classification TEXT NOT NULL,
	decision TEXT NOT NULL CHECK (decision IN ('ALLOW', 'DENY')),
	failed_checks TEXT NOT NULL DEFAULT '[]',
	evidence_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_project ON promotion_records(project_id, created_at);

CREATE TABLE IF NOT EXISTS blueprint_claims (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	claim_text TEXT NOT NULL,
	classification TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active', 'superseded', 'invalidated')),
	origin TEXT NOT NULL CHECK (origin IN ('declared', 'converged')),
	source_session TEXT NOT NULL DEFAULT '',
	source_stages TEXT NOT NULL DEFAULT '[]',
	promotion_record_id TEXT REFERENCES promotion_records(id) ON DELETE SET NULL,
	superseded_by INTEGER REFERENCES blueprint_claims(id) ON DELETE SET NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(project_id, claim_text)
);

CREATE TABLE IF NOT EXISTS claim_lifecycle_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	claim_id INTEGER NOT NULL REFERENCES blueprint_claims(id) ON DELETE CASCADE,
	old_status TEXT NOT NULL DEFAULT '',
	new_status TEXT NOT NULL,
	reason TEXT NOT NULL,
	actor TEXT NOT NULL,
	superseding_claim_id INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_claim ON claim_lifecycle_events(claim_id);

CREATE TABLE IF NOT EXISTS blueprint_integrity (
	project_id INTEGER PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
	document_hash TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS integrity_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	expected_hash TEXT NOT NULL DEFAULT '',
	actual_hash TEXT NOT NULL,
	action TEXT NOT NULL CHECK (action IN ('warn', 'accept', 'baseline')),
	actor TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_integrity_events_project ON integrity_events(project_id);

-- Status leaves 'active' once and never changes again.
CREATE TRIGGER IF NOT EXISTS trg_claims_monotonic_status
BEFORE UPDATE OF status ON blueprint_claims
WHEN OLD.status <> 'active' AND NEW.status <> OLD.status
BEGIN
	SELECT RAISE(ABORT, 'claim status is terminal');
END;

CREATE TRIGGER IF NOT EXISTS trg_lifecycle_events_append_only
BEFORE UPDATE ON claim_lifecycle_events
BEGIN
	SELECT RAISE(ABORT, 'lifecycle events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_integrity_events_append_only
BEFORE UPDATE ON integrity_events
BEGIN
	SELECT RAISE(ABORT, 'integrity events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_promotion_records_immutable
BEFORE UPDATE ON promotion_records
BEGIN
	SELECT RAISE(ABORT, 'promotion records are immutable');
END;
`

// initialize creates the schema and records its version.
func (s *Store) initialize() error {
	timer := logging.StartTimer(logging.CategoryStore, "initialize")
	defer timer.Stop()

	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	version, err := readSchemaVersion(s.db)
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		if _, err := s.db.Exec(
			"INSERT INTO schema_meta (id, version) VALUES (1, ?)", CurrentSchemaVersion,
		); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		logging.StoreDebug("Schema initialized at version %d", CurrentSchemaVersion)
	case version > CurrentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	default:
		logging.StoreDebug("Schema at version %d", version)
	}
	return nil
}

func readSchemaVersion(q dbtx) (int, error) {
	var version int
	err := q.QueryRow("SELECT version FROM schema_meta WHERE id = 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// SchemaVersion returns the version recorded in schema_meta.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.read(func(q dbtx) error {
		v, err := readSchemaVersion(q)
		version = v
		return err
	})
	return version, err
}
