package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
)

// =============================================================================
// DEPENDENCY GRAPH
// =============================================================================

// DependencyType is the relation carried by an edge.
type DependencyType string

const (
	DepUpstream   DependencyType = "upstream"
	DepDownstream DependencyType = "downstream"
	DepDerives    DependencyType = "derives"
)

// ParseDependencyType validates user input.
func ParseDependencyType(raw string) (DependencyType, error) {
	switch t := DependencyType(strings.ToLower(strings.TrimSpace(raw))); t {
	case DepUpstream, DepDownstream, DepDerives:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown dependency type %q", pipeline.ErrValidation, raw)
}

// Direction selects which edges Edges returns relative to an artifact.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// DependencyEdge is a directed, typed relation between two artifacts.
type DependencyEdge struct {
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
}

// Link records an edge from one artifact to another. Linking the same
// (source, target, type) twice returns the existing edge.
func (s *Store) Link(project string, from, to pipeline.ArtifactRef, depType DependencyType) (DependencyEdge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Link")
	defer timer.Stop()

	if _, err := ParseDependencyType(string(depType)); err != nil {
		return DependencyEdge{}, err
	}
	if err := pipeline.ValidateName("project", project); err != nil {
		return DependencyEdge{}, err
	}
	for _, ref := range []pipeline.ArtifactRef{from, to} {
		if err := pipeline.ValidateName("session", ref.Session); err != nil {
			return DependencyEdge{}, err
		}
	}
	sourceID := pipeline.ArtifactID(project, from.Session, from.Stage)
	targetID := pipeline.ArtifactID(project, to.Session, to.Stage)
	if sourceID == targetID {
		return DependencyEdge{}, fmt.Errorf("%w: artifact %s cannot depend on itself", pipeline.ErrValidation, sourceID)
	}

	var edge DependencyEdge
	err := s.WithTx(func(tx *Tx) error {
		if _, err := loadArtifactByID(tx.tx, sourceID); err != nil {
			return err
		}
		if _, err := loadArtifactByID(tx.tx, targetID); err != nil {
			return err
		}
		projectID, err := lookupProjectID(tx.tx, project)
		if err != nil {
			return err
		}

		logging.GraphDebug("Linking %s -[%s]-> %s", sourceID, depType, targetID)
		if _, err := tx.tx.Exec(
			`INSERT INTO artifact_dependencies (project_id, source_id, target_id, dep_type, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(source_id, target_id, dep_type) DO NOTHING`,
			projectID, sourceID, targetID, string(depType), formatTime(tx.Now()),
		); err != nil {
			logging.Get(logging.CategoryGraph).Error("Failed to store edge: %v", err)
			return fmt.Errorf("failed to store dependency: %w", err)
		}

		var created string
		if err := tx.tx.QueryRow(
			"SELECT created_at FROM artifact_dependencies WHERE source_id = ? AND target_id = ? AND dep_type = ?",
			sourceID, targetID, string(depType),
		).Scan(&created); err != nil {
			return fmt.Errorf("failed to read dependency: %w", err)
		}
		edge = DependencyEdge{SourceID: sourceID, TargetID: targetID, Type: depType, CreatedAt: parseTime(created)}
		return nil
	})
	return edge, err
}

// edgesLocked assumes the caller holds s.mu or a transaction.
func edgesLocked(q dbtx, artifactID string, dir Direction) ([]DependencyEdge, error) {
	base := "SELECT source_id, target_id, dep_type, created_at FROM artifact_dependencies"
	var rows *sql.Rows
	var err error
	switch dir {
	case Outgoing:
		rows, err = q.Query(base+" WHERE source_id = ? ORDER BY id", artifactID)
	case Incoming:
		rows, err = q.Query(base+" WHERE target_id = ? ORDER BY id", artifactID)
	case Both, "":
		rows, err = q.Query(base+" WHERE source_id = ? OR target_id = ? ORDER BY id", artifactID, artifactID)
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", pipeline.ErrValidation, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		var depType, created string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &depType, &created); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Type = DependencyType(depType)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Edges returns the edges touching an artifact in the given direction.
func (s *Store) Edges(artifactID string, dir Direction) ([]DependencyEdge, error) {
	var out []DependencyEdge
	err := s.read(func(q dbtx) error {
		list, err := edgesLocked(q, artifactID, dir)
		out = list
		return err
	})
	return out, err
}

// RelatedByType returns the ids of artifacts adjacent to any of artifactIDs via
// an edge of depType, in either direction. The input ids are excluded.
func (s *Store) RelatedByType(artifactIDs []string, depType DependencyType) ([]string, error) {
	var out []string
	err := s.read(func(q dbtx) error {
		list, err := relatedByType(q, artifactIDs, depType)
		out = list
		return err
	})
	return out, err
}

func relatedByType(q dbtx, artifactIDs []string, depType DependencyType) ([]string, error) {
	seeds := make(map[string]bool, len(artifactIDs))
	for _, id := range artifactIDs {
		seeds[id] = true
	}
	related := make(map[string]bool)
	for _, id := range artifactIDs {
		edges, err := edgesLocked(q, id, Both)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if depType != "" && e.Type != depType {
				continue
			}
			other := e.TargetID
			if other == id {
				other = e.SourceID
			}
			if !seeds[other] {
				related[other] = true
			}
		}
	}
	out := make([]string, 0, len(related))
	for id := range related {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Lineage finds a path of edges from fromID to toID using breadth-first search,
// following edges in their stored direction. It returns nil when no path exists
// within maxDepth hops.
func (s *Store) Lineage(fromID, toID string, maxDepth int) ([]DependencyEdge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Lineage")
	defer timer.Stop()

	if maxDepth <= 0 {
		maxDepth = 5
	}
	logging.GraphDebug("Lineage %s -> %s (maxDepth=%d)", fromID, toID, maxDepth)

	s.mu.RLock()
	defer s.mu.RUnlock()

	type pathNode struct {
		id   string
		path []DependencyEdge
	}

	visited := map[string]bool{fromID: true}
	queue := []pathNode{{id: fromID}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if len(current.path) >= maxDepth {
			continue
		}

		edges, err := edgesLocked(s.db, current.id, Outgoing)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.TargetID] {
				continue
			}
			newPath := make([]DependencyEdge, len(current.path)+1)
			copy(newPath, current.path)
			newPath[len(current.path)] = e

			if e.TargetID == toID {
				logging.GraphDebug("Lineage found: %d hops", len(newPath))
				return newPath, nil
			}
			visited[e.TargetID] = true
			queue = append(queue, pathNode{id: e.TargetID, path: newPath})
		}
	}

	logging.GraphDebug("No lineage between %s and %s", fromID, toID)
	return nil, nil
}

// LinkedFeedback returns feedback-stage artifacts connected to any of the given
// artifacts by an edge of any type.
func (s *Store) LinkedFeedback(project string, artifactIDs []string) ([]Artifact, error) {
	var out []Artifact
	err := s.read(func(q dbtx) error {
		list, err := linkedFeedback(q, project, artifactIDs)
		out = list
		return err
	})
	return out, err
}

// LinkedFeedback resolves linked feedback inside the transaction.
func (t *Tx) LinkedFeedback(project string, artifactIDs []string) ([]Artifact, error) {
	return linkedFeedback(t.tx, project, artifactIDs)
}

func linkedFeedback(q dbtx, project string, artifactIDs []string) ([]Artifact, error) {
	ids, err := relatedByType(q, artifactIDs, "")
	if err != nil {
		return nil, err
	}
	prefix := project + "::"
	var out []Artifact
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) || !strings.HasSuffix(id, "::"+string(pipeline.StageFeedback)) {
			continue
		}
		a, err := loadArtifactByID(q, id)
		if errors.Is(err, pipeline.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
