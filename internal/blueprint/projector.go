package blueprint

import (
	"fmt"
	"os"
	"path/filepath"

	"docpipe/internal/integrity"
	"docpipe/internal/ledger"
	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"
)

// Projector writes governing documents and keeps their integrity baseline.
type Projector struct {
	ledger *ledger.Ledger
	guard  *integrity.Guard
	source integrity.FileSource
	actor  string
}

// NewProjector creates a projector writing under source.Root. The guard must
// read from the same source.
func NewProjector(l *ledger.Ledger, g *integrity.Guard, source integrity.FileSource, actor string) *Projector {
	return &Projector{ledger: l, guard: g, source: source, actor: actor}
}

// Result describes one projection.
type Result struct {
	Project   string                `json:"project"`
	Path      string                `json:"path"`
	Hash      string                `json:"hash"`
	Claims    int                   `json:"claims"`
	Unchanged bool                  `json:"unchanged"`
	Event     *store.IntegrityEvent `json:"event,omitempty"`
}

// Project renders the active claims of project and writes them to disk.
// It refuses when the document on disk was edited outside the pipeline and
// the edit has not been accepted.
func (p *Projector) Project(project string) (Result, error) {
	timer := logging.StartTimer(logging.CategoryIntegrity, "Project")
	defer timer.Stop()

	res := Result{Project: project, Path: p.source.Path(project)}

	warning, err := p.guard.Verify(project)
	if err != nil {
		return res, err
	}
	if warning != nil {
		return res, fmt.Errorf("%w: %s", integrity.ErrTampered, warning.String())
	}

	claims, err := p.ledger.Claims(project, pipeline.StatusActive)
	if err != nil {
		return res, err
	}
	text := Render(project, claims)
	res.Claims = len(claims)
	res.Hash = integrity.DocumentHash(text)

	st, err := p.guard.Status(project)
	if err != nil {
		return res, err
	}
	if st.Baselined && st.Matches && st.StoredHash == res.Hash {
		res.Unchanged = true
		return res, nil
	}

	if err := writeAtomic(res.Path, text); err != nil {
		return res, err
	}

	ev, err := p.guard.Baseline(project, text, p.actor)
	if err != nil {
		return res, err
	}
	res.Event = &ev

	logging.Integrity("Projected %d claims for %s to %s", res.Claims, project, res.Path)
	return res, nil
}

// Show returns the governing document as it is on disk.
func (p *Projector) Show(project string) (string, error) {
	return p.source.Read(project)
}

func writeAtomic(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
