// Package integrity protects the governing document from out-of-band edits.
//
// The stored hash only moves in two ways: Baseline, after the pipeline itself
// projected new content, and AcceptCurrent, an explicit operator action after a
// detected mismatch. Both are written to the tamper log.
package integrity

import (
	"errors"
	"fmt"
	"strings"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"
	"docpipe/internal/textsim"
)

// ErrTampered is returned when the pipeline is asked to overwrite a document
// whose out-of-band changes were never accepted.
var ErrTampered = fmt.Errorf("%w: governing document was edited outside the pipeline", pipeline.ErrConflict)

// HashPrefixLen is how much of each hash a Warning shows.
const HashPrefixLen = 12

// DocumentSource supplies the current text of a project's governing document.
// A missing document is reported as pipeline.ErrNotFound.
type DocumentSource interface {
	Read(project string) (string, error)
}

// Warning is a non-fatal mismatch signal. Its tamper event is already recorded
// by the time the caller sees it.
type Warning struct {
	Project      string `json:"project"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Missing      bool   `json:"missing,omitempty"`
	EventID      int64  `json:"event_id"`
}

func (w Warning) String() string {
	if w.Missing {
		return fmt.Sprintf("governing document for %s is missing (expected %s)", w.Project, prefix(w.ExpectedHash))
	}
	return fmt.Sprintf("governing document for %s changed outside the pipeline: expected %s, found %s",
		w.Project, prefix(w.ExpectedHash), prefix(w.ActualHash))
}

func prefix(hash string) string {
	if len(hash) <= HashPrefixLen {
		return hash
	}
	return hash[:HashPrefixLen]
}

// DocumentHash is the content hash used for governing documents.
func DocumentHash(text string) string {
	return textsim.ContentHash(text)
}

// Guard verifies governing documents against their stored hashes.
type Guard struct {
	store  *store.Store
	source DocumentSource
}

// NewGuard creates a guard reading documents from source.
func NewGuard(s *store.Store, source DocumentSource) *Guard {
	return &Guard{store: s, source: source}
}

func actorOrDefault(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return "docpipe"
}

// readCurrent returns the document text and whether it exists.
func (g *Guard) readCurrent(project string) (string, bool, error) {
	text, err := g.source.Read(project)
	if errors.Is(err, pipeline.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read governing document: %w", err)
	}
	return text, true, nil
}

// Verify compares the current document with the stored hash. It returns nil
// when they match or when nothing has been baselined yet. A mismatch appends a
// warn event and returns a Warning.
func (g *Guard) Verify(project string) (*Warning, error) {
	timer := logging.StartTimer(logging.CategoryIntegrity, "Verify")
	defer timer.Stop()

	text, exists, err := g.readCurrent(project)
	if err != nil {
		return nil, err
	}
	actual := ""
	if exists {
		actual = DocumentHash(text)
	}

	var warning *Warning
	err = g.store.WithTx(func(tx *store.Tx) error {
		rec, err := tx.IntegrityRecord(project)
		if errors.Is(err, pipeline.ErrNotFound) {
			logging.IntegrityDebug("No baseline for %s yet", project)
			return nil
		}
		if err != nil {
			return err
		}
		if exists && rec.DocumentHash == actual {
			return nil
		}

		ev, err := tx.AppendIntegrityEvent(store.IntegrityEvent{
			Project:      project,
			ExpectedHash: rec.DocumentHash,
			ActualHash:   actual,
			Action:       store.ActionWarn,
			Actor:        actorOrDefault(""),
		})
		if err != nil {
			return err
		}
		warning = &Warning{
			Project:      project,
			ExpectedHash: rec.DocumentHash,
			ActualHash:   actual,
			Missing:      !exists,
			EventID:      ev.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if warning != nil {
		logging.IntegrityWarn("%s", warning.String())
	}
	return warning, nil
}

// AcceptCurrent adopts the document as it is now, recording who accepted it.
func (g *Guard) AcceptCurrent(project, actor string) (store.IntegrityEvent, error) {
	text, exists, err := g.readCurrent(project)
	if err != nil {
		return store.IntegrityEvent{}, err
	}
	if !exists {
		return store.IntegrityEvent{}, fmt.Errorf("%w: governing document for %s", pipeline.ErrNotFound, project)
	}
	actual := DocumentHash(text)

	var event store.IntegrityEvent
	err = g.store.WithTx(func(tx *store.Tx) error {
		expected := ""
		rec, err := tx.IntegrityRecord(project)
		switch {
		case err == nil:
			expected = rec.DocumentHash
		case !errors.Is(err, pipeline.ErrNotFound):
			return err
		}

		event, err = tx.AppendIntegrityEvent(store.IntegrityEvent{
			Project:      project,
			ExpectedHash: expected,
			ActualHash:   actual,
			Action:       store.ActionAccept,
			Actor:        actorOrDefault(actor),
		})
		if err != nil {
			return err
		}
		return tx.SetDocumentHash(project, actual)
	})
	if err != nil {
		return store.IntegrityEvent{}, err
	}

	logging.Integrity("Accepted current document for %s (%s) by %s", project, prefix(actual), event.Actor)
	return event, nil
}

// Baseline records the hash of freshly projected content. It refuses while the
// newest tamper-log entry is an unresolved warning, unless the document has
// since been restored to the stored hash.
func (g *Guard) Baseline(project, text, actor string) (store.IntegrityEvent, error) {
	current, exists, err := g.readCurrent(project)
	if err != nil {
		return store.IntegrityEvent{}, err
	}
	hash := DocumentHash(text)

	var event store.IntegrityEvent
	err = g.store.WithTx(func(tx *store.Tx) error {
		expected := ""
		rec, err := tx.IntegrityRecord(project)
		switch {
		case err == nil:
			expected = rec.DocumentHash
		case !errors.Is(err, pipeline.ErrNotFound):
			return err
		}

		latest, err := tx.LatestIntegrityEvent(project)
		switch {
		case err == nil:
			if latest.Action == store.ActionWarn {
				restored := exists && (DocumentHash(current) == expected || DocumentHash(current) == hash)
				if !restored {
					return fmt.Errorf("%w: run accept after reviewing the edit (event %d)", ErrTampered, latest.ID)
				}
			}
		case !errors.Is(err, pipeline.ErrNotFound):
			return err
		}

		event, err = tx.AppendIntegrityEvent(store.IntegrityEvent{
			Project:      project,
			ExpectedHash: expected,
			ActualHash:   hash,
			Action:       store.ActionBaseline,
			Actor:        actorOrDefault(actor),
		})
		if err != nil {
			return err
		}
		return tx.SetDocumentHash(project, hash)
	})
	if err != nil {
		return store.IntegrityEvent{}, err
	}

	logging.IntegrityDebug("Baselined %s at %s", project, prefix(hash))
	return event, nil
}

// Status is a read-only integrity report.
type Status struct {
	Project         string                `json:"project"`
	Baselined       bool                  `json:"baselined"`
	StoredHash      string                `json:"stored_hash,omitempty"`
	CurrentHash     string                `json:"current_hash,omitempty"`
	DocumentMissing bool                  `json:"document_missing"`
	Matches         bool                  `json:"matches"`
	LastEvent       *store.IntegrityEvent `json:"last_event,omitempty"`
}

// Status reports the integrity state without recording anything.
func (g *Guard) Status(project string) (Status, error) {
	st := Status{Project: project}

	text, exists, err := g.readCurrent(project)
	if err != nil {
		return Status{}, err
	}
	st.DocumentMissing = !exists
	if exists {
		st.CurrentHash = DocumentHash(text)
	}

	rec, err := g.store.IntegrityRecord(project)
	switch {
	case err == nil:
		st.Baselined = true
		st.StoredHash = rec.DocumentHash
		st.Matches = exists && rec.DocumentHash == st.CurrentHash
	case !errors.Is(err, pipeline.ErrNotFound):
		return Status{}, err
	}

	events, err := g.store.IntegrityEvents(project)
	if err != nil {
		return Status{}, err
	}
	if len(events) > 0 {
		st.LastEvent = &events[0]
	}
	return st, nil
}

// Events returns the tamper log of a project, newest first.
func (g *Guard) Events(project string) ([]store.IntegrityEvent, error) {
	return g.store.IntegrityEvents(project)
}
