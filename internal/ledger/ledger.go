// Package ledger is the authoritative table of blueprint claims.
//
// A claim enters as active, either declared against the founding session or
// converged from an ALLOW promotion record. It may then be reinforced any
// number of times and demoted once, to superseded or invalidated. Demotion is
// terminal: a demoted text can only come back as a different claim.
//
// Every mutation and its lifecycle event commit in one transaction.
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"docpipe/internal/evidence"
	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"
)

// DefaultActor is recorded when the caller does not name one.
const DefaultActor = "docpipe"

// Reasons written on system-generated events.
const (
	ReasonFoundingDeclaration = "Founding declaration from blueprint pipeline"
	reasonConvergedFormat     = "Converged from promotion %s"
	reasonReinforcedFormat    = "Reinforced by %s:%s"
)

// Ledger records claims and their lifecycle.
type Ledger struct {
	store  *store.Store
	policy pipeline.Policy
}

// New creates a ledger over s.
func New(s *store.Store, p pipeline.Policy) *Ledger {
	return &Ledger{store: s, policy: p}
}

func actorOrDefault(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return DefaultActor
}

// Declaration is a claim authored directly against the founding session.
type Declaration struct {
	Project        string
	Text           string
	Classification pipeline.Classification
	SourceSession  string
	SourceStages   []pipeline.Stage
	Actor          string
}

// Declare creates an active, declared claim.
func (l *Ledger) Declare(d Declaration) (store.Claim, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "Declare")
	defer timer.Stop()

	text := strings.TrimSpace(d.Text)
	if text == "" {
		return store.Claim{}, fmt.Errorf("%w: claim text must be non-empty", pipeline.ErrValidation)
	}
	if err := pipeline.ValidateName("project", d.Project); err != nil {
		return store.Claim{}, err
	}
	if !l.policy.AllowsClassification(d.Classification) {
		return store.Claim{}, fmt.Errorf("%w: %q", pipeline.ErrInvalidClassification, d.Classification)
	}
	if !l.policy.IsFoundingSession(d.SourceSession) {
		return store.Claim{}, fmt.Errorf("%w: got %q, want %q", pipeline.ErrNotFoundingSession, d.SourceSession, l.policy.FoundingSession)
	}
	for _, st := range d.SourceStages {
		if !st.Valid() || !l.policy.AllowsStage(st) {
			return store.Claim{}, fmt.Errorf("%w: %q", pipeline.ErrInvalidStage, st)
		}
	}

	var claim store.Claim
	err := l.store.WithTx(func(tx *store.Tx) error {
		existing, err := tx.ClaimByText(d.Project, text)
		switch {
		case err == nil:
			if existing.Status == pipeline.StatusActive {
				return fmt.Errorf("%w: claim %d", pipeline.ErrDuplicateActiveClaim, existing.ID)
			}
			return fmt.Errorf("%w: claim %d with this text is %s", pipeline.ErrConflict, existing.ID, existing.Status)
		case !errors.Is(err, pipeline.ErrNotFound):
			return err
		}

		claim, err = tx.InsertClaim(store.Claim{
			Project:        d.Project,
			Text:           text,
			Classification: d.Classification,
			Status:         pipeline.StatusActive,
			Origin:         pipeline.OriginDeclared,
			SourceSession:  strings.TrimSpace(d.SourceSession),
			SourceStages:   d.SourceStages,
		})
		if err != nil {
			return err
		}
		_, err = tx.AppendEvent(store.LifecycleEvent{
			ClaimID:   claim.ID,
			NewStatus: pipeline.StatusActive,
			Reason:    ReasonFoundingDeclaration,
			Actor:     actorOrDefault(d.Actor),
		})
		return err
	})
	if err != nil {
		logging.LedgerDebug("Declare rejected: %v", err)
		return store.Claim{}, err
	}

	logging.Ledger("Declared claim %d in %s (%s)", claim.ID, claim.Project, claim.Classification)
	return claim, nil
}

// AcceptPromotion turns an ALLOW promotion record into an active, converged
// claim. Accepting a text that already has an active claim refreshes that
// claim instead of adding a row.
func (l *Ledger) AcceptPromotion(recordID, actor string) (store.Claim, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "AcceptPromotion")
	defer timer.Stop()

	var claim store.Claim
	err := l.store.WithTx(func(tx *store.Tx) error {
		rec, err := tx.PromotionRecord(recordID)
		if err != nil {
			return err
		}
		if rec.Status != pipeline.DecisionAllow {
			return fmt.Errorf("%w: promotion %s was denied (%s)", pipeline.ErrValidation, rec.ID, strings.Join(rec.FailedChecks, ", "))
		}
		if !l.policy.AllowsClassification(rec.Classification) {
			return fmt.Errorf("%w: %q", pipeline.ErrInvalidClassification, rec.Classification)
		}

		stages, session := sourcesOf(rec)
		reason := fmt.Sprintf(reasonConvergedFormat, rec.ID)

		existing, err := tx.ClaimByText(rec.Project, rec.ClaimText)
		switch {
		case err == nil:
			if existing.Status != pipeline.StatusActive {
				return fmt.Errorf("%w: claim %d with this text is %s", pipeline.ErrConflict, existing.ID, existing.Status)
			}
			if err := tx.UpdateClaimConvergence(existing.ID, rec.Classification, rec.ID); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(store.LifecycleEvent{
				ClaimID:   existing.ID,
				OldStatus: pipeline.StatusActive,
				NewStatus: pipeline.StatusActive,
				Reason:    reason,
				Actor:     actorOrDefault(actor),
			}); err != nil {
				return err
			}
			claim, err = tx.Claim(existing.ID)
			return err
		case !errors.Is(err, pipeline.ErrNotFound):
			return err
		}

		recID := rec.ID
		claim, err = tx.InsertClaim(store.Claim{
			Project:           rec.Project,
			Text:              rec.ClaimText,
			Classification:    rec.Classification,
			Status:            pipeline.StatusActive,
			Origin:            pipeline.OriginConverged,
			SourceSession:     session,
			SourceStages:      stages,
			PromotionRecordID: &recID,
		})
		if err != nil {
			return err
		}
		_, err = tx.AppendEvent(store.LifecycleEvent{
			ClaimID:   claim.ID,
			NewStatus: pipeline.StatusActive,
			Reason:    reason,
			Actor:     actorOrDefault(actor),
		})
		return err
	})
	if err != nil {
		logging.LedgerDebug("AcceptPromotion %s rejected: %v", recordID, err)
		return store.Claim{}, err
	}

	logging.Ledger("Accepted promotion %s as claim %d", recordID, claim.ID)
	return claim, nil
}

// sourcesOf derives the stage list and a session summary from the sources
// pinned in the record's evidence. Converged claims span sessions, so the
// session field lists them comma-separated.
func sourcesOf(rec store.PromotionRecord) ([]pipeline.Stage, string) {
	bundle, err := evidence.DecodeBundle(rec.EvidenceJSON)
	if err != nil {
		logging.LedgerWarn("Evidence of promotion %s is unreadable: %v", rec.ID, err)
		return []pipeline.Stage{}, ""
	}

	var stages []pipeline.Stage
	var sessions []string
	seenStage := make(map[pipeline.Stage]bool)
	seenSession := make(map[string]bool)
	for _, src := range bundle.Sources {
		if !seenStage[src.Stage] {
			seenStage[src.Stage] = true
			stages = append(stages, src.Stage)
		}
		if !seenSession[src.Session] {
			seenSession[src.Session] = true
			sessions = append(sessions, src.Session)
		}
	}
	sortStages(stages)
	return stages, strings.Join(sessions, ",")
}

// Reinforce records that another session or stage restated an active claim.
// Status does not change.
func (l *Ledger) Reinforce(claimID int64, session string, stage pipeline.Stage, actor string) (store.LifecycleEvent, error) {
	if strings.TrimSpace(session) == "" {
		return store.LifecycleEvent{}, fmt.Errorf("%w: reinforcing session must be non-empty", pipeline.ErrValidation)
	}
	if !stage.Valid() {
		return store.LifecycleEvent{}, fmt.Errorf("%w: %q", pipeline.ErrInvalidStage, stage)
	}

	var event store.LifecycleEvent
	err := l.store.WithTx(func(tx *store.Tx) error {
		claim, err := tx.Claim(claimID)
		if err != nil {
			return err
		}
		if claim.Status != pipeline.StatusActive {
			return fmt.Errorf("%w: claim %d is %s", pipeline.ErrNotActive, claimID, claim.Status)
		}
		event, err = tx.AppendEvent(store.LifecycleEvent{
			ClaimID:   claimID,
			OldStatus: claim.Status,
			NewStatus: claim.Status,
			Reason:    fmt.Sprintf(reasonReinforcedFormat, strings.TrimSpace(session), stage),
			Actor:     actorOrDefault(actor),
		})
		return err
	})
	if err != nil {
		return store.LifecycleEvent{}, err
	}
	logging.LedgerDebug("Reinforced claim %d by %s:%s", claimID, session, stage)
	return event, nil
}

// Demotion moves an active claim to a terminal status.
type Demotion struct {
	ClaimID      int64
	Reason       string
	NewStatus    pipeline.ClaimStatus
	Actor        string
	SupersededBy *int64 // required for StatusSuperseded
}

// Demote validates the request fully before writing anything.
func (l *Ledger) Demote(d Demotion) (store.LifecycleEvent, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "Demote")
	defer timer.Stop()

	reason := strings.TrimSpace(d.Reason)
	if reason == "" {
		return store.LifecycleEvent{}, fmt.Errorf("%w: demotion reason must be non-empty", pipeline.ErrValidation)
	}
	switch d.NewStatus {
	case pipeline.StatusSuperseded:
		if d.SupersededBy == nil {
			return store.LifecycleEvent{}, fmt.Errorf("%w: superseding claim is required", pipeline.ErrValidation)
		}
		if *d.SupersededBy == d.ClaimID {
			return store.LifecycleEvent{}, fmt.Errorf("%w: a claim cannot supersede itself", pipeline.ErrValidation)
		}
	case pipeline.StatusInvalidated:
		if d.SupersededBy != nil {
			return store.LifecycleEvent{}, fmt.Errorf("%w: invalidation does not take a superseding claim", pipeline.ErrValidation)
		}
	default:
		return store.LifecycleEvent{}, fmt.Errorf("%w: cannot demote to %q", pipeline.ErrValidation, d.NewStatus)
	}

	var event store.LifecycleEvent
	err := l.store.WithTx(func(tx *store.Tx) error {
		claim, err := tx.Claim(d.ClaimID)
		if err != nil {
			return err
		}
		if claim.Status != pipeline.StatusActive {
			return fmt.Errorf("%w: claim %d is %s", pipeline.ErrNotActive, claim.ID, claim.Status)
		}
		if d.SupersededBy != nil {
			successor, err := tx.Claim(*d.SupersededBy)
			if err != nil {
				return fmt.Errorf("superseding claim: %w", err)
			}
			if successor.Status != pipeline.StatusActive {
				return fmt.Errorf("%w: superseding claim %d is %s", pipeline.ErrNotActive, successor.ID, successor.Status)
			}
			if successor.Project != claim.Project {
				return fmt.Errorf("%w: superseding claim %d belongs to %s", pipeline.ErrValidation, successor.ID, successor.Project)
			}
		}

		if err := tx.UpdateClaimStatus(claim.ID, d.NewStatus, d.SupersededBy); err != nil {
			return err
		}
		event, err = tx.AppendEvent(store.LifecycleEvent{
			ClaimID:            claim.ID,
			OldStatus:          claim.Status,
			NewStatus:          d.NewStatus,
			Reason:             reason,
			Actor:              actorOrDefault(d.Actor),
			SupersedingClaimID: d.SupersededBy,
		})
		return err
	})
	if err != nil {
		logging.LedgerDebug("Demote %d rejected: %v", d.ClaimID, err)
		return store.LifecycleEvent{}, err
	}

	logging.Ledger("Claim %d demoted to %s", d.ClaimID, d.NewStatus)
	return event, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Claims lists claims in creation order. An empty status lists all.
func (l *Ledger) Claims(project string, status pipeline.ClaimStatus) ([]store.Claim, error) {
	return l.store.Claims(project, status)
}

// Claim returns one claim.
func (l *Ledger) Claim(id int64) (store.Claim, error) {
	return l.store.Claim(id)
}

// Events returns a claim's lifecycle events, newest first.
func (l *Ledger) Events(claimID int64) ([]store.LifecycleEvent, error) {
	if _, err := l.store.Claim(claimID); err != nil {
		return nil, err
	}
	return l.store.Events(claimID)
}

// ProjectEvents returns the newest lifecycle events across a project.
func (l *Ledger) ProjectEvents(project string, limit int) ([]store.LifecycleEvent, error) {
	return l.store.ProjectEvents(project, limit)
}
