// Package pipeline provides the shared vocabulary of the documentation pipeline:
// stages, claim classifications, claim lifecycle states and the governance policy.
// It has no dependencies on the rest of docpipe so that every layer can import it.
package pipeline

import (
	"fmt"
	"strings"
)

// =============================================================================
// STAGES
// =============================================================================

// Stage is one of the fixed pipeline stages an artifact belongs to.
type Stage string

const (
	StageIntent         Stage = "intent"
	StageContext        Stage = "context"
	StageSpec           Stage = "spec"
	StagePlan           Stage = "plan"
	StageTasks          Stage = "tasks"
	StageImplementation Stage = "implementation"
	StageFeedback       Stage = "feedback"
)

// stageOrder is the canonical ordering of stages used when listing artifacts.
var stageOrder = []Stage{
	StageIntent,
	StageContext,
	StageSpec,
	StagePlan,
	StageTasks,
	StageImplementation,
	StageFeedback,
}

// AllStages returns the stages in canonical pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Rank returns the position of the stage in the pipeline, or -1 if unknown.
func (s Stage) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the fixed stages.
func (s Stage) Valid() bool {
	return s.Rank() >= 0
}

func (s Stage) String() string { return string(s) }

// ParseStage converts user input into a Stage.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, raw)
	}
	return s, nil
}

// =============================================================================
// CLAIM VOCABULARY
// =============================================================================

// Classification is the governance taxonomy a claim belongs to.
type Classification string

const (
	ClassInvariant               Classification = "invariant"
	ClassBoundary                Classification = "boundary"
	ClassOwnershipRule           Classification = "ownership_rule"
	ClassNonNegotiableConstraint Classification = "non_negotiable_constraint"
)

// AllClassifications returns the closed claim taxonomy.
func AllClassifications() []Classification {
	return []Classification{
		ClassInvariant,
		ClassBoundary,
		ClassOwnershipRule,
		ClassNonNegotiableConstraint,
	}
}

// ClaimStatus is the lifecycle state of a claim.
type ClaimStatus string

const (
	StatusActive      ClaimStatus = "active"
	StatusSuperseded  ClaimStatus = "superseded"
	StatusInvalidated ClaimStatus = "invalidated"
)

// ParseClaimStatus converts user input into a ClaimStatus.
func ParseClaimStatus(raw string) (ClaimStatus, error) {
	switch s := ClaimStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusSuperseded, StatusInvalidated:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown claim status %q", ErrValidation, raw)
}

// Origin records how a claim entered the ledger.
type Origin string

const (
	// OriginDeclared claims were authored directly against the founding session.
	OriginDeclared Origin = "declared"
	// OriginConverged claims were promoted from cross-session evidence.
	OriginConverged Origin = "converged"
)

// DecisionStatus is the outcome of an evidence evaluation.
type DecisionStatus string

const (
	DecisionAllow DecisionStatus = "ALLOW"
	DecisionDeny  DecisionStatus = "DENY"
)

// =============================================================================
// ARTIFACT REFERENCES
// =============================================================================

// ArtifactRef addresses one artifact slot inside a project.
type ArtifactRef struct {
	Session string `json:"session"`
	Stage   Stage  `json:"stage"`
}

func (r ArtifactRef) String() string {
	return r.Session + ":" + string(r.Stage)
}

// IDSeparator joins the parts of an artifact id.
const IDSeparator = "::"

// ArtifactID builds the globally unique composite identifier project::session::stage.
func ArtifactID(project, session string, stage Stage) string {
	return project + IDSeparator + session + IDSeparator + string(stage)
}

// ValidateName checks a project or session name. Names must be non-empty and
// must not contain IDSeparator, otherwise two different slots could share an id.
func ValidateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s must be non-empty", ErrValidation, kind)
	}
	if strings.Contains(name, IDSeparator) {
		return fmt.Errorf("%w: %s %q must not contain %q", ErrValidation, kind, name, IDSeparator)
	}
	return nil
}

// ParseArtifactRef parses "session:stage".
func ParseArtifactRef(raw string) (ArtifactRef, error) {
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return ArtifactRef{}, fmt.Errorf("%w: artifact reference %q must look like session:stage", ErrValidation, raw)
	}
	stage, err := ParseStage(raw[idx+1:])
	if err != nil {
		return ArtifactRef{}, err
	}
	session := strings.TrimSpace(raw[:idx])
	if err := ValidateName("session", session); err != nil {
		return ArtifactRef{}, err
	}
	return ArtifactRef{Session: session, Stage: stage}, nil
}
