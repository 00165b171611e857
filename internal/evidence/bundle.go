// Package evidence implements the promotion gate: it scores a proposed claim
// against the artifacts that support it and produces an auditable decision.
//
// Every check runs on every evaluation, so a DENY carries the full list of
// reasons. DENY is data, not an error.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"docpipe/internal/pipeline"
	"docpipe/internal/store"
)

// Failure codes appended to Decision.FailedChecks, in evaluation order.
const (
	CheckSessionDiversity   = "INSUFFICIENT_SESSION_DIVERSITY"
	CheckStageDiversity     = "INSUFFICIENT_STAGE_DIVERSITY"
	CheckDuplicateStatement = "DUPLICATE_STATEMENT"
	CheckClassification     = "INVALID_CLASSIFICATION"
	CheckMissingFeedback    = "MISSING_FEEDBACK_EVIDENCE"
	CheckContradicted       = "CONTRADICTED_BY_FEEDBACK"
	CheckTemporalStability  = "INSUFFICIENT_TEMPORAL_STABILITY"
)

// MinDistinctSessions and MinDistinctStages are the diversity floors.
const (
	MinDistinctSessions = 2
	MinDistinctStages   = 2
)

// SourceSnapshot pins one source artifact as it was when evaluated.
type SourceSnapshot struct {
	ArtifactID  string         `json:"artifact_id"`
	Session     string         `json:"session"`
	Stage       pipeline.Stage `json:"stage"`
	ContentHash string         `json:"content_hash"`
	Fingerprint string         `json:"fingerprint"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Metrics are the derived numbers the checks are based on.
type Metrics struct {
	DistinctSessions      int     `json:"distinct_sessions"`
	DistinctStages        int     `json:"distinct_stages"`
	MaxPairwiseSimilarity float64 `json:"max_pairwise_similarity"`
	FeedbackSignals       int     `json:"feedback_signals"`
	ContradictionSignals  int     `json:"contradiction_signals"`
	TimestampSpreadDays   float64 `json:"timestamp_spread_days"`
}

// Bundle is the evidence snapshot a decision is based on.
type Bundle struct {
	Project            string                  `json:"project"`
	ClaimText          string                  `json:"claim_text"`
	Classification     pipeline.Classification `json:"classification"`
	MinConvergenceDays int                     `json:"min_convergence_days"`
	Sources            []SourceSnapshot        `json:"sources"`
	Feedback           []string                `json:"feedback"`
	Metrics            Metrics                 `json:"metrics"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Status       pipeline.DecisionStatus `json:"status"`
	FailedChecks []string                `json:"failed_checks"`
	Evidence     Bundle                  `json:"evidence"`
	EvidenceHash string                  `json:"evidence_hash"`
	// RecordID is set once the decision has been persisted.
	RecordID string `json:"record_id,omitempty"`
}

// Allowed reports whether the claim may be promoted.
func (d Decision) Allowed() bool {
	return d.Status == pipeline.DecisionAllow
}

func snapshot(a store.Artifact) SourceSnapshot {
	return SourceSnapshot{
		ArtifactID:  a.ID,
		Session:     a.Session,
		Stage:       a.Stage,
		ContentHash: a.ContentHash,
		Fingerprint: a.Fingerprint,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// round4 keeps float metrics stable across platforms before hashing.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// CanonicalJSON encodes v with sorted object keys and no insignificant
// whitespace. Decoding into a generic value first is what sorts struct
// fields, since encoding/json emits maps in key order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize evidence: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical evidence: %w", err)
	}
	return out, nil
}

// Hash returns the sha256 hex digest of the canonical encoding of v, together
// with the bytes that were hashed.
func Hash(v any) (string, []byte, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// DecodeBundle parses the evidence JSON stored with a promotion record.
func DecodeBundle(evidenceJSON string) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal([]byte(evidenceJSON), &b); err != nil {
		return Bundle{}, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return b, nil
}
