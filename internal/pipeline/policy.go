package pipeline

import (
	"fmt"
	"strings"
)

// FoundingSession is the session that holds project-wide blueprint planning.
const FoundingSession = "blueprint"

// Heuristic thresholds. These are approximations tuned by hand; they live here so
// that config can override them without code changes.
const (
	DuplicateSimilarityThreshold = 0.98
	ClusterSimilarityThreshold   = 0.82
	SequenceWeight               = 0.7
	JaccardWeight                = 0.3
	DefaultMinConvergenceDays    = 7
)

// Policy is the immutable governance configuration injected into every component.
// Build one with DefaultPolicy and adjust the copy before handing it out.
type Policy struct {
	FoundingSession    string
	Stages             []Stage
	Classifications    []Classification
	DuplicateThreshold float64
	ClusterThreshold   float64
	SequenceWeight     float64
	JaccardWeight      float64
	MinConvergenceDays int
}

// DefaultPolicy returns the built-in governance policy.
func DefaultPolicy() Policy {
	return Policy{
		FoundingSession:    FoundingSession,
		Stages:             AllStages(),
		Classifications:    AllClassifications(),
		DuplicateThreshold: DuplicateSimilarityThreshold,
		ClusterThreshold:   ClusterSimilarityThreshold,
		SequenceWeight:     SequenceWeight,
		JaccardWeight:      JaccardWeight,
		MinConvergenceDays: DefaultMinConvergenceDays,
	}
}

// IsFoundingSession reports whether session is the blueprint session.
func (p Policy) IsFoundingSession(session string) bool {
	return strings.TrimSpace(session) == p.FoundingSession
}

// AllowsStage reports whether the stage is part of this policy.
func (p Policy) AllowsStage(s Stage) bool {
	for _, st := range p.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// AllowsClassification reports whether c is in the claim taxonomy.
func (p Policy) AllowsClassification(c Classification) bool {
	for _, cl := range p.Classifications {
		if cl == c {
			return true
		}
	}
	return false
}

// ParseClassification validates c against the policy taxonomy.
func (p Policy) ParseClassification(raw string) (Classification, error) {
	c := Classification(strings.ToLower(strings.TrimSpace(raw)))
	if !p.AllowsClassification(c) {
		return "", fmt.Errorf("%w: %q", ErrInvalidClassification, raw)
	}
	return c, nil
}

// Validate checks the policy for internally inconsistent values.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.FoundingSession) == "" {
		return fmt.Errorf("%w: founding session must be set", ErrValidation)
	}
	if len(p.Stages) == 0 || len(p.Classifications) == 0 {
		return fmt.Errorf("%w: policy needs stages and classifications", ErrValidation)
	}
	for _, st := range p.Stages {
		if !st.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidStage, st)
		}
	}
	for _, th := range []float64{p.DuplicateThreshold, p.ClusterThreshold} {
		if th <= 0 || th > 1 {
			return fmt.Errorf("%w: similarity thresholds must be in (0, 1]", ErrValidation)
		}
	}
	if p.SequenceWeight < 0 || p.JaccardWeight < 0 || p.SequenceWeight+p.JaccardWeight == 0 {
		return fmt.Errorf("%w: similarity weights must be non-negative and not both zero", ErrValidation)
	}
	if p.MinConvergenceDays < 0 {
		return fmt.Errorf("%w: min convergence days must be >= 0", ErrValidation)
	}
	return nil
}
