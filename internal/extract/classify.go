package extract

import (
	"regexp"
	"strings"

	"docpipe/internal/pipeline"
	"docpipe/internal/textsim"
)

// =============================================================================
// CLASSIFICATION SUGGESTION
// =============================================================================

// Keyword scans run in this order; the first match wins. They only produce a
// default for the operator, the ledger never relies on them.
var classificationRules = []struct {
	class   pipeline.Classification
	pattern *regexp.Regexp
}{
	{pipeline.ClassOwnershipRule, regexp.MustCompile(`(?i)\b(owns?|owned|owner|ownership|responsible for|sole writer|only writer|source of truth|authoritative)\b`)},
	{pipeline.ClassBoundary, regexp.MustCompile(`(?i)\b(must not|never|boundary|boundaries|outside|only through|does not|cannot|isolated|separate from|out of scope)\b`)},
	{pipeline.ClassInvariant, regexp.MustCompile(`(?i)\b(always|every|at most|at least|exactly|unique|invariant|idempotent|deterministic|immutable)\b`)},
}

// SuggestClassification guesses a taxonomy value for a claim.
func SuggestClassification(text string) pipeline.Classification {
	for _, rule := range classificationRules {
		if rule.pattern.MatchString(text) {
			return rule.class
		}
	}
	return pipeline.ClassNonNegotiableConstraint
}

// =============================================================================
// CANONICAL CLAIMS
// =============================================================================

// CanonicalPattern maps statements that mention every concept group to a fixed
// sentence, so that well-known claims do not drift with phrasing.
type CanonicalPattern struct {
	Name           string
	Groups         [][]string // each group is satisfied by any one phrase
	Claim          string
	Classification pipeline.Classification
}

// Matches reports whether the statement mentions every group.
func (p CanonicalPattern) Matches(statement string) bool {
	lower := textsim.CollapseWhitespace(statement)
	for _, group := range p.Groups {
		found := false
		for _, phrase := range group {
			if strings.Contains(lower, phrase) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return len(p.Groups) > 0
}

// DefaultPatterns are the hand-authored canonical claims.
func DefaultPatterns() []CanonicalPattern {
	return []CanonicalPattern{
		{
			Name: "docs-os-orchestrator",
			Groups: [][]string{
				{"documentation os", "docs os", "doc os", "documentation operating system"},
				{"orchestrator", "orchestration"},
			},
			Claim:          "The documentation OS owns planning artifacts; the orchestrator only consumes them.",
			Classification: pipeline.ClassOwnershipRule,
		},
		{
			Name: "artifact-store-embedded-db",
			Groups: [][]string{
				{"artifact store", "artifact database"},
				{"sqlite", "embedded database"},
			},
			Claim:          "The artifact store is the single durable record of pipeline artifacts and is backed by embedded SQLite.",
			Classification: pipeline.ClassInvariant,
		},
		{
			Name: "blueprint-promotion-gate",
			Groups: [][]string{
				{"blueprint"},
				{"claim"},
				{"evidence", "promotion", "promoted", "converge"},
			},
			Claim:          "Claims enter the blueprint only by founding declaration or evidence-backed promotion.",
			Classification: pipeline.ClassNonNegotiableConstraint,
		},
	}
}

func matchCanonical(patterns []CanonicalPattern, statement string) (CanonicalPattern, bool) {
	for _, p := range patterns {
		if p.Matches(statement) {
			return p, true
		}
	}
	return CanonicalPattern{}, false
}
