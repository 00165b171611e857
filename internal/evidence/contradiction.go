package evidence

import (
	"regexp"

	"docpipe/internal/store"
)

// ContradictionMarkers are explicit tags reviewers put in feedback. They are
// matched case-insensitively by the store's marker scan.
var ContradictionMarkers = []string{
	"[contradiction]",
	"[contradicts]",
	"[rejected]",
}

// Detector decides whether a feedback artifact disputes earlier planning.
// The default is a phrase heuristic that both over- and under-matches; a
// better classifier can be plugged in with WithDetector.
type Detector interface {
	Contradicts(feedback store.Artifact) bool
}

// PatternDetector flags feedback whose content matches any pattern.
type PatternDetector struct {
	Patterns []*regexp.Regexp
}

// Contradicts implements Detector.
func (d PatternDetector) Contradicts(feedback store.Artifact) bool {
	for _, p := range d.Patterns {
		if p.MatchString(feedback.Content) {
			return true
		}
	}
	return false
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthis contradicts\b`),
	regexp.MustCompile(`(?i)\bwas rejected\b`),
	regexp.MustCompile(`(?i)\bno longer holds\b`),
	regexp.MustCompile(`(?i)\bis contradicted by\b`),
}

// DefaultDetector returns the built-in sentence heuristics.
func DefaultDetector() Detector {
	return PatternDetector{Patterns: defaultPatterns}
}
