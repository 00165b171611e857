// Package textsim holds the text heuristics used by the promotion gate and the
// candidate extractor: normalization, fingerprints and similarity scores.
//
// These are approximations. Thresholds that consume the scores live in
// pipeline.Policy so they can be tuned from config.
package textsim

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

// ContentHash is the sha256 hex digest of the raw UTF-8 bytes.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CollapseWhitespace lower-cases s and collapses every whitespace run to one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint is the semantic fingerprint: a digest of whitespace-collapsed,
// lower-cased content. Two artifacts that differ only in case or layout share it.
func Fingerprint(content string) string {
	return ContentHash(CollapseWhitespace(content))
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {}, "we": {}, "our": {},
	"all": {}, "any": {}, "into": {}, "so": {}, "than": {}, "then": {}, "there": {},
	"these": {}, "those": {}, "which": {}, "while": {},
}

// IsStopWord reports whether w (lower-case) is ignored by Normalize.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// Tokens lower-cases s, replaces punctuation with spaces and drops stop words.
func Tokens(s string) []string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)

	fields := strings.Fields(mapped)
	out := fields[:0]
	for _, f := range fields {
		if IsStopWord(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Normalize returns the canonical comparison form of a statement:
// lower-cased, punctuation-stripped and stop-word-filtered.
func Normalize(s string) string {
	return strings.Join(Tokens(s), " ")
}

// SequenceRatio is the Ratcliff/Obershelp similarity of a and b over characters,
// in [0, 1]. Two empty strings are identical.
func SequenceRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	m := difflib.NewMatcher(splitChars(a), splitChars(b))
	return m.Ratio()
}

func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// TokenJaccard is |A∩B| / |A∪B| over the token sets of a and b.
func TokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		set[t] = struct{}{}
	}
	return set
}

// Blended combines sequence and token similarity of two normalized statements.
// Weights are normalized so that the result stays in [0, 1].
func Blended(a, b string, seqWeight, jaccardWeight float64) float64 {
	total := seqWeight + jaccardWeight
	if total <= 0 {
		return 0
	}
	return (seqWeight*SequenceRatio(a, b) + jaccardWeight*TokenJaccard(a, b)) / total
}
