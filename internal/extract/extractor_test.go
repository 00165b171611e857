package extract

import (
	"testing"

	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements(t *testing.T) {
	doc := "# Heading that is long enough to be a statement otherwise\n" +
		"\n" +
		"- The store writes each artifact inside a single short transaction.\n" +
		"- [x] Every claim change is recorded as an append-only lifecycle event.\n" +
		"```go\n" +
		"// inside a fence this long line should never be treated as prose at all\n" +
		"```\n" +
		"| column one has text | column two has more text too |\n" +
		"---\n" +
		"<!-- a comment that spans\n" +
		"several lines and would otherwise count as a statement -->\n" +
		"This document describes the intent of the feature for the team.\n" +
		"Owner: {{owner_name}} is responsible for every section of this file.\n" +
		"Too short to count.\n" +
		"Use `a` and `b` then `c` and `d` whenever the store is opened.\n" +
		"> Feedback is linked to the artifacts it reviews through the graph.\n" +
		"2. Blueprint claims are unique per project and claim text.\n"

	got := Statements(doc)
	want := []string{
		"The store writes each artifact inside a single short transaction.",
		"Every claim change is recorded as an append-only lifecycle event.",
		"Feedback is linked to the artifacts it reviews through the graph.",
		"Blueprint claims are unique per project and claim text.",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Statements mismatch (-want +got):\n%s", diff)
	}
}

func TestSuggestClassification(t *testing.T) {
	tests := []struct {
		text string
		want pipeline.Classification
	}{
		{"The ledger owns claim state and nothing else writes it.", pipeline.ClassOwnershipRule},
		{"The CLI must not talk to the network during evaluation.", pipeline.ClassBoundary},
		{"Every artifact is keyed by project, session and stage.", pipeline.ClassInvariant},
		{"Promotion requires evidence from two sessions.", pipeline.ClassNonNegotiableConstraint},
		// Ownership is checked before boundary.
		{"The store owns the database and never shares handles.", pipeline.ClassOwnershipRule},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SuggestClassification(tt.text), tt.text)
	}
}

func TestCanonicalPatternMatches(t *testing.T) {
	patterns := DefaultPatterns()
	p, ok := matchCanonical(patterns, "The Documentation OS feeds the orchestrator with plans.")
	require.True(t, ok)
	assert.Equal(t, "docs-os-orchestrator", p.Name)

	_, ok = matchCanonical(patterns, "The orchestrator runs tasks in parallel for the team.")
	assert.False(t, ok)

	assert.False(t, CanonicalPattern{Name: "empty"}.Matches("anything at all"))
}

func seed(t *testing.T, s *store.Store, session string, stage pipeline.Stage, content string) {
	t.Helper()
	_, err := s.Save("acme", session, stage, content)
	require.NoError(t, err)
}

func newSeededStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	seed(t, s, "s1", pipeline.StageIntent, "# Intent\n\n"+
		"- Every artifact is keyed by project, session and stage in the store.\n"+
		"- Every artifact is keyed by project, session and stage in the store.\n"+
		"We want a small command line tool for planning documents today.\n")
	seed(t, s, "s1", pipeline.StageContext,
		"Our documentation OS keeps every plan while the orchestrator executes tasks.\n")
	seed(t, s, "s2", pipeline.StageSpec, "## Spec\n\n"+
		"Every artifact is keyed by project, session and stage.\n"+
		"Commands include save, list, show and a JSON output switch.\n")
	seed(t, s, "s2", pipeline.StagePlan,
		"The orchestrator reads from the docs OS and never writes planning files back.\n")
	seed(t, s, "s3", pipeline.StagePlan,
		"1. Every artifact is keyed by its project, session and stage in the store.\n"+
			"Phase one ships storage and phase two ships the promotion gate.\n")
	seed(t, s, "s3", pipeline.StageFeedback,
		"Every artifact is keyed by project, session and stage, and it worked.\n")
	return s
}

func TestExtract(t *testing.T) {
	s := newSeededStore(t)
	x := New(s, pipeline.DefaultPolicy())

	got, err := x.Extract("acme", DefaultOptions())
	require.NoError(t, err)

	want := []Candidate{
		{
			ClaimText:               "Every artifact is keyed by project, session and stage.",
			SuggestedClassification: pipeline.ClassInvariant,
			SupportCount:            3,
			SourceCount:             3,
			Sessions:                []string{"s1", "s2", "s3"},
			Stages:                  []pipeline.Stage{pipeline.StageIntent, pipeline.StageSpec, pipeline.StagePlan},
			Sources: []pipeline.ArtifactRef{
				{Session: "s1", Stage: pipeline.StageIntent},
				{Session: "s2", Stage: pipeline.StageSpec},
				{Session: "s3", Stage: pipeline.StagePlan},
			},
		},
		{
			ClaimText:               "The documentation OS owns planning artifacts; the orchestrator only consumes them.",
			SuggestedClassification: pipeline.ClassOwnershipRule,
			Canonical:               true,
			SupportCount:            2,
			SourceCount:             2,
			Sessions:                []string{"s1", "s2"},
			Stages:                  []pipeline.Stage{pipeline.StageContext, pipeline.StagePlan},
			Sources: []pipeline.ArtifactRef{
				{Session: "s1", Stage: pipeline.StageContext},
				{Session: "s2", Stage: pipeline.StagePlan},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, want[0].Sources, got[0].SourceRefs())
}

func TestExtract_OptionsAndLimits(t *testing.T) {
	s := newSeededStore(t)
	x := New(s, pipeline.DefaultPolicy())

	opts := DefaultOptions()
	opts.Limit = 1
	got, err := x.Extract("acme", opts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Sessions, 3)

	opts = DefaultOptions()
	opts.MinSessions = 3
	got, err = x.Extract("acme", opts)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Mining feedback too adds the s3 feedback line to the first cluster.
	opts = DefaultOptions()
	opts.AllowedStages = pipeline.AllStages()
	got, err = x.Extract("acme", opts)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, 4, got[0].SourceCount)

	// Without canonical patterns the docs-OS lines are too different to cluster.
	got, err = x.WithPatterns(nil).Extract("acme", DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	opts = DefaultOptions()
	opts.AllowedStages = []pipeline.Stage{"design"}
	_, err = x.Extract("acme", opts)
	assert.ErrorIs(t, err, pipeline.ErrInvalidStage)

	got, err = x.Extract("nobody", DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSortCandidates(t *testing.T) {
	cands := []Candidate{
		{ClaimText: "bbb", Sessions: []string{"a"}, SupportCount: 1},
		{ClaimText: "aaaa", Sessions: []string{"a", "b"}, SupportCount: 1},
		{ClaimText: "aaa", Sessions: []string{"a", "b"}, SupportCount: 1},
		{ClaimText: "zz", Sessions: []string{"a", "b"}, SupportCount: 5},
		{ClaimText: "aab", Sessions: []string{"a", "b"}, SupportCount: 1},
	}
	SortCandidates(cands)
	var order []string
	for _, c := range cands {
		order = append(order, c.ClaimText)
	}
	assert.Equal(t, []string{"zz", "aaa", "aab", "aaaa", "bbb"}, order)
}
