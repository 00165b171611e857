package evidence

import (
	"testing"
	"time"

	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const claimText = "The artifact store persists every stage in SQLite."

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) (*store.Store, *fakeClock, *Evaluator) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := store.Open(":memory:", store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock, NewEvaluator(s, pipeline.DefaultPolicy())
}

func save(t *testing.T, s *store.Store, session string, stage pipeline.Stage, content string) {
	t.Helper()
	_, err := s.Save("acme", session, stage, content)
	require.NoError(t, err)
}

// seedConverging writes the two-session scenario: the storage statement shows
// up in s1:intent and, nine days later, in s2:spec; s2 has clean feedback.
func seedConverging(t *testing.T, s *store.Store, clock *fakeClock) {
	t.Helper()
	save(t, s, "s1", pipeline.StageIntent,
		"# Intent\n\nThe artifact store persists every stage in SQLite.\n\nWe want one CLI for planning documents.")
	clock.Advance(9 * 24 * time.Hour)
	save(t, s, "s2", pipeline.StageSpec,
		"# Spec\n\nArtifact store persists each stage in SQLite.\n\nCommands are save, list and show; output is JSON on request.")
	save(t, s, "s2", pipeline.StageFeedback, "Review went well. Storage behaved as planned.")
}

func convergingRequest() Request {
	return Request{
		Project:        "acme",
		ClaimText:      claimText,
		Classification: pipeline.ClassInvariant,
		Sources: []pipeline.ArtifactRef{
			{Session: "s2", Stage: pipeline.StageSpec},
			{Session: "s1", Stage: pipeline.StageIntent},
		},
		MinConvergenceDays: 7,
	}
}

func TestEvaluate_AllowsConvergedClaim(t *testing.T) {
	s, clock, ev := newFixture(t)
	seedConverging(t, s, clock)

	d, err := ev.Evaluate(convergingRequest())
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionAllow, d.Status)
	assert.Empty(t, d.FailedChecks)
	assert.True(t, d.Allowed())

	require.Len(t, d.Evidence.Sources, 2)
	assert.Equal(t, "acme::s1::intent", d.Evidence.Sources[0].ArtifactID)
	assert.Equal(t, "acme::s2::spec", d.Evidence.Sources[1].ArtifactID)
	assert.Equal(t, []string{"acme::s2::feedback"}, d.Evidence.Feedback)
	assert.Equal(t, 2, d.Evidence.Metrics.DistinctSessions)
	assert.Equal(t, 2, d.Evidence.Metrics.DistinctStages)
	assert.InDelta(t, 9.0, d.Evidence.Metrics.TimestampSpreadDays, 1e-6)
	assert.Len(t, d.EvidenceHash, 64)
}

func TestEvaluate_SingleSessionDenied(t *testing.T) {
	s, clock, ev := newFixture(t)
	seedConverging(t, s, clock)

	req := convergingRequest()
	req.Sources = []pipeline.ArtifactRef{{Session: "s1", Stage: pipeline.StageIntent}}

	d, err := ev.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionDeny, d.Status)
	assert.Contains(t, d.FailedChecks, CheckSessionDiversity)
	assert.Contains(t, d.FailedChecks, CheckStageDiversity)
}

func TestEvaluate_HashIsDeterministic(t *testing.T) {
	s, clock, ev := newFixture(t)
	seedConverging(t, s, clock)

	first, err := ev.Evaluate(convergingRequest())
	require.NoError(t, err)

	// Source order in the request does not matter.
	req := convergingRequest()
	req.Sources[0], req.Sources[1] = req.Sources[1], req.Sources[0]
	second, err := ev.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, first.EvidenceHash, second.EvidenceHash)

	req.ClaimText = claimText + " Always."
	third, err := ev.Evaluate(req)
	require.NoError(t, err)
	assert.NotEqual(t, first.EvidenceHash, third.EvidenceHash)
}

func TestEvaluate_RunsEveryCheck(t *testing.T) {
	s, _, ev := newFixture(t)
	save(t, s, "s1", pipeline.StageIntent, "Same words in both places.")
	save(t, s, "s1", pipeline.StageSpec, "same   words in BOTH places.")

	req := Request{
		Project:        "acme",
		ClaimText:      "Same words in both places.",
		Classification: pipeline.Classification("opinion"),
		Sources: []pipeline.ArtifactRef{
			{Session: "s1", Stage: pipeline.StageIntent},
			{Session: "s1", Stage: pipeline.StageSpec},
		},
		MinConvergenceDays: 7,
	}
	d, err := ev.Evaluate(req)
	require.NoError(t, err)
	assert.Equal(t, []string{
		CheckSessionDiversity,
		CheckDuplicateStatement,
		CheckClassification,
		CheckMissingFeedback,
		CheckTemporalStability,
	}, d.FailedChecks)
	assert.Equal(t, 1.0, d.Evidence.Metrics.MaxPairwiseSimilarity)
}

func TestEvaluate_Contradictions(t *testing.T) {
	tests := []struct {
		name     string
		feedback string
	}{
		{"bracketed marker", "Retro notes. [Contradiction] we moved storage to a hosted service."},
		{"rejected tag", "[REJECTED] sqlite everywhere"},
		{"sentence pattern", "This contradicts the intent: storage is now remote."},
		{"no longer holds", "The storage assumption no longer holds after review."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock, ev := newFixture(t)
			seedConverging(t, s, clock)
			save(t, s, "s1", pipeline.StageFeedback, tt.feedback)

			d, err := ev.Evaluate(convergingRequest())
			require.NoError(t, err)
			assert.Equal(t, pipeline.DecisionDeny, d.Status)
			assert.Equal(t, []string{CheckContradicted}, d.FailedChecks)
			assert.Equal(t, 1, d.Evidence.Metrics.ContradictionSignals)
			assert.Equal(t, 2, d.Evidence.Metrics.FeedbackSignals)
		})
	}
}

func TestEvaluate_FeedbackFromOtherSessionsIgnoredUnlessLinked(t *testing.T) {
	s, clock, ev := newFixture(t)
	save(t, s, "s1", pipeline.StageIntent,
		"# Intent\n\nThe artifact store persists every stage in SQLite.\n\nWe want one CLI for planning documents.")
	clock.Advance(8 * 24 * time.Hour)
	save(t, s, "s2", pipeline.StageSpec,
		"# Spec\n\nArtifact store persists each stage in SQLite.\n\nCommands are save, list and show.")
	save(t, s, "s3", pipeline.StageFeedback, "Unrelated sessions said the design was rejected, this contradicts nothing here.")

	d, err := ev.Evaluate(convergingRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{CheckMissingFeedback}, d.FailedChecks)

	_, err = s.Link("acme",
		pipeline.ArtifactRef{Session: "s3", Stage: pipeline.StageFeedback},
		pipeline.ArtifactRef{Session: "s1", Stage: pipeline.StageIntent},
		store.DepDerives)
	require.NoError(t, err)

	d, err = ev.Evaluate(convergingRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme::s3::feedback"}, d.Evidence.Feedback)
	assert.Equal(t, []string{CheckContradicted}, d.FailedChecks)
}

func TestEvaluate_CustomDetector(t *testing.T) {
	s, clock, _ := newFixture(t)
	seedConverging(t, s, clock)

	ev := NewEvaluator(s, pipeline.DefaultPolicy(), WithDetector(detectorFunc(func(a store.Artifact) bool {
		return a.Session == "s2"
	})))
	d, err := ev.Evaluate(convergingRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{CheckContradicted}, d.FailedChecks)
}

type detectorFunc func(store.Artifact) bool

func (f detectorFunc) Contradicts(a store.Artifact) bool { return f(a) }

func TestEvaluate_InputErrors(t *testing.T) {
	s, clock, ev := newFixture(t)
	seedConverging(t, s, clock)

	req := convergingRequest()
	req.Sources = append(req.Sources, pipeline.ArtifactRef{Session: "s9", Stage: pipeline.StagePlan})
	_, err := ev.EvaluateAndRecord(req, false)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)

	records, err := ev.Records("acme", "")
	require.NoError(t, err)
	assert.Empty(t, records)

	req = convergingRequest()
	req.ClaimText = "   "
	_, err = ev.Evaluate(req)
	assert.ErrorIs(t, err, pipeline.ErrValidation)

	req = convergingRequest()
	req.Sources = nil
	_, err = ev.Evaluate(req)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestEvaluateAndRecord(t *testing.T) {
	s, clock, ev := newFixture(t)
	seedConverging(t, s, clock)

	dry, err := ev.EvaluateAndRecord(convergingRequest(), true)
	require.NoError(t, err)
	assert.Empty(t, dry.RecordID)
	records, err := ev.Records("acme", "")
	require.NoError(t, err)
	assert.Empty(t, records)

	allow, err := ev.EvaluateAndRecord(convergingRequest(), false)
	require.NoError(t, err)
	require.NotEmpty(t, allow.RecordID)
	assert.Equal(t, dry.EvidenceHash, allow.EvidenceHash)

	denyReq := convergingRequest()
	denyReq.Sources = denyReq.Sources[:1]
	deny, err := ev.EvaluateAndRecord(denyReq, false)
	require.NoError(t, err, "DENY is data, not an error")
	assert.Equal(t, pipeline.DecisionDeny, deny.Status)
	require.NotEmpty(t, deny.RecordID)

	rec, err := ev.Record(allow.RecordID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionAllow, rec.Status)
	assert.Equal(t, allow.EvidenceHash, rec.EvidenceHash)

	ok, err := VerifyRecord(rec)
	require.NoError(t, err)
	assert.True(t, ok)

	bundle, err := DecodeBundle(rec.EvidenceJSON)
	require.NoError(t, err)
	assert.Equal(t, allow.Evidence, bundle)

	sources, err := s.CandidateSources(rec.CandidateID)
	require.NoError(t, err)
	assert.Len(t, sources, 2)

	denied, err := ev.Records("acme", pipeline.DecisionDeny)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, deny.FailedChecks, denied[0].FailedChecks)
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	b, err := CanonicalJSON(struct {
		Zeta  int               `json:"zeta"`
		Alpha map[string]string `json:"alpha"`
	}{Zeta: 1, Alpha: map[string]string{"b": "2", "a": "1"}})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":"1","b":"2"},"zeta":1}`, string(b))
}
