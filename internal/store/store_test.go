package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"docpipe/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns a clock that advances by step on every reading.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := cur
		cur = cur.Add(step)
		return t
	}
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_FileDatabaseBothDrivers(t *testing.T) {
	for _, driver := range Drivers() {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "docpipe.db")
			s, err := Open(path, WithDriver(driver))
			require.NoError(t, err)

			_, err = s.Save("acme", "s1", pipeline.StageIntent, "hello")
			require.NoError(t, err)
			require.NoError(t, s.Close())

			reopened, err := Open(path, WithDriver(driver))
			require.NoError(t, err)
			defer reopened.Close()

			a, err := reopened.Load("acme", "s1", pipeline.StageIntent)
			require.NoError(t, err)
			assert.Equal(t, "hello", a.Content)

			v, err := reopened.SchemaVersion()
			require.NoError(t, err)
			assert.Equal(t, CurrentSchemaVersion, v)
		})
	}
}

func TestSave_IdempotentUpsert(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(stepClock(start, time.Hour)))

	first, err := s.Save("acme", "s1", pipeline.StageSpec, "first draft")
	require.NoError(t, err)
	second, err := s.Save("acme", "s1", pipeline.StageSpec, "second draft")
	require.NoError(t, err)

	list, err := s.List("acme", ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	got := list[0]
	assert.Equal(t, "acme::s1::spec", got.ID)
	assert.Equal(t, "second draft", got.Content)
	assert.Equal(t, second.ContentHash, got.ContentHash)
	assert.NotEqual(t, first.ContentHash, got.ContentHash)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.True(t, got.UpdatedAt.After(first.UpdatedAt))
}

func TestSave_Validation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("acme", "s1", pipeline.Stage("design"), "x")
	assert.ErrorIs(t, err, pipeline.ErrInvalidStage)

	_, err = s.Save("", "s1", pipeline.StageSpec, "x")
	assert.ErrorIs(t, err, pipeline.ErrValidation)

	restricted := pipeline.DefaultPolicy()
	restricted.Stages = []pipeline.Stage{pipeline.StageIntent}
	s2 := newTestStore(t, WithPolicy(restricted))
	_, err = s2.Save("acme", "s1", pipeline.StagePlan, "x")
	assert.ErrorIs(t, err, pipeline.ErrInvalidStage)
}

func TestSave_NamesCannotCollide(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("a::b", "c", pipeline.StageIntent, "owned by project a::b")
	assert.ErrorIs(t, err, pipeline.ErrValidation)

	owned, err := s.Save("a", "b", pipeline.StageIntent, "owned by project a")
	require.NoError(t, err)

	_, err = s.Save("a", "b::c", pipeline.StageIntent, "must not reach another slot")
	assert.ErrorIs(t, err, pipeline.ErrValidation)
	_, err = s.Save("x", "a::b", pipeline.StageIntent, "must not reach another slot")
	assert.ErrorIs(t, err, pipeline.ErrValidation)

	got, err := s.Load("a", "b", pipeline.StageIntent)
	require.NoError(t, err)
	assert.Equal(t, owned.ContentHash, got.ContentHash)

	projects, err := s.Projects()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, projects)
}

func TestLoad_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("acme", "s1", pipeline.StageIntent)
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))
}

func TestList_OrderAndFilters(t *testing.T) {
	s := newTestStore(t)
	for _, w := range []struct {
		session string
		stage   pipeline.Stage
	}{
		{"s2", pipeline.StageFeedback},
		{"s1", pipeline.StagePlan},
		{"s2", pipeline.StageIntent},
		{"s1", pipeline.StageIntent},
	} {
		_, err := s.Save("acme", w.session, w.stage, w.session+" "+string(w.stage))
		require.NoError(t, err)
	}
	_, err := s.Save("other", "s1", pipeline.StageIntent, "elsewhere")
	require.NoError(t, err)

	list, err := s.List("acme", ArtifactFilter{})
	require.NoError(t, err)
	var ids []string
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"acme::s1::intent", "acme::s1::plan", "acme::s2::intent", "acme::s2::feedback"}, ids)

	list, err = s.List("acme", ArtifactFilter{Session: "s2"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.List("acme", ArtifactFilter{Stage: pipeline.StageIntent})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestFindByMarker(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save("acme", "s1", pipeline.StageFeedback, "Reviewed. [CONTRADICTION] storage moved.")
	require.NoError(t, err)
	_, err = s.Save("acme", "s2", pipeline.StageFeedback, "All good, 100% done")
	require.NoError(t, err)
	_, err = s.Save("acme", "s2", pipeline.StageIntent, "mentions [contradiction] too")
	require.NoError(t, err)

	hits, err := s.FindByMarker("acme", pipeline.StageFeedback, "[contradiction]")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s1", hits[0].Session)

	hits, err = s.FindByMarker("acme", "", "[CONTRADICTION]")
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// LIKE wildcards in the marker are literal.
	hits, err = s.FindByMarker("acme", "", "0%")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s2", hits[0].Session)

	hits, err = s.FindByMarker("acme", "", "_")
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = s.FindByMarker("acme", "", "")
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestProjectsSessionsAndCascade(t *testing.T) {
	s := newTestStore(t)
	a1, err := s.Save("acme", "s1", pipeline.StageIntent, "one")
	require.NoError(t, err)
	_, err = s.Save("acme", "s2", pipeline.StageSpec, "two")
	require.NoError(t, err)
	_, err = s.Save("zeta", "s1", pipeline.StageIntent, "three")
	require.NoError(t, err)
	_, err = s.Link("acme", a1.Ref(), pipeline.ArtifactRef{Session: "s2", Stage: pipeline.StageSpec}, DepDerives)
	require.NoError(t, err)

	projects, err := s.Projects()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "zeta"}, projects)

	sessions, err := s.Sessions("acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, sessions)

	require.NoError(t, s.DeleteSession("acme", "s1"))
	list, err := s.List("acme", ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	edges, err := s.Edges("acme::s2::spec", Both)
	require.NoError(t, err)
	assert.Empty(t, edges)

	require.NoError(t, s.DeleteProject("acme"))
	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["projects"])
	assert.Equal(t, int64(1), stats["artifacts"])

	assert.ErrorIs(t, s.DeleteProject("acme"), pipeline.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession("zeta", "nope"), pipeline.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(func(tx *Tx) error {
		if _, err := tx.Save("acme", "s1", pipeline.StageIntent, "partial"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Load("acme", "s1", pipeline.StageIntent)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}
