package blueprint

import (
	"os"
	"strings"
	"testing"

	"docpipe/internal/integrity"
	"docpipe/internal/ledger"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	claims := []store.Claim{
		{ID: 3, Text: "Feedback never edits the plan.", Classification: pipeline.ClassBoundary,
			Status: pipeline.StatusActive, Origin: pipeline.OriginDeclared, SourceSession: "blueprint"},
		{ID: 1, Text: "Artifacts are keyed by\nproject, session and stage.", Classification: pipeline.ClassInvariant,
			Status: pipeline.StatusActive, Origin: pipeline.OriginConverged, SourceSession: "s1,s2",
			SourceStages: []pipeline.Stage{pipeline.StageIntent, pipeline.StageSpec}},
		{ID: 2, Text: "Old rule.", Classification: pipeline.ClassInvariant,
			Status: pipeline.StatusSuperseded, Origin: pipeline.OriginDeclared},
	}

	got := Render("acme", claims)
	want := "# Blueprint: acme\n\n" + Header + "\n" +
		"\n## Invariants\n\n" +
		"- Artifacts are keyed by project, session and stage. _(#1, converged, s1,s2: intent, spec)_\n" +
		"\n## Boundaries\n\n" +
		"- Feedback never edits the plan. _(#3, declared, blueprint)_\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Render mismatch (-want +got):\n%s", diff)
	}

	// Input order does not matter.
	reversed := []store.Claim{claims[2], claims[1], claims[0]}
	assert.Equal(t, got, Render("acme", reversed))
}

func TestRender_Empty(t *testing.T) {
	got := Render("acme", nil)
	assert.Contains(t, got, "_No active claims._")
}

type fixture struct {
	store     *store.Store
	ledger    *ledger.Ledger
	guard     *integrity.Guard
	source    integrity.FileSource
	projector *Projector
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	src := integrity.FileSource{Root: t.TempDir()}
	l := ledger.New(s, pipeline.DefaultPolicy())
	g := integrity.NewGuard(s, src)
	return fixture{store: s, ledger: l, guard: g, source: src, projector: NewProjector(l, g, src, "test")}
}

func (f fixture) declare(t *testing.T, text string) store.Claim {
	t.Helper()
	c, err := f.ledger.Declare(ledger.Declaration{
		Project:        "acme",
		Text:           text,
		Classification: pipeline.ClassInvariant,
		SourceSession:  pipeline.FoundingSession,
		SourceStages:   []pipeline.Stage{pipeline.StageIntent},
	})
	require.NoError(t, err)
	return c
}

func TestProject_WritesAndBaselines(t *testing.T) {
	f := newFixture(t)
	f.declare(t, "Every artifact is keyed by project, session and stage.")

	res, err := f.projector.Project("acme")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claims)
	assert.False(t, res.Unchanged)
	require.NotNil(t, res.Event)
	assert.Equal(t, store.ActionBaseline, res.Event.Action)
	assert.Equal(t, "test", res.Event.Actor)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, integrity.DocumentHash(string(data)))
	_, err = os.Stat(res.Path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	w, err := f.guard.Verify("acme")
	require.NoError(t, err)
	assert.Nil(t, w)

	shown, err := f.projector.Show("acme")
	require.NoError(t, err)
	assert.Equal(t, string(data), shown)

	// Nothing changed: no write, no new event.
	res, err = f.projector.Project("acme")
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	events, err := f.guard.Events("acme")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestProject_RefusesTamperedDocument(t *testing.T) {
	f := newFixture(t)
	f.declare(t, "Every artifact is keyed by project, session and stage.")

	res, err := f.projector.Project("acme")
	require.NoError(t, err)

	edited := "# Blueprint: acme\n\n- Something nobody agreed on.\n"
	require.NoError(t, os.WriteFile(res.Path, []byte(edited), 0644))
	f.declare(t, "Claims are demoted at most once.")

	_, err = f.projector.Project("acme")
	require.ErrorIs(t, err, integrity.ErrTampered)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, edited, string(data), "refused projection must leave the file alone")

	_, err = f.guard.AcceptCurrent("acme", "alice")
	require.NoError(t, err)

	res, err = f.projector.Project("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claims)
	data, err = os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "Claims are demoted at most once."))
}

func TestRenderTerminal(t *testing.T) {
	out, err := RenderTerminal("# Title\n\n- item\n", "notty", 40)
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "item")
}
