package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"docpipe/internal/evidence"
	"docpipe/internal/integrity"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"DOCPIPE_DB", "DOCPIPE_DB_DRIVER", "DOCPIPE_BLUEPRINT_DIR", "DOCPIPE_MIN_CONVERGENCE_DAYS"} {
		t.Setenv(key, "")
	}
	return t.TempDir()
}

func runCLI(t *testing.T, ws, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"-w", ws}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, ws string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, ws, "", args...)
	if err != nil {
		t.Fatalf("docpipe %v failed: %v\n%s", args, err, out)
	}
	return out
}

func seedArtifacts(t *testing.T, ws string) {
	t.Helper()
	mustRun(t, ws, "artifact", "save", "acme", "s1", "intent",
		"--content", "Every artifact is keyed by project, session and stage.")
	mustRun(t, ws, "artifact", "save", "acme", "s2", "spec",
		"--content", "The spec lists commands and keys every record by its slot in the pipeline.")
	mustRun(t, ws, "artifact", "save", "acme", "s2", "feedback",
		"--content", "Reviewed the spec, the keying scheme worked well.")
}

func TestArtifactCommands(t *testing.T) {
	ws := newWorkspace(t)

	out, err := runCLI(t, ws, "Read from stdin with enough words.", "artifact", "save", "acme", "s1", "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved acme::s1::plan")

	seedArtifacts(t, ws)

	out = mustRun(t, ws, "--json", "artifact", "list", "acme")
	var list []store.Artifact
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 4)
	assert.Equal(t, "acme::s1::intent", list[0].ID)

	out = mustRun(t, ws, "artifact", "show", "acme", "s1", "plan")
	assert.Contains(t, out, "Read from stdin with enough words.")

	out = mustRun(t, ws, "--json", "artifact", "find", "acme", "feedback", "KEYING")
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)

	_, err = runCLI(t, ws, "", "artifact", "show", "acme", "s9", "plan")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)

	_, err = runCLI(t, ws, "", "artifact", "save", "acme", "s1", "design", "--content", "x")
	assert.ErrorIs(t, err, pipeline.ErrInvalidStage)
}

func TestGraphCommands(t *testing.T) {
	ws := newWorkspace(t)
	seedArtifacts(t, ws)

	out := mustRun(t, ws, "graph", "link", "acme", "s2:feedback", "s1:intent")
	assert.Contains(t, out, "acme::s2::feedback -[derives]-> acme::s1::intent")

	out = mustRun(t, ws, "graph", "edges", "acme", "s1:intent", "--direction", "incoming")
	assert.Contains(t, out, "acme::s2::feedback")

	out = mustRun(t, ws, "--json", "graph", "related", "acme", "s1:intent", "s2:spec")
	var related []store.Artifact
	require.NoError(t, json.Unmarshal([]byte(out), &related))
	require.Len(t, related, 1)
	assert.Equal(t, "acme::s2::feedback", related[0].ID)

	out = mustRun(t, ws, "graph", "lineage", "acme", "s1:intent", "s2:feedback")
	assert.Contains(t, out, "No path")

	_, err := runCLI(t, ws, "", "graph", "link", "acme", "s1:intent", "s1:intent")
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestEvaluateDenyIsNotAnError(t *testing.T) {
	ws := newWorkspace(t)
	seedArtifacts(t, ws)

	out := mustRun(t, ws, "evaluate", "acme", "Every artifact is keyed by project, session and stage.",
		"--source", "s1:intent")
	assert.Contains(t, out, "DENY")
	assert.Contains(t, out, evidence.CheckSessionDiversity)

	out = mustRun(t, ws, "--json", "promotions", "list", "acme", "--status", "deny")
	var recs []store.PromotionRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)

	out = mustRun(t, ws, "promotions", "show", recs[0].ID)
	assert.Contains(t, out, "hash ok")
	assert.Contains(t, out, "source acme::s1::intent")

	out = mustRun(t, ws, "--json", "evaluate", "acme", "Every artifact is keyed by project, session and stage.",
		"-c", "preference", "-s", "s1:intent", "-s", "s2:spec", "--min-days", "0")
	var dec evidence.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &dec))
	assert.Equal(t, pipeline.DecisionDeny, dec.Status)
	assert.Equal(t, []string{evidence.CheckClassification}, dec.FailedChecks)
	require.NotEmpty(t, dec.RecordID)

	_, err := runCLI(t, ws, "", "evaluate", "acme", "claim", "--source", "bogus")
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestGovernanceFlow(t *testing.T) {
	ws := newWorkspace(t)
	seedArtifacts(t, ws)

	out := mustRun(t, ws, "--json", "evaluate", "acme", "Every artifact is keyed by project, session and stage.",
		"-c", "invariant", "-s", "s1:intent", "-s", "s2:spec", "--min-days", "0")
	var dec evidence.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &dec))
	require.Equal(t, pipeline.DecisionAllow, dec.Status, "failed: %v", dec.FailedChecks)
	require.NotEmpty(t, dec.RecordID)

	out = mustRun(t, ws, "--json", "claims", "accept", dec.RecordID, "--actor", "alice")
	var claim store.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &claim))
	assert.Equal(t, pipeline.OriginConverged, claim.Origin)
	assert.Equal(t, pipeline.StatusActive, claim.Status)

	mustRun(t, ws, "claims", "declare", "acme", "The ledger is the only writer of claim state.",
		"-c", "ownership_rule", "--stage", "intent")
	_, err := runCLI(t, ws, "", "claims", "declare", "acme", "Sneaky claim.", "--session", "s1")
	assert.ErrorIs(t, err, pipeline.ErrNotFoundingSession)

	out = mustRun(t, ws, "blueprint", "project", "acme")
	assert.Contains(t, out, "2 claims")
	path := filepath.Join(ws, "docs", "acme", integrity.DocumentName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "The ledger is the only writer of claim state.")

	out = mustRun(t, ws, "integrity", "verify", "acme")
	assert.Contains(t, out, "OK")

	require.NoError(t, os.WriteFile(path, []byte(string(data)+"\n- hand edit\n"), 0644))
	out = mustRun(t, ws, "integrity", "verify", "acme")
	assert.Contains(t, out, "WARNING")

	_, err = runCLI(t, ws, "", "blueprint", "project", "acme")
	assert.ErrorIs(t, err, integrity.ErrTampered)

	mustRun(t, ws, "integrity", "accept", "acme", "--actor", "alice")
	out = mustRun(t, ws, "claims", "demote", "2", "--status", "invalidated", "--reason", "merged into the store rules")
	assert.Contains(t, out, "active -> invalidated")

	out = mustRun(t, ws, "blueprint", "project", "acme")
	assert.Contains(t, out, "1 claims")

	out = mustRun(t, ws, "blueprint", "show", "acme", "--raw")
	assert.NotContains(t, out, "The ledger is the only writer of claim state.")

	out = mustRun(t, ws, "--json", "integrity", "status", "acme", "--log")
	var st struct {
		integrity.Status
		Events []store.IntegrityEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Matches)
	var actions []store.IntegrityAction
	for _, e := range st.Events {
		actions = append(actions, e.Action)
	}
	// Newest first. The refused projection recorded its own warning.
	assert.Equal(t, []store.IntegrityAction{
		store.ActionBaseline, store.ActionAccept, store.ActionWarn, store.ActionWarn, store.ActionBaseline,
	}, actions)

	out = mustRun(t, ws, "claims", "events", "--project", "acme")
	assert.Contains(t, out, "invalidated")

	out = mustRun(t, ws, "--json", "status")
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.EqualValues(t, store.CurrentSchemaVersion, status["schema_version"])
}

func TestProjectCommands(t *testing.T) {
	ws := newWorkspace(t)
	seedArtifacts(t, ws)

	out := mustRun(t, ws, "project", "list")
	assert.Contains(t, out, "acme")

	mustRun(t, ws, "project", "delete", "acme", "--session", "s2")
	out = mustRun(t, ws, "--json", "artifact", "list", "acme")
	var list []store.Artifact
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 1)

	mustRun(t, ws, "project", "delete", "acme")
	_, err := runCLI(t, ws, "", "project", "delete", "acme")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestCandidatesExtract(t *testing.T) {
	ws := newWorkspace(t)
	mustRun(t, ws, "artifact", "save", "acme", "s1", "intent",
		"--content", "- every artifact is keyed by project, session and stage.")
	mustRun(t, ws, "artifact", "save", "acme", "s2", "spec",
		"--content", "- Every artifact is keyed by project, session and stage.")

	out := mustRun(t, ws, "candidates", "extract", "acme")
	assert.Contains(t, out, "1. Every artifact is keyed by project, session and stage.")
	assert.Contains(t, out, "s1:intent s2:spec")

	out = mustRun(t, ws, "candidates", "extract", "acme", "--min-sessions", "3")
	assert.Contains(t, out, "No candidates.")

	_, err := runCLI(t, ws, "", "candidates", "extract", "acme", "--stage", "design")
	assert.ErrorIs(t, err, pipeline.ErrInvalidStage)
}

func TestInit(t *testing.T) {
	ws := newWorkspace(t)

	out := mustRun(t, ws, "init", "--founding-session", "kickoff")
	assert.Contains(t, out, "Wrote ")
	assert.Contains(t, out, "Store ready")

	out = mustRun(t, ws, "init")
	assert.Contains(t, out, "already exists")

	out = mustRun(t, ws, "--json", "status")
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "kickoff", status["founding_session"])
}

func TestCandidatesExtract_ConfigZerosAreKept(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".docpipe"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".docpipe", "config.yaml"), []byte(`extraction:
  min_sources: 0
  min_sessions: 0
  min_stages: 0
`), 0644))

	mustRun(t, ws, "artifact", "save", "acme", "s1", "intent",
		"--content", "- Every artifact is keyed by project, session and stage.")

	out := mustRun(t, ws, "candidates", "extract", "acme")
	assert.Contains(t, out, "1. Every artifact is keyed by project, session and stage.")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunWatch_ReportsInitialStateAndEdits(t *testing.T) {
	ws := newWorkspace(t)
	seedArtifacts(t, ws)
	mustRun(t, ws, "blueprint", "project", "acme")

	workspace = ws
	logger = zap.NewNop()
	a, err := openApp()
	require.NoError(t, err)
	defer a.Close()

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWatch(ctx, &out, a, []string{"acme"}, 20*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "OK") },
		5*time.Second, 10*time.Millisecond)

	path := a.source.Path("acme")
	require.NoError(t, os.WriteFile(path, []byte("# edited by hand\n"), 0644))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "WARNING") },
		5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
