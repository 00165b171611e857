package integrity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docpipe/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFileSource(t *testing.T) {
	root := t.TempDir()
	src := FileSource{Root: root}
	require.Equal(t, filepath.Join(root, "acme", DocumentName), src.Path("acme"))

	_, err := src.Read("acme")
	require.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(src.Path("acme")), 0o755))
	require.NoError(t, os.WriteFile(src.Path("acme"), []byte("hello"), 0o644))
	text, err := src.Read("acme")
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestWatcher_ReportsOutOfBandEdit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	src := FileSource{Root: t.TempDir()}
	path := src.Path("acme")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	g := NewGuard(s, src)
	_, err = g.Baseline("acme", "v1", "")
	require.NoError(t, err)

	warnings := make(chan Warning, 4)
	w, err := NewWatcher(g, map[string]string{"acme": path},
		WithDebounce(20*time.Millisecond),
		OnWarning(func(w Warning) {
			select {
			case warnings <- w:
			default:
			}
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("v1 edited by hand"), 0o644))

	select {
	case got := <-warnings:
		require.Equal(t, "acme", got.Project)
		require.Equal(t, DocumentHash("v1 edited by hand"), got.ActualHash)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the edit")
	}

	w.Stop()
	stats := w.Stats()
	require.GreaterOrEqual(t, stats.Warnings, 1)
	require.GreaterOrEqual(t, stats.Verifications, 1)
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	src := FileSource{Root: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(src.Root, "acme"), 0o755))

	w, err := NewWatcher(NewGuard(s, src), map[string]string{"acme": src.Path("acme")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx), "second start is a no-op")
	cancel()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
	w.Stop()
}

func TestWatcher_StopWithoutStartClosesDone(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	src := FileSource{Root: t.TempDir()}
	w, err := NewWatcher(NewGuard(s, src), map[string]string{"acme": src.Path("acme")})
	require.NoError(t, err)

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed by Stop")
	}
	w.Stop()
}
