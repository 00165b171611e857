package integrity

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"docpipe/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a document must be quiet before it is verified.
const DefaultDebounce = 500 * time.Millisecond

// Watcher verifies governing documents whenever they change on disk.
// It watches parent directories so editors that save through a rename are
// still noticed.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	guard       *Guard
	files       map[string]string // absolute path -> project
	debounceMap map[string]time.Time
	debounceDur time.Duration
	onWarning   func(Warning)
	stopCh      chan struct{}
	doneCh      chan struct{}
	doneOnce    sync.Once
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events        int
	Verifications int
	Warnings      int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounceDur = d }
}

// OnWarning registers a callback for every detected mismatch.
func OnWarning(fn func(Warning)) WatcherOption {
	return func(w *Watcher) { w.onWarning = fn }
}

// NewWatcher creates a watcher. files maps each project to the path of its
// governing document.
func NewWatcher(guard *Guard, files map[string]string, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:     fw,
		guard:       guard,
		files:       make(map[string]string, len(files)),
		debounceMap: make(map[string]time.Time),
		debounceDur: DefaultDebounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for project, path := range files {
		abs, err := filepath.Abs(path)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.files[abs] = project
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for path := range w.files {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return err
		}
		logging.Integrity("Watcher: watching directory %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	} else {
		// The event loop never ran, so nothing else will close doneCh.
		w.closeDone()
	}

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryIntegrity).Error("Watcher: error closing watcher: %v", err)
	}
	logging.IntegrityDebug("Watcher: stopped")
}

// Done is closed once the event loop has exited, or by Stop when the
// watcher was never started.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) closeDone() {
	w.doneOnce.Do(func() { close(w.doneCh) })
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer w.closeDone()

	ticker := time.NewTicker(w.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.IntegrityDebug("Watcher: context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIntegrity).Error("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processDebouncedEvents()
		}
	}
}

func (w *Watcher) tickInterval() time.Duration {
	if iv := w.debounceDur / 5; iv > 10*time.Millisecond {
		return iv
	}
	return 10 * time.Millisecond
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	path, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return
	}
	w.stats.Events++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = path
	w.debounceMap[path] = time.Now()
}

func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	var projects []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			projects = append(projects, w.files[path])
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, project := range projects {
		w.verify(project)
	}
}

func (w *Watcher) verify(project string) {
	warning, err := w.guard.Verify(project)

	w.mu.Lock()
	w.stats.Verifications++
	if err != nil {
		w.stats.Errors++
	}
	if warning != nil {
		w.stats.Warnings++
	}
	w.mu.Unlock()

	if err != nil {
		logging.Get(logging.CategoryIntegrity).Error("Watcher: verify %s failed: %v", project, err)
		return
	}
	if warning != nil && w.onWarning != nil {
		w.onWarning(*warning)
	}
}
