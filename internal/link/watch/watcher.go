// Package watch observes a project tree and feeds settled file changes into a
// change.Queue, signalling a debounced flush after each burst.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/applinkdev/applink/internal/link/change"
	"github.com/applinkdev/applink/internal/project"
)

var (
	// ErrWatchLimit is returned when the OS refuses more watches.
	ErrWatchLimit = errors.New("filesystem watch limit reached")

	// ErrOverflow is passed to OnError when the OS dropped events. The
	// queued changes are incomplete and the caller should resync.
	ErrOverflow = errors.New("filesystem events were dropped")

	// ErrAlreadyRunning is returned by Start on a running watcher.
	ErrAlreadyRunning = errors.New("watcher already running")
)

// DefaultDebounce returns the flush window for the current platform. Darwin
// and Windows deliver editor saves as longer event bursts.
func DefaultDebounce() time.Duration {
	switch runtime.GOOS {
	case "darwin", "windows":
		return time.Second
	default:
		return 300 * time.Millisecond
	}
}

// Config holds configuration for the watcher.
type Config struct {
	// Root is the project directory.
	Root string

	// Matcher decides which paths are watched and reported.
	Matcher *project.Matcher

	// Includes are root-relative directories watched even when Matcher
	// ignores them, such as linked dependencies under node_modules.
	// Symlinks are followed.
	Includes []string

	// Debounce is how long the tree must be quiet before OnFlush runs.
	Debounce time.Duration

	// Stability is how long a file's size must stay unchanged before a
	// save is queued. Defaults to Debounce.
	Stability time.Duration

	// Queue receives the settled changes.
	Queue *change.Queue

	// OnFlush is called once per quiet period after changes were queued.
	OnFlush func()

	// OnError receives watch errors that happen after Start returned.
	OnError func(error)

	Logger *zap.Logger
}

type include struct {
	rel  string // root-relative, slash-separated
	real string // resolved absolute directory
}

// Watcher watches a project tree with fsnotify.
type Watcher struct {
	cfg      Config
	root     string
	includes []include
	log      *zap.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	running  bool
	stopped  bool
	done     chan struct{}
	wg       sync.WaitGroup
	settling map[string]*time.Timer
	flush    *time.Timer

	// known holds the reported files, so removing a directory can report
	// the files that went with it.
	known map[string]struct{}
}

// New validates cfg and returns a watcher. Call Start to begin watching.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce()
	}
	if cfg.Stability <= 0 {
		cfg.Stability = cfg.Debounce
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		root:     root,
		log:      cfg.Logger.Named("watch"),
		settling: make(map[string]*time.Timer),
		known:    make(map[string]struct{}),
	}
	for _, rel := range cfg.Includes {
		rel = strings.Trim(filepath.ToSlash(rel), "/")
		real, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve include %s: %w", rel, err)
		}
		w.includes = append(w.includes, include{rel: rel, real: real})
	}
	return w, nil
}

// Start registers watches on every eligible directory and begins processing
// events in the background. A failure to register any watch is returned and
// leaves the watcher stopped. Processing ends when ctx is done or Unwatch is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}
	if w.stopped {
		return fmt.Errorf("watcher was unwatched")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", classify(err))
	}

	dirs := 0
	addTree := func(dir string, skip func(string) bool) error {
		return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				w.note(p, d)
				return nil
			}
			if p != dir && skip(p) {
				return filepath.SkipDir
			}
			if err := fsw.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, classify(err))
			}
			dirs++
			return nil
		})
	}

	if err := addTree(w.root, w.skipDir); err != nil {
		fsw.Close()
		return err
	}
	for _, inc := range w.includes {
		if err := addTree(inc.real, func(string) bool { return false }); err != nil {
			fsw.Close()
			return err
		}
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.processEvents(ctx, fsw, w.done)

	w.log.Info("watching project", zap.String("root", w.root), zap.Int("dirs", dirs), zap.Duration("debounce", w.cfg.Debounce))
	return nil
}

// Unwatch stops watching and releases OS handles. It is safe to call more
// than once and before Start.
func (w *Watcher) Unwatch() error {
	w.mu.Lock()
	w.stopped = true
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.done)
	fsw := w.fsw
	for p, t := range w.settling {
		t.Stop()
		delete(w.settling, p)
	}
	if w.flush != nil {
		w.flush.Stop()
	}
	w.mu.Unlock()

	err := fsw.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents(ctx context.Context, fsw *fsnotify.Watcher, done <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			go w.Unwatch()
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				err = fmt.Errorf("%w: %v", ErrOverflow, err)
			}
			w.log.Warn("watcher error", zap.Error(err))
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	rel, included, ok := w.relative(event.Name)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			// Gone before we looked; a Remove event follows or already came.
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) && (included || !w.cfg.Matcher.IgnoredDir(rel)) {
				w.addDir(fsw, event.Name)
			}
			return
		}
		if !included && !w.cfg.Matcher.Eligible(rel) {
			return
		}
		w.settle(event.Name, rel, info.Size())

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.mu.Lock()
		gone := w.forget(rel)
		w.mu.Unlock()
		if len(gone) == 0 {
			if !included && !w.cfg.Matcher.Eligible(rel) {
				return
			}
			gone = []string{rel}
		}
		for _, p := range gone {
			w.push(change.Change{Path: p, Action: change.Remove})
		}
	}
}

// note records a file found while registering watches. Callers hold mu.
func (w *Watcher) note(abs string, d fs.DirEntry) {
	if !d.Type().IsRegular() {
		return
	}
	rel, included, ok := w.relative(abs)
	if !ok || (!included && !w.cfg.Matcher.Eligible(rel)) {
		return
	}
	w.known[rel] = struct{}{}
}

// forget cancels pending saves for rel and everything below it and returns
// the known or settling files that were there, sorted. Callers hold mu.
func (w *Watcher) forget(rel string) []string {
	under := func(p string) bool { return p == rel || strings.HasPrefix(p, rel+"/") }

	seen := make(map[string]struct{})
	for p, t := range w.settling {
		if under(p) {
			t.Stop()
			delete(w.settling, p)
			seen[p] = struct{}{}
		}
	}
	for p := range w.known {
		if under(p) {
			seen[p] = struct{}{}
		}
	}

	gone := make([]string, 0, len(seen))
	for p := range seen {
		gone = append(gone, p)
	}
	sort.Strings(gone)
	return gone
}

// addDir watches a directory created after Start and queues the files that
// were written into it before the watch was in place.
func (w *Watcher) addDir(fsw *fsnotify.Watcher, dir string) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, included, ok := w.relative(p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if p != dir && !included && w.cfg.Matcher.IgnoredDir(rel) {
				return filepath.SkipDir
			}
			if err := fsw.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, classify(err))
			}
			return nil
		}
		if !d.Type().IsRegular() || (!included && !w.cfg.Matcher.Eligible(rel)) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			w.settle(p, rel, info.Size())
		}
		return nil
	})
	if err != nil {
		w.log.Warn("failed to watch new directory", zap.String("dir", dir), zap.Error(err))
		if w.cfg.OnError != nil {
			w.cfg.OnError(err)
		}
	}
}

// settle queues a save once the file size holds still for the stability
// window. Empty files are saved too.
func (w *Watcher) settle(abs, rel string, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.settling[rel]; ok {
		t.Stop()
	}
	w.settling[rel] = time.AfterFunc(w.cfg.Stability, func() {
		info, err := os.Stat(abs)
		if err != nil {
			w.mu.Lock()
			delete(w.settling, rel)
			w.mu.Unlock()
			w.push(change.Change{Path: rel, Action: change.Remove})
			return
		}
		if info.Size() != size {
			w.settle(abs, rel, info.Size())
			return
		}
		w.mu.Lock()
		delete(w.settling, rel)
		w.mu.Unlock()
		w.push(change.Change{Path: rel, Action: change.Save})
	})
}

// push queues c and re-arms the flush timer. Logging happens under the lock
// so nothing is logged once Unwatch has returned.
func (w *Watcher) push(c change.Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.log.Debug("change queued", zap.String("path", c.Path), zap.Stringer("action", c.Action))
	w.cfg.Queue.Push(c)
	if c.Action == change.Remove {
		delete(w.known, c.Path)
	} else {
		w.known[c.Path] = struct{}{}
	}
	if w.flush != nil {
		w.flush.Stop()
	}
	w.flush = time.AfterFunc(w.cfg.Debounce, w.fireFlush)
}

func (w *Watcher) fireFlush() {
	if !w.IsRunning() || w.cfg.OnFlush == nil {
		return
	}
	w.cfg.OnFlush()
}

// relative maps an absolute event path to a root-relative path and reports
// whether it lies under an include directory.
func (w *Watcher) relative(abs string) (string, bool, bool) {
	for _, inc := range w.includes {
		if r, err := filepath.Rel(inc.real, abs); err == nil && !strings.HasPrefix(r, "..") {
			return path.Join(inc.rel, filepath.ToSlash(r)), true, true
		}
	}
	r, err := filepath.Rel(w.root, abs)
	if err != nil || strings.HasPrefix(r, "..") {
		return "", false, false
	}
	rel := filepath.ToSlash(r)
	if rel == "." {
		return "", false, false
	}
	for _, inc := range w.includes {
		if rel == inc.rel || strings.HasPrefix(rel, inc.rel+"/") {
			return rel, true, true
		}
	}
	return rel, false, true
}

func (w *Watcher) skipDir(abs string) bool {
	rel, included, ok := w.relative(abs)
	if !ok {
		return true
	}
	if included {
		// Walked separately from the resolved include path.
		return true
	}
	if w.cfg.Matcher.IgnoredDir(rel) {
		// Keep descending toward an include nested inside an ignored dir.
		for _, inc := range w.includes {
			if strings.HasPrefix(inc.rel, rel+"/") {
				return false
			}
		}
		return true
	}
	return false
}
