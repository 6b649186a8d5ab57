// Package session runs one link session: the initial full upload, then a
// watch loop that turns debounced file changes into incremental uploads and
// follows the builds they trigger, until the context is cancelled or a fatal
// error ends it.
//
// All uploads happen on the goroutine that called Run, so at most one
// upload is in flight and a flush that fires during an upload waits for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/applinkdev/applink/internal/link/build"
	"github.com/applinkdev/applink/internal/link/change"
	"github.com/applinkdev/applink/internal/link/eventstream"
	"github.com/applinkdev/applink/internal/link/upload"
	"github.com/applinkdev/applink/internal/link/watch"
	"github.com/applinkdev/applink/internal/metrics"
	"github.com/applinkdev/applink/internal/project"
	"github.com/applinkdev/applink/internal/state"
	"github.com/applinkdev/applink/internal/ui"
	"github.com/applinkdev/applink/internal/updater"
)

// ErrAlreadyRun is returned by a second call to Run.
var ErrAlreadyRun = errors.New("session already run")

// Uploader sends project files to the builder. *upload.Uploader satisfies it.
type Uploader interface {
	SendFullProject(ctx context.Context, files []upload.File) (*upload.Ack, error)
	SendIncremental(ctx context.Context, changes []change.Change) (*upload.Ack, error)
}

// EventSource is the build event stream. *eventstream.Stream satisfies it.
type EventSource interface {
	build.Source
	Start(ctx context.Context)
	Close()
}

// Recorder keeps session and build history. *state.DB satisfies it.
type Recorder interface {
	BeginSession(ctx context.Context, locator, workspace string) (string, error)
	EndSession(ctx context.Context, id, status string) error
	RecordBuild(ctx context.Context, b state.Build) error
}

// Publisher rebroadcasts events. *relay.Server satisfies it.
type Publisher interface {
	PublishBuild(st build.Status)
	PublishLog(m eventstream.Message)
}

// Config holds the session's collaborators and settings.
type Config struct {
	Root      string
	Locator   project.Locator
	Workspace string
	Matcher   *project.Matcher
	Includes  []string

	Uploader Uploader
	Events   EventSource

	// Watch keeps the session alive after the initial upload.
	Watch     bool
	Debounce  time.Duration
	Stability time.Duration

	// BuildTimeout bounds the wait for the initial build. Zero waits until
	// the context ends.
	BuildTimeout time.Duration

	// Updaters run after every successful build. With Setup they also run
	// once before the initial upload.
	Updaters []updater.Updater
	Setup    bool

	State   Recorder
	Relay   Publisher
	Printer *ui.Printer
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

// pending describes the last upload whose build has not finished yet.
type pending struct {
	kind  string
	paths []string
	bytes int64
}

// Session is a single-use link session.
type Session struct {
	cfg     Config
	log     *zap.Logger
	printer *ui.Printer
	queue   *change.Queue
	watcher *watch.Watcher

	flushCh  chan struct{}
	resyncCh chan struct{}
	statuses chan build.Status

	ran        atomic.Bool
	id         string
	last       *pending
	needResync bool
}

// New validates cfg and returns a session.
func New(cfg Config) (*Session, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	if cfg.Uploader == nil {
		return nil, fmt.Errorf("uploader cannot be nil")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event source cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	printer := cfg.Printer
	if printer == nil {
		printer = ui.Stderr()
	}
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger.Named("session").With(zap.Stringer("app", cfg.Locator)),
		printer:  printer,
		queue:    change.NewQueue(),
		flushCh:  make(chan struct{}, 1),
		resyncCh: make(chan struct{}, 1),
		statuses: make(chan build.Status, 64),
	}, nil
}

// Snapshot returns a function that enumerates root and loads the eligible
// files. It is suitable for upload.Config.Snapshot.
func Snapshot(root string, m *project.Matcher) func(context.Context) ([]upload.File, error) {
	return func(ctx context.Context) ([]upload.File, error) {
		paths, err := project.Enumerate(root, m)
		if err != nil {
			return nil, err
		}
		return upload.FilesFromDisk(ctx, root, paths)
	}
}

// Run links the project and, in watch mode, keeps it in sync until ctx is
// cancelled. Cancellation is not an error. Teardown always runs and its
// failures are joined to the returned error.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	s.id = s.begin(ctx)
	outcome := state.SessionFailed
	var listener *build.Listener
	defer func() {
		err = errors.Join(err, s.teardown(listener, outcome))
	}()

	if s.cfg.Setup && len(s.cfg.Updaters) > 0 {
		s.printer.Infof("running %d setup updaters", len(s.cfg.Updaters))
		if err := updater.Run(ctx, s.cfg.Updaters, nil, s.log); err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}
	}

	files, paths, size, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	s.cfg.Events.Start(ctx)
	s.printer.Infof("linking %s (%d files)", s.cfg.Locator, len(files))
	s.last = &pending{kind: upload.KindFull, paths: paths, bytes: size}

	ack, _, err := build.ListenBuild(ctx, s.cfg.Events, s.cfg.Locator,
		func(ctx context.Context) (*upload.Ack, error) {
			return s.cfg.Uploader.SendFullProject(ctx, files)
		},
		build.Options{
			WaitCompletion: true,
			OnStart:        s.show,
			OnUnknownError: s.show,
			OnLog:          s.onLog,
			Timeout:        s.cfg.BuildTimeout,
		})

	var buildErr *build.Error
	switch {
	case err == nil:
		st := build.Status{Kind: build.Success, BuildID: ack.BuildID}
		s.show(st)
		s.finishBuild(ctx, st)
	case ctx.Err() != nil:
		outcome = state.SessionPartial
		return nil
	case errors.As(err, &buildErr):
		s.finishBuild(ctx, build.Status{Kind: build.Fail, Code: buildErr.Code, Message: buildErr.Message, BuildID: buildErr.BuildID})
		if !s.cfg.Watch {
			return err
		}
	case errors.Is(err, build.ErrTimeout):
		s.finishBuild(ctx, build.Status{Kind: build.Timeout})
		if !s.cfg.Watch {
			return err
		}
		s.printer.Warnf("no build result after %s, watching anyway", s.cfg.BuildTimeout)
	default:
		return err
	}

	if !s.cfg.Watch {
		outcome = state.SessionLinked
		return nil
	}

	s.watcher, err = watch.New(watch.Config{
		Root:      s.cfg.Root,
		Matcher:   s.cfg.Matcher,
		Includes:  s.cfg.Includes,
		Debounce:  s.cfg.Debounce,
		Stability: s.cfg.Stability,
		Queue:     s.queue,
		OnFlush:   s.onFlush,
		OnError:   s.onWatchError,
		Logger:    s.cfg.Logger,
	})
	if err != nil {
		return err
	}

	outcome = state.SessionPartial
	_, listener, err = build.ListenBuild(ctx, s.cfg.Events, s.cfg.Locator,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.watcher.Start(ctx)
		},
		build.Options{
			OnStart:        s.onStatus,
			OnBuild:        s.onStatus,
			OnUnknownError: s.onStatus,
			OnError: map[string]func(build.Status){
				upload.CodeInitialLinkRequired: s.onInitialLinkRequired,
			},
			OnLog: s.onLog,
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to start watching: %w", err)
	}

	s.printer.Infof("watching for changes, press Ctrl+C to stop")
	return s.loop(ctx, listener)
}

func (s *Session) loop(ctx context.Context, l *build.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-l.Done():
			if ctx.Err() != nil {
				return nil
			}
			s.printer.Errorf("the build event stream died (%v); the link may be stale", l.Err())
			return fmt.Errorf("event stream closed: %w", l.Err())

		case st := <-s.statuses:
			if st.Kind.Terminal() {
				s.finishBuild(ctx, st)
			}

		case <-s.resyncCh:
			if err := s.resync(ctx); err != nil {
				return err
			}

		case <-s.flushCh:
			if err := s.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// flush uploads the queued changes. Only fatal errors are returned; other
// failures put the batch back for the next flush.
func (s *Session) flush(ctx context.Context) error {
	if s.needResync {
		return s.resync(ctx)
	}

	batch := s.queue.Drain()
	s.cfg.Metrics.SetQueueDepth(s.queue.Len())
	if len(batch) == 0 {
		return nil
	}

	var ack *upload.Ack
	for {
		s.log.Debug("uploading changes", zap.Int("changes", len(batch)))
		var err error
		ack, err = s.cfg.Uploader.SendIncremental(ctx, batch)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			s.queue.Requeue(batch)
			return nil
		}
		if upload.IsFatal(err) {
			s.printer.Errorf("upload failed: %v", err)
			return err
		}

		// An oversized change fails the same way on every attempt, so it
		// is never kept in the queue.
		var sizeErr *upload.SizeLimitError
		if errors.As(err, &sizeErr) {
			if sizeErr.Path == "" {
				s.printer.Warnf("%v; sending the whole project instead", err)
				return s.resync(ctx)
			}
			s.printer.Errorf("%v; it is left out until it shrinks", err)
			batch = without(batch, sizeErr.Path)
			if len(batch) == 0 {
				return nil
			}
			continue
		}

		s.queue.Requeue(batch)
		s.cfg.Metrics.SetQueueDepth(s.queue.Len())
		s.printer.Errorf("upload failed: %v", err)
		s.printer.Warnf("%d changes kept, they will be sent with the next save", len(batch))
		s.record(ctx, &pending{kind: upload.KindIncremental, paths: change.Paths(batch)}, build.Status{}, "error")
		return nil
	}
	if ack.Skipped {
		s.log.Debug("no content changes to upload")
		return nil
	}

	s.last = &pending{kind: upload.KindIncremental, paths: change.Paths(batch)}
	s.printer.Infof("sent %d changes", len(batch))
	return nil
}

func without(batch []change.Change, path string) []change.Change {
	kept := batch[:0]
	for _, c := range batch {
		if c.Path != path {
			kept = append(kept, c)
		}
	}
	return kept
}

// resync uploads the whole project. Queued changes are dropped since the
// snapshot already covers them.
func (s *Session) resync(ctx context.Context) error {
	s.queue.Drain()
	s.cfg.Metrics.SetQueueDepth(0)
	s.needResync = true

	files, paths, size, err := s.snapshot(ctx)
	if err != nil {
		s.printer.Errorf("failed to read the project: %v", err)
		return nil
	}
	if _, err := s.cfg.Uploader.SendFullProject(ctx, files); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if upload.IsFatal(err) {
			s.printer.Errorf("full upload failed: %v", err)
			return err
		}
		s.printer.Errorf("full upload failed: %v; retrying with the next save", err)
		return nil
	}

	s.needResync = false
	s.last = &pending{kind: upload.KindFull, paths: paths, bytes: size}
	s.printer.Infof("sent the full project (%d files)", len(files))
	return nil
}

// finishBuild records a terminal status and runs the updaters after a
// success.
func (s *Session) finishBuild(ctx context.Context, st build.Status) {
	s.cfg.Metrics.RecordBuild(st.Kind.String())
	last := s.last
	s.last = nil
	s.record(ctx, last, st, st.Kind.String())

	switch st.Kind {
	case build.Success:
		if last != nil && len(s.cfg.Updaters) > 0 {
			if err := updater.Run(ctx, s.cfg.Updaters, last.paths, s.log); err != nil {
				s.printer.Warnf("updater failed: %v", err)
			}
		}
	case build.Fail:
		if s.cfg.Watch {
			s.printer.Warnf("build failed, waiting for changes")
		}
	}
}

func (s *Session) snapshot(ctx context.Context) ([]upload.File, []string, int64, error) {
	paths, err := project.Enumerate(s.cfg.Root, s.cfg.Matcher)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to enumerate project: %w", err)
	}
	files, err := upload.FilesFromDisk(ctx, s.cfg.Root, paths)
	if err != nil {
		return nil, nil, 0, err
	}
	var size int64
	for _, f := range files {
		size += f.Size
	}
	return files, paths, size, nil
}

// show renders a status. It runs on the event stream goroutine.
func (s *Session) show(st build.Status) {
	s.printer.Build(st)
	if s.cfg.Relay != nil {
		s.cfg.Relay.PublishBuild(st)
	}
}

// onStatus shows a status and hands it to the loop.
func (s *Session) onStatus(st build.Status) {
	s.show(st)
	select {
	case s.statuses <- st:
	default:
		s.log.Warn("status backlog full, dropping build status", zap.Stringer("status", st))
	}
}

func (s *Session) onInitialLinkRequired(st build.Status) {
	s.log.Warn("builder lost its baseline, resending the full project", zap.String("buildId", st.BuildID))
	signal(s.resyncCh)
}

func (s *Session) onLog(m eventstream.Message) {
	s.printer.Log(m)
	if s.cfg.Relay != nil {
		s.cfg.Relay.PublishLog(m)
	}
}

// onFlush runs on a watcher timer goroutine.
func (s *Session) onFlush() {
	s.cfg.Metrics.RecordFlush()
	s.cfg.Metrics.SetQueueDepth(s.queue.Len())
	signal(s.flushCh)
}

func (s *Session) onWatchError(err error) {
	if errors.Is(err, watch.ErrOverflow) {
		s.printer.Warnf("filesystem events were dropped, resending the whole project")
		signal(s.resyncCh)
		return
	}
	s.log.Warn("watch error", zap.Error(err))
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Session) begin(ctx context.Context) string {
	if s.cfg.State == nil {
		return ""
	}
	id, err := s.cfg.State.BeginSession(ctx, s.cfg.Locator.String(), s.cfg.Workspace)
	if err != nil {
		s.log.Warn("failed to record session", zap.Error(err))
		return ""
	}
	return id
}

func (s *Session) record(ctx context.Context, p *pending, st build.Status, result string) {
	if s.cfg.State == nil || s.id == "" {
		return
	}
	b := state.Build{
		SessionID: s.id,
		Kind:      "unknown",
		Result:    result,
		Code:      st.Code,
		Message:   st.Message,
		BuildID:   st.BuildID,
	}
	if p != nil {
		b.Kind, b.Files, b.Bytes = p.kind, len(p.paths), p.bytes
	}
	if err := s.cfg.State.RecordBuild(context.WithoutCancel(ctx), b); err != nil {
		s.log.Warn("failed to record build", zap.Error(err))
	}
}

// teardown runs every cleanup step even when an earlier one fails or
// panics, and joins their errors.
func (s *Session) teardown(l *build.Listener, outcome string) error {
	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("unwatch", func() error {
		if s.watcher == nil {
			return nil
		}
		return s.watcher.Unwatch()
	})
	step("unlisten", func() error {
		if l != nil {
			l.Unlisten()
		}
		return nil
	})
	step("close event stream", func() error {
		s.cfg.Events.Close()
		return nil
	})
	step("notify", func() error {
		if outcome == state.SessionPartial {
			s.printer.Warnf("%s is left partially linked; run applink link again to resume", s.cfg.Locator)
		}
		return nil
	})
	step("record session", func() error {
		if s.cfg.State == nil || s.id == "" {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.cfg.State.EndSession(ctx, s.id, outcome)
	})

	if len(errs) > 0 {
		s.log.Warn("teardown incomplete", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}
