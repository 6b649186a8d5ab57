package session

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap/zaptest"

	"github.com/applinkdev/applink/internal/auth"
	"github.com/applinkdev/applink/internal/link/build"
	"github.com/applinkdev/applink/internal/link/eventstream"
	"github.com/applinkdev/applink/internal/link/upload"
	"github.com/applinkdev/applink/internal/metrics"
	"github.com/applinkdev/applink/internal/project"
	"github.com/applinkdev/applink/internal/retry"
	"github.com/applinkdev/applink/internal/state"
	"github.com/applinkdev/applink/internal/ui"
	"github.com/applinkdev/applink/internal/updater"
)

var testLocator = project.Locator{Vendor: "acme", Name: "store", Version: "1.0.0"}

// fakeEvents stands in for the event stream. The fake builder publishes
// through it.
type fakeEvents struct {
	mu           sync.Mutex
	nextID       int
	handlers     map[eventstream.Topic]map[int]eventstream.Handler
	onError      map[int]func(error)
	started      bool
	closed       bool
	panicOnClose bool
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		handlers: make(map[eventstream.Topic]map[int]eventstream.Handler),
		onError:  make(map[int]func(error)),
	}
}

func (e *fakeEvents) Subscribe(topic eventstream.Topic, h eventstream.Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.handlers[topic] == nil {
		e.handlers[topic] = make(map[int]eventstream.Handler)
	}
	e.handlers[topic][id] = h
	return func() {
		e.mu.Lock()
		delete(e.handlers[topic], id)
		e.mu.Unlock()
	}
}

func (e *fakeEvents) OnError(fn func(error)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.onError[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.onError, id)
		e.mu.Unlock()
	}
}

func (e *fakeEvents) Start(context.Context) {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
}

func (e *fakeEvents) Close() {
	if e.panicOnClose {
		panic("stream exploded")
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *fakeEvents) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEvents) subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.onError)
	for _, hs := range e.handlers {
		n += len(hs)
	}
	return n
}

func (e *fakeEvents) publish(m eventstream.Message) {
	e.mu.Lock()
	var hs []eventstream.Handler
	for _, h := range e.handlers[m.Topic()] {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (e *fakeEvents) fail(err error) {
	e.mu.Lock()
	var fns []func(error)
	for _, fn := range e.onError {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func statusMessage(code, errorCode, buildID string) eventstream.Message {
	details, _ := json.Marshal(map[string]string{"errorCode": errorCode, "buildId": buildID})
	return eventstream.Message{
		Sender:  "builder",
		Subject: testLocator.String(),
		Level:   "info",
		Key:     string(eventstream.TopicBuildStatus),
		Body:    eventstream.Body{Code: code, Details: details},
	}
}

type call struct {
	route string
	paths []string
}

// reply is the fake builder's answer to one upload. With status 200 the
// build events are published before the response is written.
type reply struct {
	status int
	result string // "success", "fail" or "" for no terminal status
	code   string
}

type fakeBuilder struct {
	t       *testing.T
	events  *fakeEvents
	respond func(n int, c call) reply

	mu    sync.Mutex
	calls []call
}

func (b *fakeBuilder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		b.t.Errorf("gzip.NewReader: %v", err)
		return
	}
	var body struct {
		Changes []struct {
			Path string `json:"path"`
		} `json:"changes"`
	}
	if err := json.NewDecoder(gz).Decode(&body); err != nil {
		b.t.Errorf("decode body: %v", err)
		return
	}
	c := call{route: path.Base(r.URL.Path)}
	for _, ch := range body.Changes {
		c.paths = append(c.paths, ch.Path)
	}
	slices.Sort(c.paths)

	b.mu.Lock()
	b.calls = append(b.calls, c)
	n := len(b.calls)
	b.mu.Unlock()

	rep := reply{status: http.StatusOK, result: "success"}
	if b.respond != nil {
		rep = b.respond(n, c)
	}
	w.Header().Set("Content-Type", "application/json")
	if rep.status != http.StatusOK {
		w.WriteHeader(rep.status)
		json.NewEncoder(w).Encode(map[string]string{"code": "rejected", "message": "nope"})
		return
	}

	id := "build-" + strconv.Itoa(n)
	b.events.publish(statusMessage("start", "", id))
	if rep.result != "" {
		b.events.publish(statusMessage(rep.result, rep.code, id))
	}
	json.NewEncoder(w).Encode(map[string]string{"code": upload.CodeAccepted, "buildId": id})
}

func (b *fakeBuilder) snapshot() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]call(nil), b.calls...)
}

type fakeUpdater struct {
	mu      sync.Mutex
	seen    [][]string
	updates int
	before  func()
}

func (u *fakeUpdater) Name() string { return "fake" }

func (u *fakeUpdater) ShouldUpdate(paths []string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seen = append(u.seen, paths)
	return true
}

func (u *fakeUpdater) Update(context.Context) error {
	if u.before != nil {
		u.before()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates++
	return nil
}

func (u *fakeUpdater) sawPath(p string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, paths := range u.seen {
		if slices.Contains(paths, p) {
			return true
		}
	}
	return false
}

// syncBuffer lets tests read printer output while the session writes it.
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

type harness struct {
	root    string
	events  *fakeEvents
	builder *fakeBuilder
	db      *state.DB
	out     *syncBuffer
	updater *fakeUpdater
	session *Session
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newHarness(t *testing.T, respond func(n int, c call) reply, mutate func(*Config)) *harness {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, project.ManifestFile, `{"vendor":"acme","name":"store","version":"1.0.0"}`)
	writeFile(t, root, "react/index.tsx", "export default 1\n")

	h := &harness{
		root:    root,
		events:  newFakeEvents(),
		out:     &syncBuffer{},
		updater: &fakeUpdater{},
	}
	h.builder = &fakeBuilder{t: t, events: h.events, respond: respond}
	srv := httptest.NewServer(h.builder)
	t.Cleanup(srv.Close)

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	h.db = db

	m, err := project.NewMatcher(root)
	if err != nil {
		t.Fatalf("NewMatcher() failed: %v", err)
	}
	log := zaptest.NewLogger(t)
	reg := metrics.New()

	up, err := upload.New(upload.Config{
		BuilderURL: srv.URL,
		Auth:       auth.Static{Account: "acme", Workspace: "dev", Token: "tok"},
		Locator:    testLocator,
		Root:       root,
		Retry:      retry.Config{MaxAttempts: 1},
		Snapshot:   Snapshot(root, m),
		Metrics:    reg,
		Logger:     log,

		MaxFileBytes:   2048,
		MaxChangeBytes: 4096,
	})
	if err != nil {
		t.Fatalf("upload.New() failed: %v", err)
	}

	cfg := Config{
		Root:      root,
		Locator:   testLocator,
		Workspace: "dev",
		Matcher:   m,
		Uploader:  up,
		Events:    h.events,
		Debounce:  50 * time.Millisecond,
		Stability: 20 * time.Millisecond,
		Updaters:  []updater.Updater{h.updater},
		State:     db,
		Printer:   ui.New(h.out),
		Metrics:   reg,
		Logger:    log,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.session, err = New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return h
}

// start runs the session in the background and waits until it watches.
func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx) }()
	t.Cleanup(cancel)
	eventually(t, "session watching", func() bool {
		return strings.Contains(h.out.String(), "watching for changes")
	})
	return cancel, done
}

func (h *harness) lastStatus(t *testing.T) string {
	t.Helper()
	s, err := h.db.LastSession(context.Background(), testLocator.String())
	if err != nil {
		t.Fatalf("LastSession() failed: %v", err)
	}
	return s.Status
}

func (h *harness) results(t *testing.T) []string {
	t.Helper()
	builds, err := h.db.RecentBuilds(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentBuilds() failed: %v", err)
	}
	var out []string
	for i := len(builds) - 1; i >= 0; i-- {
		out = append(out, builds[i].Kind+":"+builds[i].Result)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRun_NoWatchSuccess(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.session.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	calls := h.builder.snapshot()
	if len(calls) != 1 || calls[0].route != "link" {
		t.Fatalf("builder calls = %+v, want one link", calls)
	}
	if want := []string{"manifest.json", "react/index.tsx"}; !slices.Equal(calls[0].paths, want) {
		t.Errorf("uploaded %v, want %v", calls[0].paths, want)
	}
	if !h.events.isClosed() || h.events.subscriptions() != 0 {
		t.Errorf("event source left open: closed=%v subscriptions=%d", h.events.isClosed(), h.events.subscriptions())
	}
	if got := h.lastStatus(t); got != state.SessionLinked {
		t.Errorf("session status = %q, want %q", got, state.SessionLinked)
	}
	if got := h.results(t); !slices.Equal(got, []string{"full:success"}) {
		t.Errorf("recorded builds = %v", got)
	}
	if !h.updater.sawPath("react/index.tsx") || h.updater.updates != 1 {
		t.Errorf("updater not run after the build: seen=%v updates=%d", h.updater.seen, h.updater.updates)
	}
	out := h.out.String()
	if !strings.Contains(out, "build succeeded") || strings.Contains(out, "partially linked") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRun_NoWatchBuildFailure(t *testing.T) {
	h := newHarness(t, func(int, call) reply {
		return reply{status: http.StatusOK, result: "fail", code: "lint_error"}
	}, nil)

	err := h.session.Run(context.Background())
	var buildErr *build.Error
	if !errors.As(err, &buildErr) || buildErr.Code != "lint_error" {
		t.Fatalf("Run() = %v, want a lint_error build failure", err)
	}
	if got := h.lastStatus(t); got != state.SessionFailed {
		t.Errorf("session status = %q, want %q", got, state.SessionFailed)
	}
	if got := h.results(t); !slices.Equal(got, []string{"full:fail"}) {
		t.Errorf("recorded builds = %v", got)
	}
	if h.updater.updates != 0 {
		t.Errorf("updater ran %d times after a failed build", h.updater.updates)
	}
}

func TestRun_NoWatchTimeout(t *testing.T) {
	h := newHarness(t, func(int, call) reply {
		return reply{status: http.StatusOK}
	}, func(c *Config) { c.BuildTimeout = 100 * time.Millisecond })

	if err := h.session.Run(context.Background()); !errors.Is(err, build.ErrTimeout) {
		t.Fatalf("Run() = %v, want ErrTimeout", err)
	}
	if got := h.results(t); !slices.Equal(got, []string{"full:timeout"}) {
		t.Errorf("recorded builds = %v", got)
	}
}

func TestRun_SetupRunsUpdatersFirst(t *testing.T) {
	var callsAtUpdate []int
	h := newHarness(t, nil, func(c *Config) { c.Setup = true })
	h.updater.before = func() { callsAtUpdate = append(callsAtUpdate, len(h.builder.snapshot())) }

	if err := h.session.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !slices.Equal(callsAtUpdate, []int{0, 1}) {
		t.Errorf("updater ran with %v builder calls made, want setup before the upload then once after", callsAtUpdate)
	}
}

func TestRun_AlreadyRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.session.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if err := h.session.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run() = %v, want ErrAlreadyRun", err)
	}
}

func TestRun_WatchSendsIncrementalChanges(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.Watch = true })
	cancel, done := h.start(t)

	writeFile(t, h.root, "react/new.tsx", "export const x = 1\n")
	eventually(t, "relink", func() bool {
		for _, c := range h.builder.snapshot() {
			if c.route == "relink" && slices.Contains(c.paths, "react/new.tsx") {
				return true
			}
		}
		return false
	})
	eventually(t, "updater after the relink build", func() bool {
		return h.updater.sawPath("react/new.tsx")
	})

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() = %v, want nil after cancellation", err)
	}

	if got := h.results(t); !slices.Equal(got, []string{"full:success", "incremental:success"}) {
		t.Errorf("recorded builds = %v", got)
	}
	if got := h.lastStatus(t); got != state.SessionPartial {
		t.Errorf("session status = %q, want %q", got, state.SessionPartial)
	}
	if !strings.Contains(h.out.String(), "partially linked") {
		t.Errorf("missing partial link notice:\n%s", h.out.String())
	}
	if !h.events.isClosed() || h.events.subscriptions() != 0 {
		t.Errorf("event source left open: closed=%v subscriptions=%d", h.events.isClosed(), h.events.subscriptions())
	}
}

func TestRun_InitialFailureStillWatches(t *testing.T) {
	h := newHarness(t, func(n int, c call) reply {
		if n == 1 {
			return reply{status: http.StatusOK, result: "fail", code: "type_error"}
		}
		return reply{status: http.StatusOK, result: "success"}
	}, func(c *Config) { c.Watch = true })
	cancel, done := h.start(t)

	if !strings.Contains(h.out.String(), "build failed, waiting for changes") {
		t.Errorf("missing failure notice:\n%s", h.out.String())
	}

	writeFile(t, h.root, "react/index.tsx", "export default 2\n")
	eventually(t, "relink after fix", func() bool { return len(h.builder.snapshot()) == 2 })
	if c := h.builder.snapshot()[1]; c.route != "relink" {
		t.Errorf("second upload went to %q, want relink", c.route)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestRun_FailedUploadIsRequeued(t *testing.T) {
	h := newHarness(t, func(n int, c call) reply {
		if n == 2 {
			return reply{status: http.StatusBadRequest}
		}
		return reply{status: http.StatusOK, result: "success"}
	}, func(c *Config) { c.Watch = true })
	cancel, done := h.start(t)

	writeFile(t, h.root, "react/a.tsx", "a\n")
	eventually(t, "rejected relink", func() bool {
		return strings.Contains(h.out.String(), "changes kept")
	})

	writeFile(t, h.root, "react/b.tsx", "b\n")
	eventually(t, "second relink", func() bool { return len(h.builder.snapshot()) == 3 })
	if got := h.builder.snapshot()[2].paths; !slices.Equal(got, []string{"react/a.tsx", "react/b.tsx"}) {
		t.Errorf("second relink sent %v, want the requeued change too", got)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := h.results(t); len(got) < 2 || got[1] != "incremental:error" {
		t.Errorf("recorded builds = %v, want the rejected upload recorded", got)
	}
}

func TestRun_OversizedFileIsLeftOut(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) {
		c.Watch = true
		c.Debounce = 200 * time.Millisecond
	})
	cancel, done := h.start(t)

	writeFile(t, h.root, "react/big.tsx", strings.Repeat("x", 3000))
	writeFile(t, h.root, "react/fix.tsx", "fix\n")
	eventually(t, "relink without the big file", func() bool { return len(h.builder.snapshot()) == 2 })
	if c := h.builder.snapshot()[1]; c.route != "relink" || !slices.Equal(c.paths, []string{"react/fix.tsx"}) {
		t.Errorf("relink = %+v, want only react/fix.tsx", c)
	}
	if !strings.Contains(h.out.String(), "left out until it shrinks") {
		t.Errorf("missing notice for the oversized file:\n%s", h.out.String())
	}

	writeFile(t, h.root, "react/next.tsx", "next\n")
	eventually(t, "next relink", func() bool { return len(h.builder.snapshot()) == 3 })
	if got := h.builder.snapshot()[2].paths; !slices.Equal(got, []string{"react/next.tsx"}) {
		t.Errorf("next relink sent %v, the oversized file should not be retried", got)
	}
	if n := h.session.queue.Len(); n != 0 {
		t.Errorf("queue holds %d changes after the uploads, want 0", n)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestRun_OversizedChangeSendsWholeProject(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) {
		c.Watch = true
		c.Debounce = 200 * time.Millisecond
	})
	cancel, done := h.start(t)

	for _, name := range []string{"a", "b", "c"} {
		writeFile(t, h.root, "react/"+name+".tsx", strings.Repeat(name, 2000))
	}
	eventually(t, "full upload", func() bool {
		calls := h.builder.snapshot()
		return len(calls) == 2 && calls[1].route == "link"
	})
	if !strings.Contains(h.out.String(), "sending the whole project instead") {
		t.Errorf("missing fallback notice:\n%s", h.out.String())
	}
	if n := h.session.queue.Len(); n != 0 {
		t.Errorf("queue holds %d changes after the full upload, want 0", n)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestRun_UnauthorizedEndsSession(t *testing.T) {
	h := newHarness(t, func(n int, c call) reply {
		if n > 1 {
			return reply{status: http.StatusUnauthorized}
		}
		return reply{status: http.StatusOK, result: "success"}
	}, func(c *Config) { c.Watch = true })
	_, done := h.start(t)

	writeFile(t, h.root, "react/a.tsx", "a\n")
	err := wait(t, done)
	if !errors.Is(err, upload.ErrUnauthorized) {
		t.Fatalf("Run() = %v, want ErrUnauthorized", err)
	}
	if got := h.lastStatus(t); got != state.SessionPartial {
		t.Errorf("session status = %q, want %q", got, state.SessionPartial)
	}
	if !strings.Contains(h.out.String(), "partially linked") {
		t.Errorf("missing partial link notice:\n%s", h.out.String())
	}
}

func TestRun_StreamDeathEndsSession(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.Watch = true })
	_, done := h.start(t)

	gone := errors.New("connection lost for good")
	h.events.fail(gone)

	if err := wait(t, done); !errors.Is(err, gone) {
		t.Fatalf("Run() = %v, want the stream error", err)
	}
	if !strings.Contains(h.out.String(), "may be stale") {
		t.Errorf("missing stale link notice:\n%s", h.out.String())
	}
}

func TestRun_InitialLinkRequiredResendsProject(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.Watch = true })
	cancel, done := h.start(t)

	h.events.publish(statusMessage("fail", upload.CodeInitialLinkRequired, "build-x"))
	eventually(t, "full resend", func() bool {
		calls := h.builder.snapshot()
		return len(calls) == 2 && calls[1].route == "link"
	})

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if strings.Contains(h.out.String(), "build failed") {
		t.Errorf("a missing baseline should not be shown as a failed build:\n%s", h.out.String())
	}
}

func TestRun_TeardownContinuesPastPanic(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.events.panicOnClose = true

	err := h.session.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "close event stream: panic: stream exploded") {
		t.Fatalf("Run() = %v, want the teardown panic reported", err)
	}
	if got := h.lastStatus(t); got != state.SessionLinked {
		t.Errorf("session status = %q, want later teardown steps to still run", got)
	}
}

func TestNew_Validation(t *testing.T) {
	m, err := project.NewMatcher(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	events := newFakeEvents()
	up := &upload.Uploader{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no root", Config{Matcher: m, Uploader: up, Events: events}},
		{"no matcher", Config{Root: "/tmp", Uploader: up, Events: events}},
		{"no uploader", Config{Root: "/tmp", Matcher: m, Events: events}},
		{"no events", Config{Root: "/tmp", Matcher: m, Uploader: up}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() succeeded, want an error")
			}
		})
	}
}
