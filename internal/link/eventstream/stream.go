// Package eventstream is a reconnecting client for the builder's server-sent
// event stream. It filters messages for one subject and fans them out to
// per-topic handlers.
//
// The connection moves through Connecting, Open and Reconnecting until it
// ends in Closed. Any frame, pings and comments included, re-arms the
// heartbeat timer; a missed heartbeat on an open connection drops it and
// reconnects after RetryDelay without counting against MaxRetries. Transport
// failures do count, and so does a server that never answers the request.
// Once they exceed MaxRetries the stream closes and reports the error to
// OnError handlers.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/applinkdev/applink/internal/auth"
	"github.com/applinkdev/applink/internal/metrics"
	"github.com/applinkdev/applink/internal/retry"
)

// State is the connection state of a Stream.
type State int

const (
	Connecting State = iota
	Open
	Reconnecting
	Closed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrRetriesExhausted wraps the last transport error once MaxRetries
	// reconnects have failed.
	ErrRetriesExhausted = errors.New("event stream reconnect attempts exhausted")

	errHeartbeat = errors.New("heartbeat timeout")
)

// Handler receives a message for a subscribed topic. Handlers run on the
// stream's reader goroutine and must not block.
type Handler func(Message)

// Config holds configuration for a Stream.
type Config struct {
	// URL is the events base URL.
	URL string

	// Auth supplies the account, workspace and token for each connection.
	Auth auth.Provider

	// Subject is the subject prefix to deliver, typically vendor.name.
	Subject string

	// Level is the minimum log level requested from the server.
	Level string

	// HeartbeatTimeout is how long the stream may stay silent. It should
	// be a bit more than the server's ping interval.
	HeartbeatTimeout time.Duration

	// MaxRetries bounds consecutive failed connection attempts.
	MaxRetries int

	// RetryDelay is the wait before the first reconnect; later waits double.
	RetryDelay time.Duration

	HTTPClient *http.Client
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:            "debug",
		HeartbeatTimeout: 45 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
	}
}

// Stream is a reconnecting subscription to one subject.
type Stream struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	started  bool
	closed   bool
	gen      uint64
	nextID   uint64
	handlers map[Topic]map[uint64]Handler
	onError  map[uint64]func(error)
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
}

// New creates a Stream. Call Start to connect.
func New(cfg Config) (*Stream, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("events URL cannot be empty")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("subject cannot be empty")
	}
	def := DefaultConfig()
	if cfg.Level == "" {
		cfg.Level = def.Level
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: the response body is read for the stream's lifetime.
		client = &http.Client{}
	}

	return &Stream{
		cfg:      cfg,
		client:   client,
		log:      cfg.Logger.Named("events").With(zap.String("subject", cfg.Subject)),
		handlers: make(map[Topic]map[uint64]Handler),
		onError:  make(map[uint64]func(error)),
		done:     make(chan struct{}),
	}, nil
}

// Start connects in the background. Calling it again has no effect.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.setStateLocked(Connecting)
	go s.run(ctx)
}

// Subscribe registers h for topic and returns a function that removes it.
// The returned function is safe to call more than once.
func (s *Stream) Subscribe(topic Topic, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	if s.handlers[topic] == nil {
		s.handlers[topic] = make(map[uint64]Handler)
	}
	s.handlers[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers[topic], id)
		})
	}
}

// OnError registers fn to receive the error that closes the stream. If the
// stream has already failed, fn is called with that error before OnError
// returns.
func (s *Stream) OnError(fn func(error)) func() {
	s.mu.Lock()
	if s.closed {
		// Report an earlier failure so late listeners do not wait forever.
		err := s.err
		s.mu.Unlock()
		if err != nil {
			fn(err)
		}
		return func() {}
	}
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.onError[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.onError, id)
		})
	}
}

// Close detaches every handler and stops the stream. It is safe to call
// more than once and from a handler.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.handlers = make(map[Topic]map[uint64]Handler)
	s.onError = make(map[uint64]func(error))
	started, cancel := s.started, s.cancel
	if !started {
		s.setStateLocked(Closed)
		close(s.done)
	}
	s.mu.Unlock()

	if started {
		cancel()
	}
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the stream reaches Closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that closed the stream, or nil after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.cfg.Metrics.SetStreamState(int(st))
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.setStateLocked(st)
}

func (s *Stream) run(ctx context.Context) {
	retries := 0
	for {
		s.setState(Connecting)
		opened, err := s.connect(ctx)
		if ctx.Err() != nil {
			s.finish(nil)
			return
		}
		if opened {
			retries = 0
		}

		var permanent permanentError
		switch {
		case errors.As(err, &permanent):
			s.finish(permanent.err)
			return

		case errors.Is(err, errHeartbeat) && opened:
			// The server answered before going quiet, so this does not
			// count as a failed attempt.
			s.log.Warn("no heartbeat from event stream, reconnecting",
				zap.Duration("timeout", s.cfg.HeartbeatTimeout),
				zap.Duration("wait", s.cfg.RetryDelay))
			s.cfg.Metrics.RecordReconnect("heartbeat")
			s.setState(Reconnecting)
			if !s.sleep(ctx, s.cfg.RetryDelay) {
				return
			}
			continue
		}

		retries++
		if retries > s.cfg.MaxRetries {
			s.finish(fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
			return
		}

		wait := retry.Backoff(retry.Config{InitialWait: s.cfg.RetryDelay, MaxWait: 30 * time.Second, Multiplier: 2}, retries)
		s.log.Warn("event stream disconnected, reconnecting",
			zap.Error(err),
			zap.Int("retry", retries),
			zap.Duration("wait", wait))
		s.cfg.Metrics.RecordReconnect("transport")
		s.setState(Reconnecting)
		if !s.sleep(ctx, wait) {
			return
		}
	}
}

// sleep waits for d. If ctx ends first it finishes the stream and returns
// false.
func (s *Stream) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.finish(nil)
		return false
	case <-timer.C:
		return true
	}
}

// finish moves the stream to Closed and reports err to OnError handlers.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.setStateLocked(Closed)
	s.err = err
	s.closed = true
	listeners := make([]func(error), 0, len(s.onError))
	for _, fn := range s.onError {
		listeners = append(listeners, fn)
	}
	s.handlers = make(map[Topic]map[uint64]Handler)
	s.onError = make(map[uint64]func(error))
	s.mu.Unlock()

	if err != nil {
		s.log.Error("event stream closed", zap.Error(err))
		for _, fn := range listeners {
			fn(err)
		}
	}
	close(s.done)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// connect runs one connection until it fails. opened reports whether the
// server accepted the request.
func (s *Stream) connect(ctx context.Context) (opened bool, err error) {
	sess, err := s.cfg.Auth.Session()
	if err != nil {
		return false, permanentError{err}
	}

	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, s.endpoint(sess), nil)
	if err != nil {
		return false, permanentError{err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	// Armed before the request so a server that never answers is dropped
	// too. That counts as a failed attempt.
	heartbeat := time.AfterFunc(s.cfg.HeartbeatTimeout, func() { cancel(errHeartbeat) })
	defer heartbeat.Stop()

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(context.Cause(cctx), errHeartbeat) && ctx.Err() == nil {
			return false, fmt.Errorf("no response within %s: %w", s.cfg.HeartbeatTimeout, errHeartbeat)
		}
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.state != Closed {
		s.setStateLocked(Open)
	}
	s.mu.Unlock()
	heartbeat.Reset(s.cfg.HeartbeatTimeout)
	s.log.Debug("event stream open")

	reader := newFrameReader(resp.Body)
	for {
		f, err := reader.next()
		if err != nil {
			if errors.Is(context.Cause(cctx), errHeartbeat) && ctx.Err() == nil {
				return true, errHeartbeat
			}
			if errors.Is(err, io.EOF) {
				return true, fmt.Errorf("connection closed by server")
			}
			return true, fmt.Errorf("read: %w", err)
		}
		heartbeat.Reset(s.cfg.HeartbeatTimeout)

		if f.comment || f.event != "message" {
			continue
		}
		s.dispatch(gen, f.data)
	}
}

func (s *Stream) endpoint(sess *auth.Session) string {
	q := url.Values{}
	q.Set("subject", s.cfg.Subject)
	q.Set("level", s.cfg.Level)
	q.Set("keys", strings.Join([]string{string(TopicBuildStatus), string(TopicLog)}, ","))
	return fmt.Sprintf("%s/%s/%s/stream?%s",
		strings.TrimRight(s.cfg.URL, "/"),
		url.PathEscape(sess.Account),
		url.PathEscape(sess.Workspace),
		q.Encode())
}

// dispatch delivers a message to the handlers registered for its topic.
// Messages from a connection that has been replaced are dropped.
func (s *Stream) dispatch(gen uint64, data string) {
	msg, err := parseMessage(data)
	if err != nil {
		s.log.Debug("dropping malformed event", zap.Error(err))
		return
	}
	if !matchSubject(&msg, s.cfg.Subject) {
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	hs := make([]Handler, 0, len(s.handlers[msg.Topic()]))
	for _, h := range s.handlers[msg.Topic()] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
}
