// Package build correlates an upload with the build status events the
// builder publishes for it.
//
// ListenBuild subscribes to build.status and log messages before the upload
// is triggered, so that a build which finishes faster than the upload
// response is never missed. In wait mode the call returns only once both the
// trigger and a terminal status have arrived; otherwise it returns as soon
// as the trigger resolves and keeps dispatching statuses to the Options
// callbacks until the Listener is unlistened.
package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/applinkdev/applink/internal/link/eventstream"
	"github.com/applinkdev/applink/internal/project"
)

// Source delivers demultiplexed stream messages. *eventstream.Stream
// satisfies it.
type Source interface {
	Subscribe(topic eventstream.Topic, h eventstream.Handler) func()
	OnError(fn func(error)) func()
}

// Options control how statuses are dispatched.
type Options struct {
	// WaitCompletion makes ListenBuild block until a terminal status.
	WaitCompletion bool

	// OnStart is called when a build starts.
	OnStart func(Status)

	// OnBuild is called for successful builds when not waiting.
	OnBuild func(Status)

	// OnError maps failure codes to handlers.
	OnError map[string]func(Status)

	// OnUnknownError handles failures whose code has no OnError entry.
	OnUnknownError func(Status)

	// OnLog receives builder log lines.
	OnLog func(eventstream.Message)

	// Timeout bounds the wait for a terminal status in wait mode. Zero
	// waits forever.
	Timeout time.Duration
}

// Listener keeps status subscriptions alive after ListenBuild returns.
type Listener struct {
	once   sync.Once
	unsubs []func()
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Unlisten removes every subscription. It is safe to call more than once.
func (l *Listener) Unlisten() {
	l.stop(nil)
}

// Done is closed once the listener is unlistened or the stream dies.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the stream error that ended the listener, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) stop(err error) {
	l.once.Do(func() {
		for _, unsub := range l.unsubs {
			unsub()
		}
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

type result[T any] struct {
	value T
	err   error
}

// ListenBuild subscribes to build events for locator, runs trigger, and
// correlates the two.
//
// A trigger error unsubscribes and is returned as is. In wait mode a failed
// build is returned as an *Error alongside the trigger's value. The
// returned Listener is nil in wait mode and whenever an error is returned.
func ListenBuild[T any](ctx context.Context, src Source, locator project.Locator, trigger func(context.Context) (T, error), opts Options) (T, *Listener, error) {
	var zero T

	l := &Listener{done: make(chan struct{})}
	terminal := make(chan Status, 1)
	streamErr := make(chan error, 1)
	subject := locator.Subject()

	var settleMu sync.Mutex
	settled := false

	onStatus := func(m eventstream.Message) {
		st, ok := ParseStatus(m)
		if !ok || !locator.Matches(st.Subject) {
			return
		}
		if st.Kind == Start {
			if opts.OnStart != nil {
				opts.OnStart(st)
			}
			return
		}

		if opts.WaitCompletion {
			settleMu.Lock()
			if settled {
				settleMu.Unlock()
				return
			}
			settled = true
			settleMu.Unlock()
		}

		switch st.Kind {
		case Success:
			if !opts.WaitCompletion && opts.OnBuild != nil {
				opts.OnBuild(st)
			}
		case Fail:
			if h, ok := opts.OnError[st.Code]; ok {
				h(st)
			} else if opts.OnUnknownError != nil {
				opts.OnUnknownError(st)
			}
		}

		if opts.WaitCompletion {
			terminal <- st
		}
	}

	l.unsubs = append(l.unsubs, src.Subscribe(eventstream.TopicBuildStatus, onStatus))
	l.unsubs = append(l.unsubs, src.Subscribe(eventstream.TopicLog, func(m eventstream.Message) {
		if opts.OnLog != nil && locator.Matches(m.Subject) {
			opts.OnLog(m)
		}
	}))
	l.unsubs = append(l.unsubs, src.OnError(func(err error) {
		select {
		case streamErr <- err:
		default:
		}
		go l.stop(err)
	}))

	trig := make(chan result[T], 1)
	go func() {
		v, err := trigger(ctx)
		trig <- result[T]{value: v, err: err}
	}()

	if !opts.WaitCompletion {
		select {
		case r := <-trig:
			if r.err != nil {
				l.Unlisten()
				return zero, nil, r.err
			}
			return r.value, l, nil
		case <-ctx.Done():
			l.Unlisten()
			return zero, nil, ctx.Err()
		}
	}

	defer l.Unlisten()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var (
		res  *result[T]
		term *Status
	)
	for res == nil || term == nil {
		select {
		case r := <-trig:
			if r.err != nil {
				return zero, nil, r.err
			}
			res = &r
			trig = nil
		case st := <-terminal:
			term = &st
		case err := <-streamErr:
			return zero, nil, fmt.Errorf("%w: %w", ErrStreamClosed, err)
		case <-timeout:
			return zero, nil, fmt.Errorf("%w for %s after %s", ErrTimeout, subject, opts.Timeout)
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		}
	}

	if term.Kind == Fail {
		return res.value, nil, AsError(*term)
	}
	return res.value, nil, nil
}
