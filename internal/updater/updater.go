// Package updater runs post-build hooks. An updater is built from a Spec by
// the constructor registered for its kind; the built-in kind "exec" runs a
// command in the project root when a changed path matches its globs.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnknownKind is returned by Build for a kind with no constructor.
	ErrUnknownKind = errors.New("unknown updater kind")

	// ErrInvalidSpec is returned for a spec missing required fields.
	ErrInvalidSpec = errors.New("invalid updater spec")
)

// Spec is the configured form of an updater.
type Spec struct {
	Name    string        `mapstructure:"name"`
	Kind    string        `mapstructure:"kind"`
	Command string        `mapstructure:"command"`
	Paths   []string      `mapstructure:"paths"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Updater is a post-build hook.
type Updater interface {
	Name() string
	// ShouldUpdate reports whether any of the changed paths concern it.
	ShouldUpdate(paths []string) bool
	Update(ctx context.Context) error
}

// Constructor creates an updater for a project root.
type Constructor func(root string, spec Spec, log *zap.Logger) (Updater, error)

// Registry maps kinds to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a registry with the built-in kinds registered.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.Register(KindExec, NewExec)
	return r
}

// Register adds a constructor. It panics on a nil constructor or a
// duplicate kind.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctor == nil {
		panic(fmt.Sprintf("updater: Register constructor is nil for kind %s", kind))
	}
	if _, exists := r.ctors[kind]; exists {
		panic(fmt.Sprintf("updater: Register called twice for kind %s", kind))
	}
	r.ctors[kind] = ctor
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs an updater per spec, in order.
func (r *Registry) Build(root string, specs []Spec, log *zap.Logger) ([]Updater, error) {
	if log == nil {
		log = zap.NewNop()
	}
	updaters := make([]Updater, 0, len(specs))
	for _, spec := range specs {
		if spec.Kind == "" {
			spec.Kind = KindExec
		}
		r.mu.RLock()
		ctor := r.ctors[spec.Kind]
		r.mu.RUnlock()
		if ctor == nil {
			return nil, fmt.Errorf("%w %q for updater %q", ErrUnknownKind, spec.Kind, spec.Name)
		}
		u, err := ctor(root, spec, log.Named("updater"))
		if err != nil {
			return nil, fmt.Errorf("failed to build updater %q: %w", spec.Name, err)
		}
		updaters = append(updaters, u)
	}
	return updaters, nil
}

// Run calls Update on every updater interested in paths, or on all of them
// when paths is nil. Failures do not stop later updaters and are joined.
func Run(ctx context.Context, updaters []Updater, paths []string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	var errs []error
	for _, u := range updaters {
		if paths != nil && !u.ShouldUpdate(paths) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		start := time.Now()
		if err := u.Update(ctx); err != nil {
			log.Warn("updater failed", zap.String("updater", u.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", u.Name(), err))
			continue
		}
		log.Info("updater finished", zap.String("updater", u.Name()), zap.Duration("took", time.Since(start)))
	}
	return errors.Join(errs...)
}
