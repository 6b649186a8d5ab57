package updater

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// KindExec runs a command.
const KindExec = "exec"

const defaultTimeout = 2 * time.Minute

// Exec runs a command in the project root. The command is split on
// whitespace and not passed through a shell.
type Exec struct {
	name    string
	root    string
	argv    []string
	globs   []string
	timeout time.Duration
	log     *zap.Logger
}

// NewExec is the Constructor for KindExec.
func NewExec(root string, spec Spec, log *zap.Logger) (Updater, error) {
	argv := strings.Fields(spec.Command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %q has no command", ErrInvalidSpec, spec.Name)
	}
	for _, g := range spec.Paths {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("%w: %q has invalid glob %q", ErrInvalidSpec, spec.Name, g)
		}
	}
	name := spec.Name
	if name == "" {
		name = argv[0]
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Exec{name: name, root: root, argv: argv, globs: spec.Paths, timeout: timeout, log: log}, nil
}

// Name returns the updater name.
func (e *Exec) Name() string { return e.name }

// ShouldUpdate reports whether any path matches the globs. No globs means
// every change matches.
func (e *Exec) ShouldUpdate(paths []string) bool {
	if len(e.globs) == 0 {
		return len(paths) > 0
	}
	for _, p := range paths {
		for _, g := range e.globs {
			if ok, _ := doublestar.Match(g, p); ok {
				return true
			}
		}
	}
	return false
}

// Update runs the command.
func (e *Exec) Update(ctx context.Context) error {
	out, err := run(ctx, e.timeout, e.root, e.argv[0], e.argv[1:]...)
	if len(out) > 0 {
		e.log.Debug("updater output", zap.String("updater", e.name), zap.ByteString("output", out))
	}
	return err
}

// run executes name with a timeout and returns stdout. Stderr is folded into
// the error.
func run(ctx context.Context, timeout time.Duration, dir, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}
