package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeUpdater struct {
	name  string
	match bool
	err   error
	calls int
}

func (f *fakeUpdater) Name() string                 { return f.name }
func (f *fakeUpdater) ShouldUpdate([]string) bool   { return f.match }
func (f *fakeUpdater) Update(context.Context) error { f.calls++; return f.err }

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(root string, spec Spec, _ *zap.Logger) (Updater, error) {
		return &fakeUpdater{name: spec.Name}, nil
	})

	if got := r.Kinds(); len(got) != 2 || got[0] != "exec" || got[1] != "fake" {
		t.Errorf("Kinds() = %v", got)
	}

	us, err := r.Build(t.TempDir(), []Spec{
		{Name: "styles", Command: "echo hi"},
		{Name: "other", Kind: "fake"},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if len(us) != 2 || us[0].Name() != "styles" || us[1].Name() != "other" {
		t.Errorf("Build() = %v", us)
	}
}

func TestRegistry_BuildErrors(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"unknown kind", Spec{Name: "x", Kind: "plugin"}, ErrUnknownKind},
		{"empty command", Spec{Name: "x", Command: "  "}, ErrInvalidSpec},
		{"bad glob", Spec{Name: "x", Command: "true", Paths: []string{"src/[a"}}, ErrInvalidSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Build(".", []Spec{tt.spec}, nil); !errors.Is(err, tt.want) {
				t.Errorf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistry_RegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate kind")
		}
	}()
	NewRegistry().Register(KindExec, NewExec)
}

func TestExec_ShouldUpdate(t *testing.T) {
	u, err := NewExec(".", Spec{Name: "styles", Command: "true", Paths: []string{"styles/**/*.css", "*.scss"}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewExec() failed: %v", err)
	}
	tests := []struct {
		paths []string
		want  bool
	}{
		{[]string{"styles/a/b.css"}, true},
		{[]string{"main.scss"}, true},
		{[]string{"src/app.js", "styles/x.css"}, true},
		{[]string{"src/app.js"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := u.ShouldUpdate(tt.paths); got != tt.want {
			t.Errorf("ShouldUpdate(%v) = %v, want %v", tt.paths, got, tt.want)
		}
	}

	all, _ := NewExec(".", Spec{Command: "true"}, zaptest.NewLogger(t))
	if !all.ShouldUpdate([]string{"anything"}) || all.Name() != "true" {
		t.Error("updater without globs should match any change and default its name")
	}
}

func TestExec_Update(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses unix commands")
	}
	root := t.TempDir()

	u, err := NewExec(root, Spec{Name: "touch", Command: "touch generated.txt"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewExec() failed: %v", err)
	}
	if err := u.Update(context.Background()); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "generated.txt")); err != nil {
		t.Errorf("command did not run in the project root: %v", err)
	}

	bad, _ := NewExec(root, Spec{Name: "ls", Command: "ls does-not-exist"}, zaptest.NewLogger(t))
	if err := bad.Update(context.Background()); err == nil {
		t.Error("expected failing command to return an error")
	}
}

func TestRun(t *testing.T) {
	boom := errors.New("boom")
	a := &fakeUpdater{name: "a", match: true, err: boom}
	b := &fakeUpdater{name: "b", match: false}
	c := &fakeUpdater{name: "c", match: true}
	us := []Updater{a, b, c}

	err := Run(context.Background(), us, []string{"x"}, zaptest.NewLogger(t))
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
	if a.calls != 1 || b.calls != 0 || c.calls != 1 {
		t.Errorf("calls a=%d b=%d c=%d, want 1 0 1", a.calls, b.calls, c.calls)
	}

	if err := Run(context.Background(), []Updater{b}, nil, nil); err != nil {
		t.Errorf("Run(all) failed: %v", err)
	}
	if b.calls != 1 {
		t.Errorf("nil paths should run every updater, b.calls = %d", b.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Run(ctx, []Updater{c}, nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() with canceled ctx = %v", err)
	}
}
