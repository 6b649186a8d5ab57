// Package ui renders user-facing terminal output: build transitions, builder
// log lines and prompts. Diagnostics go through zap, not through here.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/applinkdev/applink/internal/link/build"
	"github.com/applinkdev/applink/internal/link/eventstream"
)

// Printer writes styled lines. It is safe for concurrent use.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
	tty bool

	info    lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	faint   lipgloss.Style
	sender  lipgloss.Style
}

// New returns a printer for out. Colours are used only when out is a
// terminal.
func New(out io.Writer) *Printer {
	tty := isTerminal(out)
	r := lipgloss.NewRenderer(out)
	if !tty {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		out:     out,
		tty:     tty,
		info:    r.NewStyle().Foreground(lipgloss.Color("39")),
		success: r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		fail:    r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		faint:   r.NewStyle().Faint(true),
		sender:  r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// Stderr returns a printer on os.Stderr.
func Stderr() *Printer {
	return New(os.Stderr)
}

// Interactive reports whether the printer writes to a terminal.
func (p *Printer) Interactive() bool {
	return p.tty
}

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// Infof prints an informational line.
func (p *Printer) Infof(format string, args ...any) {
	p.println(p.info.Render(fmt.Sprintf(format, args...)))
}

// Successf prints a success line.
func (p *Printer) Successf(format string, args ...any) {
	p.println(p.success.Render(fmt.Sprintf(format, args...)))
}

// Warnf prints a warning line.
func (p *Printer) Warnf(format string, args ...any) {
	p.println(p.warn.Render(fmt.Sprintf(format, args...)))
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...any) {
	p.println(p.fail.Render(fmt.Sprintf(format, args...)))
}

// Build prints a build transition.
func (p *Printer) Build(st build.Status) {
	switch st.Kind {
	case build.Start:
		p.println(p.faint.Render("building..."))
	case build.Success:
		line := "build succeeded"
		if st.BuildID != "" {
			line += " " + p.faint.Render("("+st.BuildID+")")
		}
		p.println(p.success.Render("✔ ") + line)
	case build.Fail:
		p.println(p.fail.Render("✘ ") + build.AsError(st).Error())
	case build.Timeout:
		p.println(p.warn.Render("build timed out"))
	}
}

// Log prints a builder log line, coloured by level.
func (p *Printer) Log(m eventstream.Message) {
	text := strings.TrimRight(m.Body.Message, "\n")
	if text == "" {
		return
	}
	style := p.info
	switch strings.ToLower(m.Level) {
	case "warn", "warning":
		style = p.warn
	case "error", "fatal":
		style = p.fail
	case "debug":
		style = p.faint
	}
	prefix := ""
	if m.Sender != "" {
		prefix = p.sender.Render("["+m.Sender+"]") + " "
	}
	p.println(prefix + style.Render(text))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
