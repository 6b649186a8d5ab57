package ui

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/applinkdev/applink/internal/auth"
)

var (
	// ErrMasterWorkspace is returned when linking into the master workspace.
	ErrMasterWorkspace = errors.New("cannot link into the master workspace; create a development workspace first")

	// ErrNotConfirmed is returned when the user declines a prompt or no
	// prompt can be shown.
	ErrNotConfirmed = errors.New("not confirmed")
)

// ConfirmFunc asks a yes/no question.
type ConfirmFunc func(title string) (bool, error)

// Confirm asks a yes/no question on the terminal. Without a terminal it
// returns ErrNotConfirmed.
func Confirm(title string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("%w: %s (no terminal, pass --yes)", ErrNotConfirmed, title)
	}
	ok := false
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	)).WithTheme(huh.ThemeBase()).Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// GuardWorkspace refuses the master workspace and asks before linking into
// a production workspace unless assumeYes is set.
func GuardWorkspace(s *auth.Session, assumeYes bool, confirm ConfirmFunc) error {
	if s.Workspace == "master" {
		return ErrMasterWorkspace
	}
	if !s.Production || assumeYes {
		return nil
	}
	if confirm == nil {
		confirm = Confirm
	}
	ok, err := confirm(fmt.Sprintf("Workspace %q is a production workspace. Link anyway?", s.Workspace))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: linking into production workspace %s", ErrNotConfirmed, s.Workspace)
	}
	return nil
}
