//go:build unix

package watch

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// classify maps the errors inotify and kqueue return when their per-user
// limits are exhausted to ErrWatchLimit.
func classify(err error) error {
	if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EMFILE) {
		return fmt.Errorf("%w: %v", ErrWatchLimit, err)
	}
	return err
}
