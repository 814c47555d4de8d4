//go:build unix

package supervisor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// parentGone reports whether the process that launched us has exited. An
// orphaned process is reparented, so a changed parent pid also counts.
func parentGone(pid int) bool {
	if pid <= 1 {
		return false
	}
	if os.Getppid() != pid {
		return true
	}
	return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}
