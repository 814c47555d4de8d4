//go:build !unix

package supervisor

import "os"

func parentGone(pid int) bool {
	if pid <= 1 {
		return false
	}
	return os.Getppid() != pid
}
