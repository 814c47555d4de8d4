//go:build !unix

package pipeline

import "os/exec"

func configureProcessGroup(*exec.Cmd) {}

func processAlive(pid int) bool { return pid > 0 }
