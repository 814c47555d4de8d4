package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Launcher opens a URL in the user's browser.
type Launcher interface {
	Open(ctx context.Context, url string) error
}

// CommandLauncher starts an external command with the URL appended as the
// last argument. It does not wait for the browser to exit.
type CommandLauncher struct {
	Command string
	Args    []string
}

// NewLauncher returns a launcher for the configured command, or for the
// platform default when custom is empty.
func NewLauncher(custom string) CommandLauncher {
	if fields := strings.Fields(custom); len(fields) > 0 {
		return CommandLauncher{Command: fields[0], Args: fields[1:]}
	}
	return defaultLauncher(runtime.GOOS)
}

func defaultLauncher(goos string) CommandLauncher {
	switch goos {
	case "darwin":
		return CommandLauncher{Command: "open"}
	case "windows":
		return CommandLauncher{Command: "rundll32", Args: []string{"url.dll,FileProtocolHandler"}}
	default:
		return CommandLauncher{Command: "xdg-open"}
	}
}

// Open starts the launcher command.
func (l CommandLauncher) Open(_ context.Context, url string) error {
	if l.Command == "" {
		return fmt.Errorf("no browser command configured")
	}
	args := append(append([]string{}, l.Args...), url)
	cmd := exec.Command(l.Command, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", l.Command, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
