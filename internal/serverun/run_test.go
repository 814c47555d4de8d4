package serverun

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"slug/internal/services"
	"slug/internal/supervisor"
	"slug/internal/testsupport"
)

type nopLauncher struct{}

func (nopLauncher) Open(context.Context, string) error { return nil }

func TestRunStopsOnCancelAndRemovesPIDFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pidPath := filepath.Join(cfg.Paths.LogDir, "slug.pid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, Options{Supervisor: []supervisor.Option{supervisor.WithLauncher(nopLauncher{})}})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(pidPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("pid file never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Paths.LogDir, "slug.log")); err != nil {
		t.Fatalf("expected slug.log pointer: %v", err)
	}
}

func TestRunReportsPortBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	cfg := testsupport.NewConfig(t)
	cfg.Server.Port, _ = strconv.Atoi(port)

	err = Run(context.Background(), cfg, Options{Supervisor: []supervisor.Option{supervisor.WithLauncher(nopLauncher{})}})
	if !errors.Is(err, services.ErrPortBind) {
		t.Fatalf("expected ErrPortBind, got %v", err)
	}
}

func TestRunFailsPreflightForUnwritableDataRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}
	cfg := testsupport.NewConfig(t)
	if err := os.Chmod(cfg.Paths.DataDir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(cfg.Paths.DataDir, 0o755) })

	err := Run(context.Background(), cfg, Options{})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestBrowserCommandUsesCustomExecutable(t *testing.T) {
	if got := browserCommand("firefox --new-window"); got != "firefox" {
		t.Fatalf("browserCommand = %q", got)
	}
}
