package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"slug/internal/config"
	"slug/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir, AccessReadWrite)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "read/write ok") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"), AccessRead)
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f, AccessRead)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDirectoryAccess_ReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission bits")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	if r := CheckDirectoryAccess("test", dir, AccessRead); !r.Passed {
		t.Fatalf("read check failed: %s", r.Detail)
	}
	if r := CheckDirectoryAccess("test", dir, AccessReadWrite); r.Passed {
		t.Fatal("expected write check to fail on read-only directory")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(nil); results != nil {
		t.Fatalf("expected nil results, got %v", results)
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	results := RunAll(cfg)
	if len(results) != 2 {
		t.Fatalf("expected data root and log checks only, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_IncludesModules(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithStubModule("convert", "exit 0", nil),
		testsupport.WithModule(config.Module{Name: "report", Command: "/nonexistent/report"}),
	)
	if err := os.MkdirAll(cfg.Paths.ModulesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	results := RunAll(cfg)
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	want := []string{"Data root", "Log directory", "Modules directory", "Module convert", "Module report"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("checks = %v, want %v", names, want)
	}
	if !results[3].Passed || results[4].Passed {
		t.Fatalf("unexpected module results %+v", results[3:])
	}
	if len(Failed(results)) != 0 {
		t.Fatal("a missing module must not fail preflight")
	}
}

func TestRunAll_MissingDataRootFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.DataDir = filepath.Join(t.TempDir(), "absent")
	failed := Failed(RunAll(cfg))
	if len(failed) == 0 || failed[0].Name != "Data root" {
		t.Fatalf("expected data root failure, got %+v", failed)
	}
}
