package deps

import (
	"os"
	"path/filepath"
	"testing"

	"slug/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	notExec := filepath.Join(binDir, "data.txt")
	if err := os.WriteFile(notExec, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "NotExecutable", Command: notExec},
		{Name: "Unset", Command: "  "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	for _, r := range results[1:] {
		if r.Available {
			t.Fatalf("expected %s to be unavailable", r.Name)
		}
		if r.Detail == "" {
			t.Fatalf("expected detail message for %s", r.Name)
		}
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
}

func TestCheckBinariesResolvesPath(t *testing.T) {
	binDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(binDir, "xdg-open"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", binDir)

	results := CheckBinaries([]Requirement{BrowserRequirement("xdg-open", true)})
	if !results[0].Available || results[0].Command != filepath.Join(binDir, "xdg-open") {
		t.Fatalf("unexpected status %#v", results[0])
	}
}

func TestMissingSkipsOptional(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	modules := []config.Module{{Name: "convert", Command: "/nonexistent/convert", Level: "series"}}
	reqs := append(ModuleRequirements(modules), BrowserRequirement("xdg-open", true), BrowserRequirement("xdg-open", false))
	statuses := CheckBinaries(reqs)

	missing := Missing(statuses)
	if len(missing) != 1 || missing[0].Name != "browser" || missing[0].Optional {
		t.Fatalf("unexpected missing set %#v", missing)
	}
	if statuses[0].Description != "series-level processing module" {
		t.Fatalf("unexpected description %q", statuses[0].Description)
	}
}
