package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readBody(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestPublishReplacesPreviousOutput(t *testing.T) {
	artifacts := t.TempDir()
	final := filepath.Join(artifacts, "convert")
	runID := uuid.NewString()
	staging := stagingDir(artifacts, "convert", runID)
	writeTree(t, final, map[string]string{"volume.nii": "old"})
	writeTree(t, staging, map[string]string{"volume.nii": "new"})

	if err := publish(staging, final, asideDir(artifacts, "convert", runID)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := readBody(t, filepath.Join(final, "volume.nii")); got != "new" {
		t.Fatalf("final holds %q", got)
	}
	entries, _ := os.ReadDir(artifacts)
	if len(entries) != 1 {
		t.Fatalf("expected only the final directory, found %d entries", len(entries))
	}
}

func TestPublishFailureRestoresPreviousOutput(t *testing.T) {
	artifacts := t.TempDir()
	final := filepath.Join(artifacts, "convert")
	runID := uuid.NewString()
	staging := stagingDir(artifacts, "convert", runID)
	writeTree(t, final, map[string]string{"volume.nii": "old"})
	writeTree(t, staging, map[string]string{"volume.nii": "new"})

	original := rename
	t.Cleanup(func() { rename = original })
	rename = func(from, to string) error {
		if from == staging {
			return errors.New("disk full")
		}
		return original(from, to)
	}

	err := publish(staging, final, asideDir(artifacts, "convert", runID))
	if err == nil {
		t.Fatal("expected publish error")
	}
	if got := readBody(t, filepath.Join(final, "volume.nii")); got != "old" {
		t.Fatalf("previous output not restored, final holds %q", got)
	}
	if _, err := os.Stat(asideDir(artifacts, "convert", runID)); !os.IsNotExist(err) {
		t.Fatal("aside copy left behind after restore")
	}
}

func TestPublishWithoutPrevious(t *testing.T) {
	artifacts := t.TempDir()
	final := filepath.Join(artifacts, "report")
	runID := uuid.NewString()
	staging := stagingDir(artifacts, "report", runID)
	writeTree(t, staging, map[string]string{"report.pdf": "pdf"})

	if err := publish(staging, final, asideDir(artifacts, "report", runID)); err != nil {
		t.Fatal(err)
	}
	if got := readBody(t, filepath.Join(final, "report.pdf")); got != "pdf" {
		t.Fatalf("final holds %q", got)
	}
}

func TestRecoverStale(t *testing.T) {
	artifacts := t.TempDir()
	ownStaging := stagingDir(artifacts, "a", uuid.NewString())
	ownAside := asideDir(artifacts, "a", uuid.NewString())
	otherStaging := stagingDir(artifacts, "a-b", uuid.NewString())
	writeTree(t, ownStaging, map[string]string{"partial": "x"})
	writeTree(t, ownAside, map[string]string{"out": "previous"})
	writeTree(t, otherStaging, map[string]string{"partial": "y"})

	if err := recoverStale(artifacts, "a"); err != nil {
		t.Fatalf("recoverStale: %v", err)
	}
	if _, err := os.Stat(ownStaging); !os.IsNotExist(err) {
		t.Fatal("stale staging directory not removed")
	}
	if got := readBody(t, filepath.Join(artifacts, "a", "out")); got != "previous" {
		t.Fatalf("aside copy not restored, got %q", got)
	}
	if _, err := os.Stat(otherStaging); err != nil {
		t.Fatal("staging directory of another module was touched")
	}
}

func TestRecoverStaleDropsAsideWhenFinalExists(t *testing.T) {
	artifacts := t.TempDir()
	aside := asideDir(artifacts, "a", uuid.NewString())
	writeTree(t, filepath.Join(artifacts, "a"), map[string]string{"out": "current"})
	writeTree(t, aside, map[string]string{"out": "previous"})

	if err := recoverStale(artifacts, "a"); err != nil {
		t.Fatal(err)
	}
	if got := readBody(t, filepath.Join(artifacts, "a", "out")); got != "current" {
		t.Fatalf("final replaced, got %q", got)
	}
	if _, err := os.Stat(aside); !os.IsNotExist(err) {
		t.Fatal("aside copy not removed")
	}
}

func TestCollectFilesSkipsManifest(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"b.txt":               "bb",
		"sub/a.txt":           "a",
		".slug-artifact.json": "{}",
	})
	files, err := collectFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Path != "b.txt" || files[1].Path != "sub/a.txt" {
		t.Fatalf("unexpected files %+v", files)
	}
	if files[0].Size != 2 || len(files[0].SHA256) != 64 {
		t.Fatalf("unexpected metadata %+v", files[0])
	}
}
