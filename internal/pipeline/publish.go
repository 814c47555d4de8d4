package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"slug/internal/fileutil"
	"slug/internal/hierarchy"
)

// rename is swapped in tests to simulate publish failures.
var rename = os.Rename

func stagingDir(artifactsDir, module, runID string) string {
	return filepath.Join(artifactsDir, ".staging-"+module+"-"+runID)
}

func asideDir(artifactsDir, module, runID string) string {
	return filepath.Join(artifactsDir, ".old-"+module+"-"+runID)
}

// collectFiles lists the regular files under dir with their size and hash,
// excluding the manifest itself.
func collectFiles(dir string) ([]hierarchy.ArtifactFile, error) {
	var files []hierarchy.ArtifactFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == hierarchy.ManifestName {
			return nil
		}
		sum, size, err := fileutil.HashFile(path)
		if err != nil {
			return err
		}
		files = append(files, hierarchy.ArtifactFile{Path: rel, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect outputs: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// publish moves staging to final. Any previous output is renamed aside first
// and restored if the move fails; it is removed only after the new output is
// in place.
func publish(staging, final, aside string) error {
	hadPrevious := false
	if _, err := os.Lstat(final); err == nil {
		if err := rename(final, aside); err != nil {
			return fmt.Errorf("move previous output aside: %w", err)
		}
		hadPrevious = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("inspect previous output: %w", err)
	}

	if err := rename(staging, final); err != nil {
		if hadPrevious {
			if restoreErr := rename(aside, final); restoreErr != nil {
				return fmt.Errorf("publish output: %w (restore previous output: %v)", err, restoreErr)
			}
		}
		return fmt.Errorf("publish output: %w", err)
	}

	if hadPrevious {
		if err := os.RemoveAll(aside); err != nil {
			return &cleanupError{path: aside, err: err}
		}
	}
	return nil
}

// cleanupError reports a published run whose previous output could not be
// removed. The new artifact is in place.
type cleanupError struct {
	path string
	err  error
}

func (e *cleanupError) Error() string {
	return fmt.Sprintf("remove previous output %s: %v", e.path, e.err)
}

func (e *cleanupError) Unwrap() error { return e.err }

// recoverStale repairs leftovers from an interrupted run of module. It must
// be called with the (entity, module) lock held. A final directory missing
// beside an aside copy means a crash between the two renames, so the aside
// copy is restored.
func recoverStale(artifactsDir, module string) error {
	entries, err := os.ReadDir(artifactsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	final := filepath.Join(artifactsDir, module)
	_, finalErr := os.Lstat(final)
	finalMissing := errors.Is(finalErr, fs.ErrNotExist)

	stagingPrefix := ".staging-" + module + "-"
	asidePrefix := ".old-" + module + "-"
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(artifactsDir, name)
		switch {
		case ownedBy(name, stagingPrefix):
			errs = append(errs, os.RemoveAll(path))
		case ownedBy(name, asidePrefix):
			if finalMissing {
				if err := os.Rename(path, final); err == nil {
					finalMissing = false
					continue
				}
			}
			errs = append(errs, os.RemoveAll(path))
		}
	}
	return errors.Join(errs...)
}

// ownedBy reports whether name is prefix followed by a run ID. The run ID
// check keeps module "a" from claiming the leftovers of module "a-b".
func ownedBy(name, prefix string) bool {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
