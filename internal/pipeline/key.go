package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"slug/internal/config"
	"slug/internal/hierarchy"
)

// inputHash digests the relative paths and contents of every file under
// entityDir matching one of globs. Artifact and hidden entries are excluded;
// files that vanish during the walk are ignored.
func inputHash(entityDir string, globs []string) (string, int, error) {
	if len(globs) == 0 {
		globs = []string{"**"}
	}
	h := sha256.New()
	count := 0
	err := filepath.WalkDir(entityDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == entityDir {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || name == hierarchy.ArtifactsDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(entityDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(globs, rel) {
			return nil
		}
		if err := hashFileInto(h, rel, path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("hash input %s: %w", entityDir, err)
	}
	return hex.EncodeToString(h.Sum(nil)), count, nil
}

func hashFileInto(h io.Writer, rel, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fh := sha256.New()
	n, err := io.Copy(fh, f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(h, "%s\x00%d\x00%x\n", rel, n, fh.Sum(nil))
	return err
}

func matchAny(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// commandFingerprint identifies the module version. It covers the command,
// its arguments, and the size and modification time of the executable when
// it can be located.
func commandFingerprint(mod config.Module) string {
	h := sha256.New()
	fmt.Fprintf(h, "command=%s\n", mod.Command)
	for _, a := range mod.Args {
		fmt.Fprintf(h, "arg=%s\n", a)
	}
	if info, err := os.Stat(mod.Command); err == nil {
		fmt.Fprintf(h, "size=%d\nmtime=%d\n", info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// idempotenceKey combines module identity, input content and options.
// The overwrite flag never reaches opts.
func idempotenceKey(mod config.Module, inputDigest string, opts map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "module=%s\n", mod.Name)
	fmt.Fprintf(h, "fingerprint=%s\n", commandFingerprint(mod))
	fmt.Fprintf(h, "input=%s\n", inputDigest)
	for _, k := range sortedKeys(opts) {
		fmt.Fprintf(h, "option=%s=%s\n", k, opts[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// validateGlobs reports the first malformed pattern.
func validateGlobs(globs []string) error {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid input glob %q", g)
		}
	}
	return nil
}
