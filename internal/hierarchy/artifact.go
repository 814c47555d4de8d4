package hierarchy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// ArtifactsDir is the per-entity directory that holds module output.
	ArtifactsDir = "_artifacts"
	// ManifestName is written into every published module output directory.
	ManifestName = ".slug-artifact.json"
)

// ArtifactFile is one file recorded in an artifact manifest. Path is
// relative to the module output directory.
type ArtifactFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Artifact describes published module output for one entity.
type Artifact struct {
	Module    string            `json:"module"`
	Input     string            `json:"input"`
	Dir       string            `json:"dir,omitempty"`
	Created   time.Time         `json:"created"`
	Hash      string            `json:"hash"`
	InputHash string            `json:"input_hash"`
	Options   map[string]string `json:"options,omitempty"`
	Files     []ArtifactFile    `json:"files"`
}

// ReadManifest loads the manifest from a published output directory.
func ReadManifest(dir string) (Artifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Artifact{}, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode %s: %w", ManifestName, err)
	}
	if a.Module == "" || a.Hash == "" {
		return Artifact{}, fmt.Errorf("%s: missing module or hash", ManifestName)
	}
	return a, nil
}

// Verify checks that every recorded file exists in dir with its recorded
// size. Content hashes are not recomputed.
func (a Artifact) Verify(dir string) error {
	for _, f := range a.Files {
		if f.Path == "" || strings.HasPrefix(filepath.Clean(f.Path), "..") {
			return fmt.Errorf("artifact %s: invalid file path %q", a.Module, f.Path)
		}
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return fmt.Errorf("artifact %s: %w", a.Module, err)
		}
		if info.Size() != f.Size {
			return fmt.Errorf("artifact %s: %s has size %d, manifest records %d", a.Module, f.Path, info.Size(), f.Size)
		}
	}
	return nil
}

// readArtifacts lists verified artifacts under entityAbs/_artifacts. Staging
// directories and lock files are hidden and never reported.
func readArtifacts(entityAbs, entityRel string) []Artifact {
	base := filepath.Join(entityAbs, ArtifactsDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	var out []Artifact
	for _, entry := range entries {
		if !entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		a, err := ReadManifest(dir)
		if err != nil {
			continue
		}
		if err := a.Verify(dir); err != nil {
			continue
		}
		a.Dir = joinRel(entityRel, ArtifactsDir, entry.Name())
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}
