package preflight

import (
	"os"

	"slug/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Optional bool   `json:"optional,omitempty"`
}

// RunAll executes the filesystem and module checks for cfg.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// The data root must be writable: artifacts are published inside it.
	results = append(results, CheckDirectoryAccess("Data root", cfg.Paths.DataDir, AccessReadWrite))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir, AccessReadWrite))

	if _, err := os.Stat(cfg.Paths.ModulesDir); err == nil {
		results = append(results, CheckDirectoryAccess("Modules directory", cfg.Paths.ModulesDir, AccessRead))
	}

	results = append(results, CheckModules(cfg.Modules)...)
	return results
}

// Failed returns the non-optional results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}
