package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"slug/internal/testsupport"
)

const seriesRel = "ProjA/Sub1/Study1/Series1"

type cliTestEnv struct {
	baseDir    string
	dataDir    string
	logDir     string
	configPath string
	counter    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("SLUG_DATA_DIR", "")

	env := &cliTestEnv{
		baseDir:    base,
		dataDir:    filepath.Join(base, "data"),
		logDir:     filepath.Join(base, "logs"),
		configPath: filepath.Join(base, "slug.toml"),
		counter:    filepath.Join(base, "counter"),
	}
	testsupport.WriteSeries(t, filepath.Join(env.dataDir, filepath.FromSlash(seriesRel)), 2,
		testsupport.Instance{SeriesNumber: 1, Modality: "MR", SeriesDescription: "t1_mprage"})

	binDir := filepath.Join(base, "bin")
	convert := testsupport.WriteModuleScript(t, binDir, "convert", testsupport.CountingModuleBody(env.counter, "volume.txt", 0))
	broken := testsupport.WriteModuleScript(t, binDir, "broken", "echo boom >&2\nexit 3")

	content := fmt.Sprintf(`[paths]
data_dir = %q
modules_dir = %q
log_dir = %q

[logging]
format = "json"

[pipeline]
lock_retry_millis = 10

[[modules]]
name = "convert"
command = %q
level = "series"

[modules.options.format]
values = ["nifti", "nrrd"]
default = "nifti"

[[modules]]
name = "broken"
command = %q
level = "series"
`, env.dataDir, filepath.Join(base, "modules"), env.logDir, convert, broken)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
