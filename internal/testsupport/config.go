package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"slug/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The data root is created empty; the modules directory is not created.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.ModulesDir = filepath.Join(base, "modules")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Logging.Format = "json"
	cfgVal.Server.OpenBrowser = false
	cfgVal.Pipeline.LockRetryMillis = 10

	if err := os.MkdirAll(cfgVal.Paths.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir data dir: %v", err)
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithModule appends a module definition, applying module defaults.
func WithModule(m config.Module) ConfigOption {
	return func(b *configBuilder) {
		config.NormalizeModule(&m)
		b.cfg.Modules = append(b.cfg.Modules, m)
	}
}

// WithStubModule writes an executable shell script under the test bin
// directory and registers it as a series-level module.
func WithStubModule(name, body string, options map[string]config.ModuleOption) ConfigOption {
	return func(b *configBuilder) {
		path := WriteModuleScript(b.t, filepath.Join(b.baseDir, "bin"), name, body)
		m := config.Module{Name: name, Command: path, Options: options}
		config.NormalizeModule(&m)
		b.cfg.Modules = append(b.cfg.Modules, m)
	}
}

// WithPipelineTimeout overrides the default module timeout in seconds.
func WithPipelineTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.TimeoutSeconds = seconds
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		for _, name := range names {
			WriteModuleScript(b.t, binDir, name, "exit 0")
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
