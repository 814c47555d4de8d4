package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains data and bookkeeping directories.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	ModulesDir string `toml:"modules_dir"`
	LogDir     string `toml:"log_dir"`
}

// Server contains listener and local-mode lifecycle settings. Durations are
// expressed in seconds.
type Server struct {
	Mode              string `toml:"mode"`
	Port              int    `toml:"port"`
	NetworkBind       string `toml:"network_bind"`
	OpenBrowser       bool   `toml:"open_browser"`
	BrowserCommand    string `toml:"browser_command"`
	HeartbeatInterval int    `toml:"heartbeat_interval"`
	HeartbeatTimeout  int    `toml:"heartbeat_timeout"`
	ConnectTimeout    int    `toml:"connect_timeout"`
	CloseGrace        int    `toml:"close_grace"`
	ShutdownGrace     int    `toml:"shutdown_grace"`
	WatchParent       bool   `toml:"watch_parent"`
	Workers           int    `toml:"workers"`
}

// Resolver contains hierarchy walk settings.
type Resolver struct {
	HeaderSamples  int    `toml:"header_samples"`
	Workers        int    `toml:"workers"`
	SubjectPattern string `toml:"subject_pattern"`
	StudyPattern   string `toml:"study_pattern"`
}

// Pipeline contains module execution settings.
type Pipeline struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	LockRetryMillis int `toml:"lock_retry_millis"`
	ExcerptLines    int `toml:"excerpt_lines"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// ModuleOption declares the values a module accepts for one option.
type ModuleOption struct {
	Values  []string `toml:"values" yaml:"values"`
	Default string   `toml:"default" yaml:"default"`
}

// Module describes an external processing module. The same shape is used for
// [[modules]] config entries and for module.yaml manifests.
type Module struct {
	Name           string                  `toml:"name" yaml:"name"`
	Command        string                  `toml:"command" yaml:"command"`
	Args           []string                `toml:"args" yaml:"args"`
	Level          string                  `toml:"level" yaml:"level"`
	Inputs         []string                `toml:"inputs" yaml:"inputs"`
	TimeoutSeconds int                     `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Options        map[string]ModuleOption `toml:"options" yaml:"options"`
	Description    string                  `toml:"description" yaml:"description"`
}

// Config encapsulates all configuration values for slug.
//
// Configuration sections by subsystem:
//   - Paths: data root, module manifests, logs and run records
//   - Server: loopback listener, browser launch, liveness timings
//   - Resolver: header sampling and directory patterns
//   - Pipeline: module timeouts and lock polling
//   - Logging: log format, level, and retention
//   - Modules: statically configured processing modules
type Config struct {
	Paths    Paths    `toml:"paths"`
	Server   Server   `toml:"server"`
	Resolver Resolver `toml:"resolver"`
	Pipeline Pipeline `toml:"pipeline"`
	Logging  Logging  `toml:"logging"`
	Modules  []Module `toml:"modules"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/slug/config.toml")
}

// Overrides are command-line values that take precedence over the file and
// the environment. Zero values leave the loaded setting alone.
type Overrides struct {
	DataDir string
	Mode    string
	Port    *int
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	return LoadWithOverrides(path, Overrides{})
}

// LoadWithOverrides is Load with command-line overrides applied before validation.
func LoadWithOverrides(path string, o Overrides) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.apply(o); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func (c *Config) apply(o Overrides) error {
	if data := strings.TrimSpace(o.DataDir); data != "" {
		expanded, err := expandPath(data)
		if err != nil {
			return fmt.Errorf("--data: %w", err)
		}
		c.Paths.DataDir = expanded
	}
	if mode := strings.ToLower(strings.TrimSpace(o.Mode)); mode != "" {
		c.Server.Mode = mode
	}
	if o.Port != nil {
		c.Server.Port = *o.Port
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("slug.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories slug writes to. The data root is
// never created; it must already exist.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LogDir, c.RunsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RunsDir returns the directory holding pipeline run records.
func (c *Config) RunsDir() string {
	return filepath.Join(c.Paths.LogDir, "runs")
}

// PipelineTimeout returns the default module wall-clock limit.
func (c *Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// LockRetry returns the poll interval used while waiting on a cross-process lock.
func (c *Config) LockRetry() time.Duration {
	return time.Duration(c.Pipeline.LockRetryMillis) * time.Millisecond
}

// IsLocalMode reports whether the server runs under the loopback-only guarantee.
func (c *Config) IsLocalMode() bool {
	return c.Server.Mode == ModeLocal
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
