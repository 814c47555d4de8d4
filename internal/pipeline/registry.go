package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"slug/internal/config"
	"slug/internal/logging"
	"slug/internal/services"
)

// ManifestFile names the module descriptor inside a modules directory entry.
const ManifestFile = "module.yaml"

const reloadDebounce = 250 * time.Millisecond

// Registry holds the modules known to the pipeline: statically configured
// [[modules]] entries plus one per <modules_dir>/<name>/module.yaml.
// Configured entries win over directory entries with the same name.
type Registry struct {
	static []config.Module
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	modules map[string]config.Module
}

// NewRegistry builds a registry and performs the initial load.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		dir:    cfg.Paths.ModulesDir,
		logger: logging.NewComponentLogger(logger, "modules"),
	}
	for _, m := range cfg.Modules {
		if err := validateGlobs(m.Inputs); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "modules", "load", fmt.Sprintf("module %s", m.Name), err)
		}
		r.static = append(r.static, m)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the module named name.
func (r *Registry) Get(name string) (config.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// List returns all modules sorted by name.
func (r *Registry) List() []config.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload rereads the modules directory. Invalid manifests are skipped with
// a warning; the previous set is replaced atomically.
func (r *Registry) Reload() error {
	modules := make(map[string]config.Module, len(r.static))
	for _, m := range r.static {
		modules[m.Name] = m
	}

	discovered, err := r.scanDir()
	if err != nil {
		return err
	}
	for _, m := range discovered {
		if _, exists := modules[m.Name]; exists {
			logging.WarnWithContext(r.logger, "module manifest shadowed by configuration", "module_shadowed",
				logging.String(logging.FieldModule, m.Name),
				logging.String(logging.FieldErrorHint, "rename the module directory or remove the [[modules]] entry"),
				logging.String(logging.FieldImpact, "the configured module definition is used"),
			)
			continue
		}
		modules[m.Name] = m
	}

	r.mu.Lock()
	r.modules = modules
	r.mu.Unlock()
	r.logger.Debug("modules loaded",
		logging.String(logging.FieldEventType, "modules_loaded"),
		logging.Int("count", len(modules)),
	)
	return nil
}

func (r *Registry) scanDir() ([]config.Module, error) {
	if r.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrConfiguration, "modules", "scan", "read modules directory", err)
	}
	var out []config.Module
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		moduleDir := filepath.Join(r.dir, entry.Name())
		m, err := loadManifest(moduleDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			logging.WarnWithContext(r.logger, "module manifest ignored", "module_invalid",
				logging.String("path", filepath.Join(moduleDir, ManifestFile)),
				logging.String(logging.FieldErrorHint, "fix module.yaml"),
				logging.String(logging.FieldImpact, "module is unavailable"),
				logging.Error(err),
			)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// loadManifest parses <dir>/module.yaml. The name defaults to the directory
// name, and a relative command that exists inside dir is made absolute.
func loadManifest(dir string) (config.Module, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return config.Module{}, err
	}
	var m config.Module
	if err := yaml.Unmarshal(data, &m); err != nil {
		return config.Module{}, fmt.Errorf("decode %s: %w", ManifestFile, err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	config.NormalizeModule(&m)
	if m.Command != "" && !filepath.IsAbs(m.Command) {
		candidate := filepath.Join(dir, m.Command)
		if _, err := os.Stat(candidate); err == nil {
			m.Command = candidate
		}
	}
	if err := config.ValidateModule(m); err != nil {
		return config.Module{}, err
	}
	if err := validateGlobs(m.Inputs); err != nil {
		return config.Module{}, err
	}
	return m, nil
}

// Watch reloads the registry when the modules directory changes. It
// returns when ctx is done. A missing directory is not watched.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	if _, err := os.Stat(r.dir); err != nil {
		r.logger.Debug("modules directory not watched", logging.String("dir", r.dir), logging.Error(err))
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.addSubdirs(watcher)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Debug("modules watcher error", logging.Error(err))
		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				logging.WarnWithContext(r.logger, "module reload failed", "modules_reload_failed",
					logging.String(logging.FieldErrorHint, "check the modules directory permissions"),
					logging.String(logging.FieldImpact, "previous module set stays active"),
					logging.Error(err),
				)
				continue
			}
			r.logger.Info("modules reloaded",
				logging.String(logging.FieldEventType, "modules_reloaded"),
				logging.Int("count", len(r.List())),
			)
		}
	}
}

func (r *Registry) addSubdirs(w *fsnotify.Watcher) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = w.Add(filepath.Join(r.dir, entry.Name()))
		}
	}
}
