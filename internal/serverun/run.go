package serverun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"slug/internal/api"
	"slug/internal/config"
	"slug/internal/deps"
	"slug/internal/hierarchy"
	"slug/internal/logging"
	"slug/internal/metrics"
	"slug/internal/pipeline"
	"slug/internal/preflight"
	"slug/internal/services"
	"slug/internal/supervisor"
)

// Options configures the serve process.
type Options struct {
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Supervisor options are appended after the defaults; tests use them to
	// replace the browser launcher and liveness timings.
	Supervisor []supervisor.Option
}

// Run starts the slug service and blocks until the supervisor has stopped.
// A failed port bind is returned as services.ErrPortBind.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return services.Wrap(services.ErrConfiguration, "serve", "ensure directories", "cannot create log directories", err)
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("slug-%s.log", runID))
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update slug.log link: %v\n", err)
	}
	logging.CleanupOld(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "slug-*.log", Exclude: []string{logPath}},
		logging.RetentionTarget{Dir: filepath.Join(cfg.RunsDir(), pipeline.RecordCompleted), Pattern: "*", Directories: true},
	)

	if failed := preflight.Failed(preflight.RunAll(cfg)); len(failed) > 0 {
		for _, r := range failed {
			logger.Error("preflight check failed",
				logging.String(logging.FieldEventType, "preflight_failed"),
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldErrorHint, "fix the path or permissions named in detail"),
			)
		}
		return services.Wrap(services.ErrConfiguration, "serve", "preflight", fmt.Sprintf("%d preflight check(s) failed", len(failed)), nil)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "slug.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	m := metrics.New()

	resolver, err := hierarchy.NewResolver(cfg, logger, m)
	if err != nil {
		return err
	}
	registry, err := pipeline.NewRegistry(cfg, logger)
	if err != nil {
		return err
	}
	logDependencySnapshot(logger, cfg, registry.List())

	pipe, err := pipeline.New(cfg, registry, resolver, logger, pipeline.WithMetrics(m))
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(signalCtx)
	defer stopWatch()
	go func() {
		if err := registry.Watch(watchCtx); err != nil {
			logging.WarnWithContext(logger, "module watch unavailable", "modules_watch_failed",
				logging.String(logging.FieldErrorHint, "restart slug after adding modules"),
				logging.Error(err),
			)
		}
	}()

	supOpts := append([]supervisor.Option{supervisor.WithMetrics(m)}, opts.Supervisor...)
	sup := supervisor.New(cfg, pipe, logger, supOpts...)

	srv, err := api.New(api.Deps{
		Resolver: resolver,
		Pipeline: pipe,
		Session:  sup,
		Metrics:  m,
		Logger:   logger,
		Workers:  cfg.Server.Workers,
	})
	if err != nil {
		return err
	}

	err = sup.Run(signalCtx, srv.Handler())
	if err != nil && !errors.Is(err, services.ErrPortBind) {
		logger.Error("slug stopped with error",
			logging.String(logging.FieldEventType, "serve_failed"),
			logging.Error(err),
		)
	}
	logger.Info("slug stopped", logging.String(logging.FieldEventType, "serve_stopped"))
	return err
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "slug.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config, modules []config.Module) {
	if logger == nil || cfg == nil {
		return
	}
	reqs := deps.ModuleRequirements(modules)
	if cfg.IsLocalMode() {
		reqs = append(reqs, deps.BrowserRequirement(browserCommand(cfg.Server.BrowserCommand), cfg.Server.OpenBrowser))
	}
	statuses := deps.CheckBinaries(reqs)
	attrs := []any{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("mode", cfg.Server.Mode),
		logging.String("data_dir", cfg.Paths.DataDir),
		logging.Int("modules", len(modules)),
	}
	for _, st := range statuses {
		attrs = append(attrs, logging.Bool(st.Name+"_available", st.Available))
	}
	logger.Info("dependency snapshot", attrs...)

	for _, st := range deps.Missing(statuses) {
		logging.WarnWithContext(logger, "required dependency missing", "dependency_missing",
			logging.String("dependency", st.Name),
			logging.String("command", st.Command),
			logging.String(logging.FieldErrorHint, st.Detail),
		)
	}
	for _, st := range statuses {
		if st.Optional && !st.Available {
			logger.Info("optional dependency unavailable",
				logging.String(logging.FieldEventType, "dependency_unavailable"),
				logging.String("dependency", st.Name),
				logging.String("detail", st.Detail),
			)
		}
	}
}

// browserCommand names the executable the supervisor will launch.
func browserCommand(custom string) string {
	return supervisor.NewLauncher(custom).Command
}
