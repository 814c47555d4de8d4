package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"slug/internal/config"
	"slug/internal/hierarchy"
	"slug/internal/logging"
	"slug/internal/metrics"
	"slug/internal/services"
)

// Status is the outcome of a Run.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusSkippedCached Status = "skipped_cached"
	StatusFailed        Status = "failed"
	StatusBusy          Status = "busy"
)

// RunOptions controls how a run treats a held (entity, module) lock.
type RunOptions struct {
	// Wait queues behind a run in flight instead of failing with
	// ErrLockContention.
	Wait bool
}

// Result describes a finished Run.
type Result struct {
	RunID         string        `json:"run_id,omitempty"`
	Status        Status        `json:"status"`
	Module        string        `json:"module"`
	Target        string        `json:"target"`
	OutputDir     string        `json:"output_dir,omitempty"`
	ArtifactPaths []string      `json:"artifact_paths,omitempty"`
	LogExcerpt    string        `json:"log_excerpt,omitempty"`
	ExitCode      int           `json:"exit_code"`
	Duration      time.Duration `json:"duration"`
	Key           string        `json:"key,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
}

// Locator maps entity paths to directories. *hierarchy.Resolver satisfies it.
type Locator interface {
	Locate(rel string) (hierarchy.Location, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(p *Pipeline) {
		if exec != nil {
			p.exec = exec
		}
	}
}

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline executes modules against entities.
type Pipeline struct {
	registry     *Registry
	locator      Locator
	records      *RecordStore
	exec         Executor
	locks        *keyedLocks
	logger       *slog.Logger
	metrics      *metrics.Metrics
	timeout      time.Duration
	lockRetry    time.Duration
	excerptLines int

	mu       sync.Mutex
	shutting bool
	inflight sync.WaitGroup
}

// New constructs a pipeline.
func New(cfg *config.Config, registry *Registry, locator Locator, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if cfg == nil || registry == nil || locator == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "pipeline requires config, registry and locator", nil)
	}
	p := &Pipeline{
		registry:     registry,
		locator:      locator,
		records:      NewRecordStore(cfg.RunsDir()),
		exec:         commandExecutor{},
		locks:        newKeyedLocks(),
		logger:       logging.NewComponentLogger(logger, "pipeline"),
		timeout:      cfg.PipelineTimeout(),
		lockRetry:    cfg.LockRetry(),
		excerptLines: cfg.Pipeline.ExcerptLines,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Registry returns the module registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Records returns the run record store.
func (p *Pipeline) Records() *RecordStore { return p.records }

// BeginShutdown rejects every subsequent Run with ErrShuttingDown. Runs
// already holding their lock complete normally.
func (p *Pipeline) BeginShutdown() {
	p.mu.Lock()
	p.shutting = true
	p.mu.Unlock()
}

// ShuttingDown reports whether BeginShutdown was called.
func (p *Pipeline) ShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutting
}

// Drain waits for in-flight runs, or until ctx is done.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainMargin covers manifest writing and publish once a module has exited.
const drainMargin = 30 * time.Second

// DrainTimeout is the longest Drain can legitimately take: the largest
// module timeout plus the publish margin.
func (p *Pipeline) DrainTimeout() time.Duration {
	longest := p.timeout
	for _, mod := range p.registry.List() {
		if d := time.Duration(mod.TimeoutSeconds) * time.Second; d > longest {
			longest = d
		}
	}
	return longest + drainMargin
}

func (p *Pipeline) admit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutting {
		return false
	}
	p.inflight.Add(1)
	return true
}

func shuttingDown(module, target string) error {
	return services.Wrap(services.ErrShuttingDown, "pipeline", "run",
		fmt.Sprintf("server shutting down; run of %s on %s rejected", module, target), nil)
}

// Run invokes module against the entity at target (relative to the data
// root). Once the module starts it runs to completion or timeout; ctx only
// bounds the wait for the lock.
func (p *Pipeline) Run(ctx context.Context, module, target string, options map[string]string, ro RunOptions) (Result, error) {
	res := Result{Module: module, Target: target}
	if !p.admit() {
		return p.reject(res, shuttingDown(module, target))
	}
	defer p.inflight.Done()

	mod, ok := p.registry.Get(module)
	if !ok {
		return p.reject(res, services.Wrap(services.ErrNotFound, "pipeline", "run", fmt.Sprintf("unknown module %q", module), nil))
	}
	loc, err := p.locator.Locate(target)
	if err != nil {
		return p.reject(res, err)
	}
	res.Target = loc.Rel
	if want, _ := hierarchy.ParseLevel(mod.Level); loc.Level != want {
		return p.reject(res, services.Wrap(services.ErrValidation, "pipeline", "run",
			fmt.Sprintf("module %s runs on a %s, %q is a %s", mod.Name, mod.Level, loc.Rel, loc.Level), nil))
	}
	opts, overwrite, err := resolveOptions(mod, options)
	if err != nil {
		return p.reject(res, err)
	}

	runID := uuid.NewString()
	ctx = services.WithRunID(services.WithModule(services.WithEntity(ctx, loc.Rel), mod.Name), runID)
	logger := logging.WithContext(ctx, p.logger)

	lockKey := loc.Rel + "\x00" + mod.Name
	release, contended, err := p.locks.acquire(ctx, lockKey, ro.Wait)
	if contended {
		p.metrics.LockContended(mod.Name, lockOutcome(err))
	}
	if err != nil {
		return p.busy(res, logger, err)
	}
	defer release()

	flk, contended, err := acquireFileLock(ctx, fileLockPath(loc.Abs, mod.Name), ro.Wait, p.lockRetry)
	if contended {
		p.metrics.LockContended(mod.Name, lockOutcome(err))
	}
	if err != nil {
		return p.busy(res, logger, err)
	}
	defer func() {
		if err := flk.Unlock(); err != nil {
			logger.Debug("release lock failed", logging.Error(err))
		}
	}()

	if p.ShuttingDown() {
		return p.reject(res, shuttingDown(module, loc.Rel))
	}
	return p.runLocked(ctx, logger, mod, loc, opts, overwrite, runID)
}

func lockOutcome(err error) string {
	if err != nil {
		return "rejected"
	}
	return "waited"
}

// runLocked is the critical section: key, cache check, invoke, publish.
func (p *Pipeline) runLocked(ctx context.Context, logger *slog.Logger, mod config.Module, loc hierarchy.Location, opts map[string]string, overwrite bool, runID string) (Result, error) {
	res := Result{RunID: runID, Module: mod.Name, Target: loc.Rel}
	artifactsDir := filepath.Join(loc.Abs, hierarchy.ArtifactsDir)
	final := filepath.Join(artifactsDir, mod.Name)
	res.OutputDir = final

	if err := recoverStale(artifactsDir, mod.Name); err != nil {
		logging.WarnWithContext(logger, "stale module output not fully cleaned", "stale_cleanup_failed",
			logging.String(logging.FieldErrorHint, "remove hidden .staging/.old directories under _artifacts"),
			logging.String(logging.FieldImpact, "disk space is not reclaimed"),
			logging.Error(err),
		)
	}

	digest, inputs, err := inputHash(loc.Abs, mod.Inputs)
	if err != nil {
		return p.fail(res, logger, services.Wrap(services.ErrModuleFailed, "pipeline", "hash input", fmt.Sprintf("module %s on %s", mod.Name, loc.Rel), err))
	}
	res.Key = idempotenceKey(mod, digest, opts)

	if !overwrite {
		if cached, ok := cachedArtifact(final, res.Key); ok {
			res.Status = StatusSkippedCached
			res.ArtifactPaths = artifactPaths(final, cached.Files)
			p.metrics.RunResolved(mod.Name, string(StatusSkippedCached))
			logger.Info("module run skipped; cached artifact is current",
				logging.String(logging.FieldEventType, "run_cached"),
				logging.String("key", res.Key),
			)
			return res, nil
		}
	}

	staging := stagingDir(artifactsDir, mod.Name, runID)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return p.fail(res, logger, services.Wrap(services.ErrArtifactPublish, "pipeline", "stage", "create staging directory", err))
	}
	defer func() { _ = os.RemoveAll(staging) }()

	optionsJSON, _ := json.Marshal(opts)
	args := append(append([]string{}, mod.Args...), "--input", loc.Abs, "--output", staging)
	args = append(args, optionArgs(opts)...)
	env := append(os.Environ(),
		"SLUG_INPUT="+loc.Abs,
		"SLUG_OUTPUT="+staging,
		"SLUG_OPTIONS="+string(optionsJSON),
		"SLUG_MODULE="+mod.Name,
		"SLUG_RUN_ID="+runID,
	)

	start := time.Now()
	record, err := p.records.begin(RunContext{
		RunID: runID, Module: mod.Name, Target: loc.Rel, Options: opts,
		Command: mod.Command, Args: args, Key: res.Key, Started: start.UTC(),
	})
	if err != nil {
		return p.fail(res, logger, services.Wrap(services.ErrModuleFailed, "pipeline", "record", "create run record", err))
	}

	timeout := p.timeout
	if mod.TimeoutSeconds > 0 {
		timeout = time.Duration(mod.TimeoutSeconds) * time.Second
	}
	logger.Info("module run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("command", mod.Command),
		logging.Int("input_files", inputs),
		logging.Bool("overwrite", overwrite),
		logging.Duration("timeout", timeout),
	)

	p.metrics.RunStarted()
	exitCode, execErr := p.exec.Run(context.WithoutCancel(ctx), Invocation{
		Command: mod.Command,
		Args:    args,
		Env:     env,
		Dir:     loc.Abs,
		Stdout:  record.stdout,
		Stderr:  record.stderr,
		Timeout: timeout,
	})
	res.ExitCode = exitCode
	res.Duration = time.Since(start)

	var runErr error
	switch {
	case execErr != nil && errors.Is(execErr, context.DeadlineExceeded):
		runErr = services.Wrap(services.ErrModuleTimeout, "pipeline", "run",
			fmt.Sprintf("module %s on %s timed out after %s", mod.Name, loc.Rel, timeout), execErr)
	case execErr != nil:
		runErr = services.Wrap(services.ErrModuleFailed, "pipeline", "run",
			fmt.Sprintf("module %s on %s failed (exit %d)", mod.Name, loc.Rel, exitCode), execErr)
	default:
		runErr = p.publishOutput(logger, mod, loc, opts, res.Key, digest, staging, final, artifactsDir, runID)
	}

	if runErr != nil {
		res.LogExcerpt = record.excerpt(p.excerptLines)
	} else {
		res.Status = StatusSuccess
		if a, err := hierarchy.ReadManifest(final); err == nil {
			res.ArtifactPaths = artifactPaths(final, a.Files)
		}
	}
	completion := Completion{
		ReturnCode: exitCode,
		Status:     StatusSuccess,
		Start:      start.UTC(),
		End:        time.Now().UTC(),
		Duration:   res.Duration.Seconds(),
	}
	if runErr != nil {
		completion.Status = StatusFailed
		completion.Error = runErr.Error()
	}
	if err := record.finish(completion); err != nil {
		logger.Debug("finish run record failed", logging.Error(err))
	}

	if runErr != nil {
		p.metrics.RunFinished(mod.Name, string(StatusFailed), res.Duration)
		return p.fail(res, logger, runErr)
	}
	p.metrics.RunFinished(mod.Name, string(StatusSuccess), res.Duration)
	logger.Info("module run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Int("artifacts", len(res.ArtifactPaths)),
		logging.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (p *Pipeline) publishOutput(logger *slog.Logger, mod config.Module, loc hierarchy.Location, opts map[string]string, key, digest, staging, final, artifactsDir, runID string) error {
	files, err := collectFiles(staging)
	if err != nil {
		return services.Wrap(services.ErrArtifactPublish, "pipeline", "publish", fmt.Sprintf("module %s on %s", mod.Name, loc.Rel), err)
	}
	manifest := hierarchy.Artifact{
		Module:    mod.Name,
		Input:     loc.Rel,
		Created:   time.Now().UTC(),
		Hash:      key,
		InputHash: digest,
		Options:   opts,
		Files:     files,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrArtifactPublish, "pipeline", "publish", "encode manifest", err)
	}
	if err := os.WriteFile(filepath.Join(staging, hierarchy.ManifestName), append(data, '\n'), 0o644); err != nil {
		return services.Wrap(services.ErrArtifactPublish, "pipeline", "publish", "write manifest", err)
	}
	err = publish(staging, final, asideDir(artifactsDir, mod.Name, runID))
	var cleanup *cleanupError
	if errors.As(err, &cleanup) {
		logging.WarnWithContext(logger, "previous artifact not removed", "artifact_cleanup_failed",
			logging.String(logging.FieldErrorHint, "remove the hidden .old directory under _artifacts"),
			logging.String(logging.FieldImpact, "new artifact is published; disk space is not reclaimed"),
			logging.Error(err),
		)
		return nil
	}
	if err != nil {
		return services.Wrap(services.ErrArtifactPublish, "pipeline", "publish", fmt.Sprintf("module %s on %s", mod.Name, loc.Rel), err)
	}
	return nil
}

// cachedArtifact returns the manifest at final when it carries key and all
// of its files are intact.
func cachedArtifact(final, key string) (hierarchy.Artifact, bool) {
	a, err := hierarchy.ReadManifest(final)
	if err != nil || a.Hash != key {
		return hierarchy.Artifact{}, false
	}
	if err := a.Verify(final); err != nil {
		return hierarchy.Artifact{}, false
	}
	return a, true
}

func artifactPaths(dir string, files []hierarchy.ArtifactFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, filepath.Join(dir, filepath.FromSlash(f.Path)))
	}
	return out
}

func (p *Pipeline) reject(res Result, err error) (Result, error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	res.ErrorKind = services.ErrorKind(err)
	return res, err
}

func (p *Pipeline) busy(res Result, logger *slog.Logger, err error) (Result, error) {
	if errors.Is(err, services.ErrLockContention) {
		err = services.Wrap(services.ErrLockContention, "pipeline", "lock",
			fmt.Sprintf("a run of %s on %s is already in flight; retry or wait", res.Module, res.Target), nil)
		res.Status = StatusBusy
		res.Error = err.Error()
		res.ErrorKind = services.ErrorKind(err)
		p.metrics.RunResolved(res.Module, string(StatusBusy))
		logger.Info("module run rejected; lock held",
			logging.String(logging.FieldEventType, "run_busy"),
			logging.String(logging.FieldErrorKind, res.ErrorKind),
		)
		return res, err
	}
	return p.reject(res, err)
}

func (p *Pipeline) fail(res Result, logger *slog.Logger, err error) (Result, error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	res.ErrorKind = services.ErrorKind(err)
	logger.Error("module run failed",
		logging.String(logging.FieldEventType, "run_failure"),
		logging.String(logging.FieldErrorKind, res.ErrorKind),
		logging.Int("exit_code", res.ExitCode),
		logging.String(logging.FieldErrorHint, "inspect the run record stderr.txt"),
		logging.String("log_excerpt", res.LogExcerpt),
		logging.Error(err),
	)
	return res, err
}
