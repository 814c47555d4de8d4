package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"slug/internal/config"
	"slug/internal/logging"
	"slug/internal/metrics"
	"slug/internal/services"
)

// Resolver walks a data root and derives entities. It holds no entity state
// between calls; concurrent identical Resolve calls share one walk.
type Resolver struct {
	root           string
	headerSamples  int
	workers        int
	subjectPattern *regexp.Regexp
	studyPattern   *regexp.Regexp
	logger         *slog.Logger
	metrics        *metrics.Metrics
	flight         singleflight.Group
}

// Location is a validated entity path under the data root.
type Location struct {
	Rel   string
	Abs   string
	Level Level
}

// NewResolver builds a resolver rooted at cfg.Paths.DataDir.
func NewResolver(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Resolver, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "hierarchy", "init", "config is required", nil)
	}
	r := &Resolver{
		root:          cfg.Paths.DataDir,
		headerSamples: cfg.Resolver.HeaderSamples,
		workers:       cfg.Resolver.Workers,
		logger:        logging.NewComponentLogger(logger, "hierarchy"),
		metrics:       m,
	}
	if r.headerSamples <= 0 {
		r.headerSamples = 1
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	var err error
	if cfg.Resolver.SubjectPattern != "" {
		if r.subjectPattern, err = regexp.Compile(cfg.Resolver.SubjectPattern); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "hierarchy", "init", "invalid subject pattern", err)
		}
	}
	if cfg.Resolver.StudyPattern != "" {
		if r.studyPattern, err = regexp.Compile(cfg.Resolver.StudyPattern); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "hierarchy", "init", "invalid study pattern", err)
		}
	}
	return r, nil
}

// Root returns the configured data root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve walks root and returns its projects in lexicographic order.
// Concurrent calls for the same root share a single walk, so callers must
// treat the result as read-only.
func (r *Resolver) Resolve(ctx context.Context, root string) ([]Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "hierarchy", "resolve", "invalid root", err)
	}
	ch := r.flight.DoChan(abs, func() (any, error) {
		return r.resolveRoot(context.WithoutCancel(ctx), abs)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Project), nil
	}
}

func (r *Resolver) resolveRoot(ctx context.Context, abs string) ([]Project, error) {
	start := time.Now()
	info, err := os.Stat(abs)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "hierarchy", "resolve", "data root unavailable", err)
	}
	if !info.IsDir() {
		return nil, services.Wrap(services.ErrValidation, "hierarchy", "resolve", fmt.Sprintf("data root %s is not a directory", abs), nil)
	}

	w := &walker{r: r, root: abs}
	entries, err := w.children(abs)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "hierarchy", "resolve", "read data root", err)
	}
	projects := make([]Project, 0, len(entries))
	for _, name := range entries {
		p, ok, err := w.project(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			projects = append(projects, p)
		}
	}
	r.metrics.ObserveResolve(time.Since(start))
	r.logger.Debug("hierarchy resolved",
		logging.String(logging.FieldEventType, "resolve_complete"),
		logging.String("root", abs),
		logging.Int("projects", len(projects)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return projects, nil
}

// ResolveSeries returns the series of one study. studyPath is relative to
// the data root, or absolute within it.
func (r *Resolver) ResolveSeries(ctx context.Context, studyPath string) ([]Series, error) {
	if filepath.IsAbs(studyPath) {
		rel, err := filepath.Rel(r.root, studyPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, services.Wrap(services.ErrValidation, "hierarchy", "resolve series", fmt.Sprintf("%s is outside the data root", studyPath), err)
		}
		studyPath = filepath.ToSlash(rel)
	}
	loc, err := r.Locate(studyPath)
	if err != nil {
		return nil, err
	}
	if loc.Level != LevelStudy {
		return nil, services.Wrap(services.ErrValidation, "hierarchy", "resolve series", fmt.Sprintf("%s is a %s, not a study", loc.Rel, loc.Level), nil)
	}
	w := &walker{r: r, root: r.root}
	results, err := w.seriesOf(ctx, loc.Abs, loc.Rel)
	if err != nil {
		return nil, err
	}
	out := make([]Series, 0, len(results))
	for _, res := range results {
		out = append(out, res.series)
	}
	return out, nil
}

// List resolves the entity at rel, or the whole root when rel is empty.
func (r *Resolver) List(ctx context.Context, rel string) (Listing, error) {
	loc, err := r.Locate(rel)
	if err != nil {
		return Listing{}, err
	}
	listing := Listing{Level: loc.Level.String(), Path: loc.Rel}
	w := &walker{r: r, root: r.root}
	var ok bool
	switch loc.Level {
	case LevelRoot:
		listing.Projects, err = r.Resolve(ctx, r.root)
		return listing, err
	case LevelProject:
		var p Project
		p, ok, err = w.project(ctx, path.Base(loc.Rel))
		listing.Project = &p
	case LevelSubject:
		var s Subject
		s, ok, err = w.subject(ctx, loc.Abs, loc.Rel)
		listing.Subject = &s
	case LevelStudy:
		var s Study
		s, ok, err = w.study(ctx, loc.Abs, loc.Rel)
		listing.Study = &s
	case LevelSeries:
		var res seriesResult
		tags, _ := readSeriesTags(filepath.Dir(loc.Abs))
		res, ok, err = w.series(ctx, loc.Abs, loc.Rel, tags)
		listing.Series = &res.series
	}
	if err != nil {
		return Listing{}, err
	}
	if !ok {
		return Listing{}, services.Wrap(services.ErrNotFound, "hierarchy", "list", fmt.Sprintf("%s does not resolve to a %s", loc.Rel, loc.Level), nil)
	}
	return listing, nil
}

// Locate validates rel and maps it to an absolute directory and level.
// Parent references, hidden segments and artifact directories are rejected.
func (r *Resolver) Locate(rel string) (Location, error) {
	rel = strings.Trim(filepath.ToSlash(strings.TrimSpace(rel)), "/")
	var segments []string
	if rel != "" && rel != "." {
		for _, seg := range strings.Split(rel, "/") {
			switch {
			case seg == "" || seg == ".":
				continue
			case seg == ".." || isHidden(seg) || seg == ArtifactsDir:
				return Location{}, services.Wrap(services.ErrValidation, "hierarchy", "locate", fmt.Sprintf("invalid path segment %q", seg), nil)
			}
			segments = append(segments, seg)
		}
	}
	if len(segments) > MaxDepth {
		return Location{}, services.Wrap(services.ErrValidation, "hierarchy", "locate", fmt.Sprintf("path %q is deeper than a series", rel), nil)
	}
	clean := strings.Join(segments, "/")
	abs := filepath.Join(r.root, filepath.FromSlash(clean))

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return Location{}, services.Wrap(services.ErrNotFound, "hierarchy", "locate", fmt.Sprintf("no directory at %q", clean), err)
	}
	if err := r.ensureInsideRoot(abs); err != nil {
		return Location{}, err
	}
	return Location{Rel: clean, Abs: abs, Level: Level(len(segments))}, nil
}

func (r *Resolver) ensureInsideRoot(abs string) error {
	realRoot, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return services.Wrap(services.ErrNotFound, "hierarchy", "locate", "data root unavailable", err)
	}
	realPath, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return services.Wrap(services.ErrNotFound, "hierarchy", "locate", "path vanished", err)
	}
	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return services.Wrap(services.ErrValidation, "hierarchy", "locate", "path escapes the data root", err)
	}
	return nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func joinRel(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}
