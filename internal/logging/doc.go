// Package logging assembles structured slog loggers and formatting helpers used
// across slug components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so resolver, pipeline, and
// supervisor code can tag log lines with entity paths, module names, and run
// identifiers. The package also provides a no-op logger for tests and wiring
// code that cannot fail.
package logging
