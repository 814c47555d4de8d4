// Package services defines shared utilities consumed by the resolver, the
// processing pipeline, and the service supervisor.
//
// Key responsibilities:
//   - Context helpers that stamp entity paths, module names, run identifiers,
//     and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     (skip, module failure, timeout, contention, bind failure) so callers can
//     map them to run statuses, HTTP codes, and process exit codes.
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability) stays uniform across the service.
package services
