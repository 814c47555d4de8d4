// Package main hosts the slug CLI entrypoint and command graph.
//
// The Cobra command tree either starts the local service (serve) or works
// directly against the data root: listing the hierarchy, running a module on
// an entity, and inspecting run records. Direct runs take the same
// cross-process locks as the service, so both can operate on one data root.
//
// Keep this package lean: new behaviour belongs in the internal packages and
// is surfaced here through dedicated commands or flags.
package main
