// Package preflight provides readiness checks for the filesystem paths and
// executables slug depends on.
//
// These checks run in two contexts:
//   - "slug serve" calls RunAll before binding and refuses to start when the
//     data root is unusable.
//   - The CLI "slug modules" command uses CheckModules to show which module
//     commands can actually be executed.
//
// A missing module executable never blocks startup; it only fails the runs
// of that module.
package preflight
