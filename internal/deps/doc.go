// Package deps reports whether the external executables slug invokes are
// present: module commands and the browser launcher.
package deps
