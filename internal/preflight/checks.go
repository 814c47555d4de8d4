package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"slug/internal/config"
	"slug/internal/deps"
)

// Access selects the permissions CheckDirectoryAccess requires.
type Access uint32

const (
	AccessRead      Access = unix.R_OK | unix.X_OK
	AccessReadWrite Access = unix.R_OK | unix.W_OK | unix.X_OK
)

func (a Access) String() string {
	if a&unix.W_OK != 0 {
		return "read/write"
	}
	return "read"
}

// CheckDirectoryAccess verifies that the directory exists and grants the
// requested access to this process.
func CheckDirectoryAccess(name, path string, access Access) Result {
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, uint32(access)); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s ok)", path, access)}
}

// CheckModules reports whether each module command can be executed.
func CheckModules(modules []config.Module) []Result {
	statuses := deps.CheckBinaries(deps.ModuleRequirements(modules))
	results := make([]Result, 0, len(statuses))
	for _, st := range statuses {
		r := Result{Name: "Module " + st.Name, Passed: st.Available, Optional: st.Optional, Detail: st.Command}
		if !st.Available {
			r.Detail = st.Detail
		}
		results = append(results, r)
	}
	return results
}
