package deps

import (
	"fmt"

	"slug/internal/config"
)

// ModuleRequirements lists the executable behind every module. Modules are
// optional individually: a missing one fails only its own runs.
func ModuleRequirements(modules []config.Module) []Requirement {
	reqs := make([]Requirement, 0, len(modules))
	for _, m := range modules {
		desc := m.Description
		if desc == "" {
			desc = fmt.Sprintf("%s-level processing module", m.Level)
		}
		reqs = append(reqs, Requirement{
			Name:        m.Name,
			Command:     m.Command,
			Description: desc,
			Optional:    true,
		})
	}
	return reqs
}

// BrowserRequirement describes the command used to open the session URL.
// It is required only when the browser is opened automatically.
func BrowserRequirement(command string, openBrowser bool) Requirement {
	return Requirement{
		Name:        "browser",
		Command:     command,
		Description: "Opens the session page in local mode",
		Optional:    !openBrowser,
	}
}
