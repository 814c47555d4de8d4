package api

import (
	"time"

	"slug/internal/config"
	"slug/internal/pipeline"
	"slug/internal/supervisor"
)

// RunRequest is the body of POST /api/run.
type RunRequest struct {
	Module  string            `json:"module" validate:"required,max=64"`
	Path    string            `json:"path" validate:"required,max=4096"`
	Options map[string]string `json:"options" validate:"omitempty,max=32,dive,keys,required,max=64,endkeys,max=1024"`
	Wait    bool              `json:"wait"`
}

// ErrorResponse is the body of every non-2xx reply that carries no Result.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	Name           string                `json:"name"`
	Level          string                `json:"level"`
	Description    string                `json:"description,omitempty"`
	Command        string                `json:"command"`
	Inputs         []string              `json:"inputs"`
	TimeoutSeconds int                   `json:"timeout_seconds,omitempty"`
	Options        map[string]OptionInfo `json:"options,omitempty"`
}

// OptionInfo describes one declared module option.
type OptionInfo struct {
	Values  []string `json:"values,omitempty"`
	Default string   `json:"default,omitempty"`
}

// ModulesResponse is the body of GET /api/modules.
type ModulesResponse struct {
	Modules []ModuleInfo `json:"modules"`
}

// RunsResponse is the body of GET /api/runs.
type RunsResponse struct {
	Runs []pipeline.RunRecord `json:"runs"`
}

// StatusResponse is the body of GET /api/status: each module's state on
// the entity at Path.
type StatusResponse struct {
	Path    string                  `json:"path"`
	Modules []pipeline.ModuleStatus `json:"modules"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	State         supervisor.State `json:"state"`
	StateLabel    string           `json:"state_label"`
	Mode          string           `json:"mode"`
	Address       string           `json:"address,omitempty"`
	Heartbeats    int              `json:"heartbeats"`
	LastHeartbeat time.Time        `json:"last_heartbeat,omitzero"`
	Modules       int              `json:"modules"`
	ShuttingDown  bool             `json:"shutting_down"`
}

// FromModule converts a module definition for transport.
func FromModule(m config.Module) ModuleInfo {
	info := ModuleInfo{
		Name:           m.Name,
		Level:          m.Level,
		Description:    m.Description,
		Command:        m.Command,
		Inputs:         m.Inputs,
		TimeoutSeconds: m.TimeoutSeconds,
	}
	if len(m.Options) > 0 {
		info.Options = make(map[string]OptionInfo, len(m.Options))
		for name, opt := range m.Options {
			info.Options[name] = OptionInfo{Values: opt.Values, Default: opt.Default}
		}
	}
	return info
}
