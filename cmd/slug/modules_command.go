package main

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"slug/internal/config"
	"slug/internal/pipeline"
	"slug/internal/preflight"
)

// moduleStatus is a registered module with its executable check.
type moduleStatus struct {
	Name        string   `json:"name"`
	Level       string   `json:"level"`
	Command     string   `json:"command"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options,omitempty"`
	Timeout     int      `json:"timeout_seconds,omitempty"`
	Available   bool     `json:"available"`
	Detail      string   `json:"detail,omitempty"`
}

func newModulesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "modules [path]",
		Short: "List processing modules, or their state on one entity",
		Long: "Without a path, list processing modules and whether their executables resolve.\n" +
			"With a data-root relative path, report each module as running, complete,\n" +
			"available or unavailable for that entity.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				_, pipe, err := ctx.pipeline(cmd)
				if err != nil {
					return err
				}
				statuses, err := pipe.StatusAll(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.emit(cmd, statuses, func() []tableView { return entityStatusViews(args[0], statuses) })
			}
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			registry, err := pipeline.NewRegistry(cfg, ctx.logger())
			if err != nil {
				return err
			}
			statuses := moduleStatuses(registry.List())
			return ctx.emit(cmd, statuses, func() []tableView { return modulesViews(statuses) })
		},
	}
}

func moduleStatuses(modules []config.Module) []moduleStatus {
	checks := preflight.CheckModules(modules)
	out := make([]moduleStatus, 0, len(modules))
	for i, m := range modules {
		names := make([]string, 0, len(m.Options))
		for name := range m.Options {
			names = append(names, name)
		}
		sort.Strings(names)
		st := moduleStatus{
			Name:        m.Name,
			Level:       m.Level,
			Command:     m.Command,
			Description: m.Description,
			Options:     names,
			Timeout:     m.TimeoutSeconds,
		}
		if i < len(checks) {
			st.Available = checks[i].Passed
			st.Detail = checks[i].Detail
		}
		out = append(out, st)
	}
	return out
}

func modulesViews(statuses []moduleStatus) []tableView {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		timeout := ""
		if st.Timeout > 0 {
			timeout = strconv.Itoa(st.Timeout) + "s"
		}
		rows = append(rows, []string{st.Name, st.Level, strings.Join(st.Options, ","), timeout, yesNo(st.Available)})
	}
	return []tableView{{
		title:   "Modules",
		headers: []string{"Module", "Level", "Options", "Timeout", "Available"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		rows:    rows,
		empty:   "No modules configured",
	}}
}

func entityStatusViews(path string, statuses []pipeline.ModuleStatus) []tableView {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{st.Module, string(st.State), strconv.Itoa(st.Inputs), st.Message})
	}
	title := "Modules"
	if p := strings.Trim(path, "/"); p != "" {
		title += " on " + p
	}
	return []tableView{{
		title:   title,
		headers: []string{"Module", "State", "Inputs", "Detail"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		rows:    rows,
		empty:   "No modules configured",
	}}
}
