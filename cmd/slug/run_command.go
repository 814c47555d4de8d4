package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"slug/internal/pipeline"
	"slug/internal/services"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts []string
	var overwrite bool
	var wait bool

	cmd := &cobra.Command{
		Use:   "run <module> <path>",
		Short: "Run a processing module on an entity",
		Long: "Run a processing module on the entity at a data-root relative path.\n" +
			"A cached artifact with a matching key is reused unless --overwrite is set.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := parseOptions(opts)
			if err != nil {
				return err
			}
			if overwrite {
				options[pipeline.OverwriteOption] = "true"
			}
			_, pipe, err := ctx.pipeline(cmd)
			if err != nil {
				return err
			}
			res, runErr := pipe.Run(cmd.Context(), args[0], args[1], options, pipeline.RunOptions{Wait: wait})
			if runErr != nil && !errors.Is(runErr, services.ErrModuleFailed) {
				return runErr
			}
			if err := ctx.emit(cmd, res, func() []tableView { return resultViews(res) }); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringArrayVarP(&opts, "opt", "o", nil, "Module option as name=value (repeatable)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Rerun even when a cached artifact matches")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for a run in flight on the same entity and module")
	return cmd
}

// parseOptions turns name=value flags into an options map. Later values win.
func parseOptions(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, raw := range values {
		name, value, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: option %q must be name=value", services.ErrValidation, raw)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func resultViews(res pipeline.Result) []tableView {
	rows := [][]string{
		{"Status", string(res.Status)},
		{"Module", res.Module},
		{"Target", res.Target},
		{"Run ID", res.RunID},
		{"Duration", res.Duration.Round(time.Millisecond).String()},
		{"Exit code", strconv.Itoa(res.ExitCode)},
	}
	if res.OutputDir != "" {
		rows = append(rows, []string{"Output", res.OutputDir})
	}
	for _, p := range res.ArtifactPaths {
		rows = append(rows, []string{"Artifact", p})
	}
	if res.Error != "" {
		rows = append(rows, []string{"Error", res.Error})
	}
	views := []tableView{{
		headers: []string{"Field", "Value"},
		rows:    rows,
	}}
	if res.LogExcerpt != "" {
		views = append(views, tableView{
			title:   "Log excerpt",
			headers: []string{"Output"},
			rows:    [][]string{{strings.TrimRight(res.LogExcerpt, "\n")}},
		})
	}
	return views
}
