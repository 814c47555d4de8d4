package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"slug/internal/config"
	"slug/internal/preflight"
	"slug/internal/services"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the slug configuration",
	}
	cmd.AddCommand(newConfigInitCommand(), newConfigValidateCommand(ctx))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		target    string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented sample configuration",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := sampleDestination(target)
			if err != nil {
				return err
			}
			if !overwrite {
				if _, err := os.Stat(path); err == nil {
					return services.Wrap(services.ErrValidation, "config", "init",
						fmt.Sprintf("%s already exists; pass --overwrite to replace it", path), nil)
				}
			}
			if err := config.CreateSample(path); err != nil {
				return services.Wrap(services.ErrConfiguration, "config", "init", "cannot write sample", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\nPoint paths.data_dir (or SLUG_DATA_DIR) at the imaging data root, then run slug serve.\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "path", "p", "", "Where to write the sample (defaults to the user config path)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

// sampleDestination expands an explicit --path or falls back to the default
// config location.
func sampleDestination(flag string) (string, error) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		path, err := config.DefaultConfigPath()
		if err != nil {
			return "", services.Wrap(services.ErrConfiguration, "config", "init", "cannot determine default config path", err)
		}
		return path, nil
	}
	path, err := config.ExpandPath(flag)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "config", "init", fmt.Sprintf("bad path %q", flag), err)
	}
	return path, nil
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Load the configuration and run the startup checks",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.LoadWithOverrides(strings.TrimSpace(ctx.flags.config), ctx.overrides(cmd))
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return services.Wrap(services.ErrConfiguration, "config", "validate", "cannot create directories", err)
			}

			out := cmd.OutOrStdout()
			source := path
			if !exists {
				source += " (not found, defaults used)"
			}
			fmt.Fprintf(out, "Config: %s\nData root: %s\nModules: %d configured\n", source, cfg.Paths.DataDir, len(cfg.Modules))

			results := preflight.RunAll(cfg)
			checksView(results).print(cmd)
			if failed := preflight.Failed(results); len(failed) > 0 {
				return services.Wrap(services.ErrConfiguration, "config", "validate",
					fmt.Sprintf("%d check(s) failed", len(failed)), nil)
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func checksView(results []preflight.Result) tableView {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		state := "ok"
		switch {
		case !r.Passed && r.Optional:
			state = "warn"
		case !r.Passed:
			state = "FAIL"
		}
		rows = append(rows, []string{r.Name, state, r.Detail})
	}
	return tableView{
		title:   "Checks",
		headers: []string{"Check", "Result", "Detail"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignLeft},
		rows:    rows,
		empty:   "No checks ran",
	}
}
