package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"slug/internal/pipeline"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var state string
	var clearRecords bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List module run records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			store := pipeline.NewRecordStore(cfg.RunsDir())
			if clearRecords {
				removed, err := store.Clear(state)
				if err != nil {
					return err
				}
				if ctx.wantJSON(cmd) {
					return writeJSON(cmd, map[string]int{"removed": removed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run record(s)\n", removed)
				return nil
			}
			records, err := store.List(state)
			if err != nil {
				return err
			}
			if records == nil {
				records = []pipeline.RunRecord{}
			}
			return ctx.emit(cmd, records, func() []tableView { return runsViews(records) })
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Only records in this state (running or completed)")
	cmd.Flags().BoolVar(&clearRecords, "clear", false, "Remove matching records instead of listing them")
	return cmd
}

func runsViews(records []pipeline.RunRecord) []tableView {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		status, code, duration := rec.State, "", ""
		if c := rec.Completion; c != nil {
			status = string(c.Status)
			code = strconv.Itoa(c.ReturnCode)
			duration = strconv.FormatFloat(c.Duration, 'f', 1, 64) + "s"
		}
		rows = append(rows, []string{
			rec.Context.Started.Local().Format("2006-01-02 15:04:05"),
			rec.Context.Module,
			rec.Context.Target,
			status,
			code,
			duration,
		})
	}
	return []tableView{{
		title:   "Runs",
		headers: []string{"Started", "Module", "Target", "Status", "Exit", "Duration"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
		rows:    rows,
		empty:   "No run records",
	}}
}
