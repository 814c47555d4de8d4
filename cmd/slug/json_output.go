package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit writes v as JSON when the context asks for it and otherwise prints the
// tables built by views.
func (c *commandContext) emit(cmd *cobra.Command, v any, views func() []tableView) error {
	if c.wantJSON(cmd) {
		return writeJSON(cmd, v)
	}
	for _, view := range views() {
		view.print(cmd)
	}
	return nil
}
