package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// tableView is a titled set of rows ready for rendering.
type tableView struct {
	title   string
	headers []string
	aligns  []columnAlignment
	rows    [][]string
	empty   string
}

func (v tableView) render() string {
	columns := len(v.headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if v.title != "" {
		tw.SetTitle(v.title)
	}

	header := make(table.Row, columns)
	for i, h := range v.headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range v.rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(v.aligns) && v.aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// print writes the table, or the empty message when there are no rows.
func (v tableView) print(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	if len(v.rows) == 0 && v.empty != "" {
		fmt.Fprintln(out, v.empty)
		return
	}
	fmt.Fprintln(out, v.render())
}
