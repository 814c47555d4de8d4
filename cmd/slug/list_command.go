package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"slug/internal/hierarchy"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list [path]",
		Short: "Show the hierarchy at a data-root relative path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			resolver, err := hierarchy.NewResolver(cfg, ctx.logger(), nil)
			if err != nil {
				return err
			}
			var rel string
			if len(args) == 1 {
				rel = args[0]
			}
			listing, err := resolver.List(cmd.Context(), rel)
			if err != nil {
				return err
			}
			return ctx.emit(cmd, listing, func() []tableView { return listingViews(listing) })
		},
	}
}

func listingViews(l hierarchy.Listing) []tableView {
	switch {
	case l.Projects != nil || l.Level == hierarchy.LevelRoot.String():
		rows := make([][]string, 0, len(l.Projects))
		for _, p := range l.Projects {
			rows = append(rows, []string{p.Name, strconv.Itoa(len(p.Subjects)), strconv.Itoa(len(p.Artifacts))})
		}
		return []tableView{{
			title:   "Projects",
			headers: []string{"Project", "Subjects", "Artifacts"},
			aligns:  []columnAlignment{alignLeft, alignRight, alignRight},
			rows:    rows,
			empty:   "No projects under the data root",
		}}
	case l.Project != nil:
		rows := make([][]string, 0, len(l.Project.Subjects))
		for _, s := range l.Project.Subjects {
			rows = append(rows, []string{s.ID, strconv.Itoa(len(s.Studies)), strconv.Itoa(len(s.Artifacts))})
		}
		return append([]tableView{{
			title:   l.Project.Name,
			headers: []string{"Subject", "Studies", "Artifacts"},
			aligns:  []columnAlignment{alignLeft, alignRight, alignRight},
			rows:    rows,
			empty:   "No subjects",
		}}, artifactView(l.Project.Artifacts)...)
	case l.Subject != nil:
		rows := make([][]string, 0, len(l.Subject.Studies))
		for _, st := range l.Subject.Studies {
			rows = append(rows, []string{st.Name, st.Date, strings.Join(st.Modalities, ","), strconv.Itoa(len(st.Series))})
		}
		return append([]tableView{{
			title:   l.Subject.ID,
			headers: []string{"Study", "Date", "Modalities", "Series"},
			aligns:  []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			rows:    rows,
			empty:   "No studies",
		}}, artifactView(l.Subject.Artifacts)...)
	case l.Study != nil:
		rows := make([][]string, 0, len(l.Study.Series))
		for _, se := range l.Study.Series {
			rows = append(rows, seriesRow(se))
		}
		return append([]tableView{{
			title:   l.Study.Name,
			headers: seriesHeaders,
			aligns:  seriesAligns,
			rows:    rows,
			empty:   "No series",
		}}, artifactView(l.Study.Artifacts)...)
	case l.Series != nil:
		return append([]tableView{{
			title:   l.Series.Name,
			headers: seriesHeaders,
			aligns:  seriesAligns,
			rows:    [][]string{seriesRow(*l.Series)},
		}}, artifactView(l.Series.Artifacts)...)
	}
	return nil
}

var (
	seriesHeaders = []string{"Series", "Number", "Description", "Modality", "Images", "Tag"}
	seriesAligns  = []columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft}
)

func seriesRow(s hierarchy.Series) []string {
	number := ""
	if s.Number > 0 {
		number = strconv.Itoa(s.Number)
	}
	return []string{s.Name, number, s.Description, s.Modality, strconv.Itoa(s.ImageCount), s.Tag}
}

func artifactView(artifacts []hierarchy.Artifact) []tableView {
	if len(artifacts) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(artifacts))
	for _, a := range artifacts {
		created := ""
		if !a.Created.IsZero() {
			created = a.Created.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{a.Module, created, strconv.Itoa(len(a.Files)), shortHash(a.Hash)})
	}
	return []tableView{{
		title:   "Artifacts",
		headers: []string{"Module", "Created", "Files", "Key"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		rows:    rows,
	}}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
