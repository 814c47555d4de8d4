// Command slug-dicomsort is a study-level processing module that sorts raw
// DICOM instances into per-series folders. It follows the module invocation
// contract: --input names the entity directory and --output the staging
// directory that slug publishes on success.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"slug/internal/dicomsort"
	"slug/internal/fileutil"
	"slug/internal/logging"
)

const reportFile = "sort_report.json"

func main() {
	if err := newCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		input   string
		output  string
		raw     string
		workers int
	)

	cmd := &cobra.Command{
		Use:           "slug-dicomsort",
		Short:         "Sort DICOM instances into per-series folders",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				input = os.Getenv("SLUG_INPUT")
			}
			if output == "" {
				output = os.Getenv("SLUG_OUTPUT")
			}
			if input == "" || output == "" {
				return fmt.Errorf("--input and --output are required")
			}
			keepRaw := false
			switch raw {
			case "skip", "":
			case "keep":
				keepRaw = true
			default:
				return fmt.Errorf("--raw must be skip or keep, got %q", raw)
			}

			logger, err := logging.New(logging.Options{Level: "info", Format: "console", OutputPaths: []string{"stderr"}})
			if err != nil {
				return err
			}
			if err := os.MkdirAll(output, 0o755); err != nil {
				return fmt.Errorf("create output: %w", err)
			}

			report, err := dicomsort.Sort(cmd.Context(), dicomsort.SourceDir(input), output,
				dicomsort.Options{KeepRaw: keepRaw, Workers: workers}, logger)
			if err != nil {
				return err
			}
			if report.Copied == 0 {
				return fmt.Errorf("no DICOM instances found under %s", report.Source)
			}
			if err := fileutil.WriteJSONAtomic(filepath.Join(output, reportFile), report); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sorted %d instance(s) into %d series\n", report.Copied, len(report.Series))
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Entity directory to read (default $SLUG_INPUT)")
	cmd.Flags().StringVar(&output, "output", "", "Staging directory to write (default $SLUG_OUTPUT)")
	cmd.Flags().StringVar(&raw, "raw", "skip", "Raw data storage objects: skip or keep")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "Concurrent header reads")
	return cmd
}
