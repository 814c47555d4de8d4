package dicomsort

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"slug/internal/dicom"
	"slug/internal/fileutil"
	"slug/internal/hierarchy"
	"slug/internal/logging"
)

// MaxInstance is the largest instance number that fits the file name format.
const MaxInstance = 9999

// RawSubdir is preferred as the source when the input contains it.
const RawSubdir = "dicom-raw"

// Options controls a Sort.
type Options struct {
	// KeepRaw copies raw data storage objects instead of skipping them.
	KeepRaw bool
	// Workers bounds concurrent header reads. Zero means one.
	Workers int
}

// Report summarizes a Sort.
type Report struct {
	Source   string         `json:"source"`
	Scanned  int            `json:"scanned"`
	Copied   int            `json:"copied"`
	NotDICOM int            `json:"not_dicom"`
	RawData  int            `json:"raw_data"`
	Series   map[string]int `json:"series"`
}

type instance struct {
	src     string
	dirName string
	name    string
}

// SourceDir returns input/dicom-raw when it exists and input otherwise.
func SourceDir(input string) string {
	raw := filepath.Join(input, RawSubdir)
	if info, err := os.Stat(raw); err == nil && info.IsDir() {
		return raw
	}
	return input
}

// Sort copies every DICOM instance under src into per-series directories
// below dst. Two instances mapping to the same target name fail the sort.
func Sort(ctx context.Context, src, dst string, opts Options, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	report := Report{Source: src, Series: map[string]int{}}

	files, err := listFiles(src)
	if err != nil {
		return report, err
	}
	report.Scanned = len(files)

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	planned := make([]*instance, len(files))
	var (
		mu       sync.Mutex
		notDICOM int
		rawData  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hdr, err := dicom.ReadHeader(path)
			if err != nil {
				mu.Lock()
				notDICOM++
				mu.Unlock()
				logger.Debug("skipping non-DICOM file", logging.String("file", path), logging.Error(err))
				return nil
			}
			if hdr.IsRawData() && !opts.KeepRaw {
				mu.Lock()
				rawData++
				mu.Unlock()
				return nil
			}
			inst, err := plan(path, hdr)
			if err != nil {
				return err
			}
			planned[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	report.NotDICOM = notDICOM
	report.RawData = rawData

	seen := make(map[string]string, len(planned))
	for _, inst := range planned {
		if inst == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rel := filepath.Join(inst.dirName, inst.name)
		if prev, dup := seen[rel]; dup {
			return report, fmt.Errorf("%s and %s both map to %s", prev, inst.src, rel)
		}
		seen[rel] = inst.src

		target := filepath.Join(dst, rel)
		if _, err := os.Stat(target); err == nil {
			return report, fmt.Errorf("target file already exists: %s", target)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return report, fmt.Errorf("create series dir: %w", err)
		}
		if err := fileutil.CopyFileVerified(inst.src, target); err != nil {
			return report, fmt.Errorf("copy %s: %w", inst.src, err)
		}
		report.Copied++
		report.Series[inst.dirName]++
	}

	logger.Info("dicom sort complete",
		logging.String(logging.FieldEventType, "dicomsort_complete"),
		logging.String("source", src),
		logging.Int("scanned", report.Scanned),
		logging.Int("copied", report.Copied),
		logging.Int("series", len(report.Series)),
		logging.Int("not_dicom", report.NotDICOM),
		logging.Int("raw_data", report.RawData),
	)
	return report, nil
}

func plan(path string, hdr dicom.Header) (*instance, error) {
	if hdr.InstanceNumber > MaxInstance {
		return nil, fmt.Errorf("%s: instance number %d exceeds %d", path, hdr.InstanceNumber, MaxInstance)
	}
	acq := hdr.AcquisitionNumber
	if acq <= 0 {
		acq = 1
	}
	return &instance{
		src:     path,
		dirName: SeriesDirName(hdr.SeriesNumber, hdr.SeriesDescription),
		name:    fmt.Sprintf("MR-SE%05d-%04d-%04d.dcm", hdr.SeriesNumber, acq, hdr.InstanceNumber),
	}, nil
}

// SeriesDirName is the legalized directory name for a series.
func SeriesDirName(number int, description string) string {
	return Legalize(fmt.Sprintf("MR-SE%05d-%s", number, strings.TrimSpace(description)))
}

// listFiles returns regular files under root in lexical order, skipping
// hidden entries and published artifacts.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fmt.Errorf("input %s: %w", root, err)
			}
			return err
		}
		if path != root && (strings.HasPrefix(d.Name(), ".") || d.Name() == hierarchy.ArtifactsDir) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
