package hierarchy

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"slug/internal/dicom"
	"slug/internal/logging"
	"slug/internal/services"
)

// walker carries the root of one walk. Entity paths are relative to root.
type walker struct {
	r    *Resolver
	root string
}

type seriesResult struct {
	series    Series
	studyDate string
	studyTime string
}

// children returns the names of candidate entity directories in abs, sorted.
func (w *walker) children(abs string) ([]string, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if isHidden(name) || name == ArtifactsDir {
			continue
		}
		if isDirEntry(abs, entry) {
			names = append(names, name)
		}
	}
	return names, nil
}

// files returns the regular files in abs, sorted by name. Hidden files are
// excluded.
func (w *walker) files(abs string) ([]string, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if isHidden(entry.Name()) {
			continue
		}
		if entry.Type().IsRegular() || (entry.Type()&fs.ModeSymlink != 0 && !isDirEntry(abs, entry)) {
			out = append(out, filepath.Join(abs, entry.Name()))
		}
	}
	return out, nil
}

func isDirEntry(parent string, entry fs.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(parent, entry.Name()))
	return err == nil && info.IsDir()
}

func (w *walker) skip(rel, reason string, cause error) {
	err := services.Wrap(services.ErrResolutionSkip, "hierarchy", "classify", reason, cause)
	w.r.metrics.ResolveSkipped(reason)
	logging.WarnWithContext(w.r.logger, "directory skipped during resolution", "resolution_skip",
		logging.String(logging.FieldEntity, rel),
		logging.String("reason", reason),
		logging.String(logging.FieldErrorKind, services.ErrorKind(err)),
		logging.String(logging.FieldErrorHint, "add DICOM data or a sidecar, or move the directory out of the data root"),
		logging.String(logging.FieldImpact, "directory is not shown as an entity"),
		logging.Error(err),
	)
}

func (w *walker) readFailure(rel string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		w.skip(rel, "vanished", err)
		return
	}
	w.skip(rel, "unreadable", err)
}

func (w *walker) project(ctx context.Context, name string) (Project, bool, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, false, err
	}
	abs := filepath.Join(w.root, name)
	rel := name
	names, err := w.children(abs)
	if err != nil {
		w.readFailure(rel, err)
		return Project{}, false, nil
	}
	p := Project{Name: name, Path: rel, Subjects: []Subject{}}
	for _, child := range names {
		s, ok, err := w.subject(ctx, filepath.Join(abs, child), joinRel(rel, child))
		if err != nil {
			return Project{}, false, err
		}
		if ok {
			p.Subjects = append(p.Subjects, s)
		}
	}
	if len(p.Subjects) == 0 {
		w.skip(rel, "no subjects", nil)
		return Project{}, false, nil
	}
	p.Artifacts = readArtifacts(abs, rel)
	return p, true, nil
}

func (w *walker) subject(ctx context.Context, abs, rel string) (Subject, bool, error) {
	if err := ctx.Err(); err != nil {
		return Subject{}, false, err
	}
	name := filepath.Base(abs)
	if w.r.subjectPattern != nil && !w.r.subjectPattern.MatchString(name) {
		w.skip(rel, "subject name does not match pattern", nil)
		return Subject{}, false, nil
	}
	names, err := w.children(abs)
	if err != nil {
		w.readFailure(rel, err)
		return Subject{}, false, nil
	}
	s := Subject{ID: name, Path: rel, Studies: []Study{}}
	meta, hasMeta, err := readSubjectMetadata(abs)
	if err != nil {
		w.sidecarWarning(rel, subjectSidecar, err)
	}
	s.Metadata = meta
	notes, hasNotes := readNotes(abs)
	s.Notes = notes

	for _, child := range names {
		st, ok, err := w.study(ctx, filepath.Join(abs, child), joinRel(rel, child))
		if err != nil {
			return Subject{}, false, err
		}
		if ok {
			s.Studies = append(s.Studies, st)
		}
	}
	if len(s.Studies) == 0 && !hasMeta && !hasNotes {
		w.skip(rel, "no studies or subject sidecar", nil)
		return Subject{}, false, nil
	}
	s.Artifacts = readArtifacts(abs, rel)
	return s, true, nil
}

func (w *walker) study(ctx context.Context, abs, rel string) (Study, bool, error) {
	if err := ctx.Err(); err != nil {
		return Study{}, false, err
	}
	name := filepath.Base(abs)
	if w.r.studyPattern != nil && !w.r.studyPattern.MatchString(name) {
		w.skip(rel, "study name does not match pattern", nil)
		return Study{}, false, nil
	}
	if _, err := os.Stat(abs); err != nil {
		w.readFailure(rel, err)
		return Study{}, false, nil
	}

	results, err := w.seriesOf(ctx, abs, rel)
	if err != nil {
		return Study{}, false, err
	}
	info, hasInfo, infoErr := readStudyInfo(abs)
	if infoErr != nil {
		w.sidecarWarning(rel, studySidecar, infoErr)
	}
	_, hasTags := readSeriesTags(abs)
	if len(results) == 0 && !hasInfo && !hasTags {
		w.skip(rel, "no series or study sidecar", nil)
		return Study{}, false, nil
	}

	st := Study{Name: name, Path: rel, Series: make([]Series, 0, len(results))}
	var modalities []string
	for _, res := range results {
		st.Series = append(st.Series, res.series)
		modalities = append(modalities, res.series.Modality)
		if st.Date == "" && res.studyDate != "" {
			st.Date = dicom.FormatDate(res.studyDate)
		}
		if st.Time == "" && res.studyTime != "" {
			st.Time = res.studyTime
		}
	}
	modalities = append(modalities, info.Modalities...)
	st.Modalities = sortedUnique(modalities)
	if st.Date == "" {
		st.Date = dicom.FormatDate(info.Date)
	}
	if st.Time == "" {
		st.Time = info.Time
	}
	if st.Date == "" {
		st.Date = dateFromStudyName(name)
	}
	st.Notes, _ = readNotes(abs)
	st.Artifacts = readArtifacts(abs, rel)
	return st, true, nil
}

// seriesOf resolves every series directory of a study in parallel, bounded
// by the configured worker count. Order follows directory names.
func (w *walker) seriesOf(ctx context.Context, studyAbs, studyRel string) ([]seriesResult, error) {
	names, err := w.children(studyAbs)
	if err != nil {
		w.readFailure(studyRel, err)
		return nil, nil
	}
	tags, _ := readSeriesTags(studyAbs)

	results := make([]seriesResult, len(names))
	found := make([]bool, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.r.workers)
	for i, name := range names {
		g.Go(func() error {
			res, ok, err := w.series(gctx, filepath.Join(studyAbs, name), joinRel(studyRel, name), tags)
			if err != nil {
				return err
			}
			results[i], found[i] = res, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]seriesResult, 0, len(names))
	for i := range results {
		if found[i] {
			out = append(out, results[i])
		}
	}
	return out, nil
}

func (w *walker) series(ctx context.Context, abs, rel string, tags map[int]string) (seriesResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return seriesResult{}, false, err
	}
	files, err := w.files(abs)
	if err != nil {
		w.readFailure(rel, err)
		return seriesResult{}, false, nil
	}
	var instances, images []string
	for _, f := range files {
		if !dicom.IsDICOM(f) {
			continue
		}
		instances = append(instances, f)
		if !dicom.IsRawDataFile(f) {
			images = append(images, f)
		}
	}
	marker, hasMarker, markerErr := readSeriesMarker(abs)
	if markerErr != nil {
		w.sidecarWarning(rel, seriesMarker, markerErr)
	}
	if len(instances) == 0 && !hasMarker {
		w.skip(rel, "no DICOM instances", nil)
		return seriesResult{}, false, nil
	}

	res := seriesResult{series: Series{
		Name:       filepath.Base(abs),
		Path:       rel,
		ImageCount: len(images),
	}}
	sample := images
	if len(sample) == 0 {
		sample = instances
	}
	if hdr, ok := w.sampleHeaders(rel, sample); ok {
		res.series.Number = hdr.SeriesNumber
		res.series.Description = hdr.SeriesDescription
		res.series.UID = hdr.SeriesInstanceUID
		res.series.Modality = hdr.Modality
		res.series.Acquisition = hdr.Acquisition
		res.studyDate = hdr.StudyDate
		res.studyTime = hdr.StudyTime
	}
	applyMarker(&res.series, marker)
	if tags != nil && res.series.Number != 0 {
		res.series.Tag = tags[res.series.Number]
	}
	res.series.Artifacts = readArtifacts(abs, rel)
	return res, true, nil
}

// sampleHeaders reads up to headerSamples instance headers. The first
// readable header supplies every field; later samples only fill gaps.
func (w *walker) sampleHeaders(rel string, instances []string) (dicom.Header, bool) {
	var (
		base dicom.Header
		ok   bool
	)
	limit := min(w.r.headerSamples, len(instances))
	for _, path := range instances[:limit] {
		hdr, err := dicom.ReadHeader(path)
		if err != nil {
			w.r.logger.Debug("header sample unreadable",
				logging.String(logging.FieldEntity, rel),
				logging.String("file", filepath.Base(path)),
				logging.Error(err),
			)
			continue
		}
		if !ok {
			base, ok = hdr, true
			continue
		}
		fillHeader(&base, hdr)
	}
	return base, ok
}

func fillHeader(dst *dicom.Header, src dicom.Header) {
	if dst.SeriesNumber == 0 {
		dst.SeriesNumber = src.SeriesNumber
	}
	if dst.SeriesDescription == "" {
		dst.SeriesDescription = src.SeriesDescription
	}
	if dst.SeriesInstanceUID == "" {
		dst.SeriesInstanceUID = src.SeriesInstanceUID
	}
	if dst.Modality == "" {
		dst.Modality = src.Modality
	}
	if dst.StudyDate == "" {
		dst.StudyDate = src.StudyDate
	}
	if dst.StudyTime == "" {
		dst.StudyTime = src.StudyTime
	}
	for k, v := range src.Acquisition {
		if dst.Acquisition == nil {
			dst.Acquisition = make(map[string]string)
		}
		if _, exists := dst.Acquisition[k]; !exists {
			dst.Acquisition[k] = v
		}
	}
}

// applyMarker fills series fields the headers left empty.
func applyMarker(s *Series, m seriesInfo) {
	if s.Number == 0 {
		s.Number = m.Number
	}
	if s.Description == "" {
		s.Description = m.Description
	}
	if s.UID == "" {
		s.UID = m.UID
	}
	if s.Modality == "" {
		s.Modality = m.Modality
	}
	if s.ImageCount == 0 {
		s.ImageCount = m.ImageCount
	}
	if len(s.Acquisition) == 0 && len(m.Acquisition) > 0 {
		s.Acquisition = m.Acquisition
	}
}

func (w *walker) sidecarWarning(rel, sidecar string, err error) {
	logging.WarnWithContext(w.r.logger, "sidecar ignored", "sidecar_invalid",
		logging.String(logging.FieldEntity, rel),
		logging.String("sidecar", sidecar),
		logging.String(logging.FieldErrorHint, "fix or remove the sidecar file"),
		logging.String(logging.FieldImpact, "metadata from the sidecar is not shown"),
		logging.Error(err),
	)
}
