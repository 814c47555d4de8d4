package hierarchy

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	subjectSidecar = "subject.yaml"
	notesSidecar   = "notes.txt"
	studySidecar   = "study.json"
	tagsSidecar    = "dicom_tags.csv"
	seriesMarker   = "series.json"
)

var studyNameDate = regexp.MustCompile(`MR-(\d{8})$`)

type studyInfo struct {
	Date       string   `json:"date"`
	Time       string   `json:"time"`
	Modalities []string `json:"modalities"`
}

type seriesInfo struct {
	Number      int               `json:"number"`
	Description string            `json:"description"`
	UID         string            `json:"uid"`
	Modality    string            `json:"modality"`
	ImageCount  int               `json:"image_count"`
	Acquisition map[string]string `json:"acquisition"`
}

// readSubjectMetadata flattens subject.yaml into string values. Nested
// values are rendered with fmt.
func readSubjectMetadata(dir string) (map[string]string, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, subjectSidecar))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, true, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", subjectSidecar, err)
	}
	if len(raw) == 0 {
		return nil, true, nil
	}
	meta := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			meta[k] = ""
			continue
		}
		meta[k] = strings.TrimSpace(fmt.Sprint(v))
	}
	return meta, true, nil
}

func readNotes(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, notesSidecar))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func readStudyInfo(dir string) (studyInfo, bool, error) {
	var info studyInfo
	ok, err := readJSON(filepath.Join(dir, studySidecar), &info)
	return info, ok, err
}

func readSeriesMarker(dir string) (seriesInfo, bool, error) {
	var info seriesInfo
	ok, err := readJSON(filepath.Join(dir, seriesMarker), &info)
	return info, ok, err
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return true, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// readSeriesTags parses dicom_tags.csv rows of "seriesnum,tag". A header row
// or malformed rows are ignored.
func readSeriesTags(dir string) (map[int]string, bool) {
	f, err := os.Open(filepath.Join(dir, tagsSidecar))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	tags := make(map[int]string)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if len(record) < 2 {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			continue
		}
		tags[num] = strings.TrimSpace(record[1])
	}
	return tags, true
}

// dateFromStudyName extracts YYYY-MM-DD from names such as MR-20240115.
func dateFromStudyName(name string) string {
	m := studyNameDate.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	d := m[1]
	return d[:4] + "-" + d[4:6] + "-" + d[6:]
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
