package dicom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	godicom "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	preambleSize = 128

	// RawDataStorageSOPClass marks instances that carry vendor raw data rather
	// than images. The resolver leaves them out of a series' image count.
	RawDataStorageSOPClass = "1.2.840.10008.5.1.4.1.1.66"
)

var magic = []byte("DICM")

// ErrNotDICOM is returned when a file lacks the Part 10 preamble.
var ErrNotDICOM = errors.New("not a DICOM file")

// Header holds the attributes read from a single instance.
type Header struct {
	SOPClassUID       string
	PatientID         string
	StudyInstanceUID  string
	StudyDate         string
	StudyTime         string
	StudyDescription  string
	SeriesInstanceUID string
	SeriesNumber      int
	SeriesDescription string
	Modality          string
	ProtocolName      string
	AcquisitionNumber int
	InstanceNumber    int
	Acquisition       map[string]string
}

// IsRawData reports whether the instance is a raw data storage object.
func (h Header) IsRawData() bool {
	return h.SOPClassUID == RawDataStorageSOPClass
}

// acquisitionTags are copied into Header.Acquisition when present.
var acquisitionTags = []struct {
	key string
	tag tag.Tag
}{
	{"manufacturer", tag.Manufacturer},
	{"magnetic_field_strength", tag.MagneticFieldStrength},
	{"repetition_time", tag.RepetitionTime},
	{"echo_time", tag.EchoTime},
	{"flip_angle", tag.FlipAngle},
	{"slice_thickness", tag.SliceThickness},
	{"pixel_spacing", tag.PixelSpacing},
	{"rows", tag.Rows},
	{"columns", tag.Columns},
}

// IsDICOM reports whether path starts with a Part 10 preamble. Files that are
// short, unreadable, or vanish mid-check report false.
func IsDICOM(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return hasPreamble(f)
}

func hasPreamble(r io.Reader) bool {
	buf := make([]byte, preambleSize+len(magic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return bytes.Equal(buf[preambleSize:], magic)
}

// MediaStorageSOPClass reads only the file meta group of the instance at
// path and returns its media storage SOP class UID.
func MediaStorageSOPClass(path string) (class string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			class = ""
			err = fmt.Errorf("parse meta %s: %v", path, r)
		}
	}()
	p, err := godicom.NewParser(f, info.Size(), nil, godicom.SkipPixelData())
	if err != nil {
		return "", fmt.Errorf("parse meta %s: %w", path, err)
	}
	return stringValue(p.GetMetadata(), tag.MediaStorageSOPClassUID), nil
}

// IsRawDataFile reports whether the instance at path is a raw data storage
// object. Unreadable files report false.
func IsRawDataFile(path string) bool {
	class, err := MediaStorageSOPClass(path)
	return err == nil && class == RawDataStorageSOPClass
}

// ReadHeader parses the header of the instance at path without pixel data.
func ReadHeader(path string) (hdr Header, err error) {
	if !IsDICOM(path) {
		return Header{}, fmt.Errorf("%s: %w", path, ErrNotDICOM)
	}
	// The parser can panic on truncated or mid-write files.
	defer func() {
		if r := recover(); r != nil {
			hdr = Header{}
			err = fmt.Errorf("parse %s: %v", path, r)
		}
	}()

	ds, err := godicom.ParseFile(path, nil, godicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("parse %s: %w", path, err)
	}

	hdr = Header{
		SOPClassUID:       stringValue(ds, tag.SOPClassUID),
		PatientID:         stringValue(ds, tag.PatientID),
		StudyInstanceUID:  stringValue(ds, tag.StudyInstanceUID),
		StudyDate:         stringValue(ds, tag.StudyDate),
		StudyTime:         stringValue(ds, tag.StudyTime),
		StudyDescription:  stringValue(ds, tag.StudyDescription),
		SeriesInstanceUID: stringValue(ds, tag.SeriesInstanceUID),
		SeriesNumber:      intValue(ds, tag.SeriesNumber),
		SeriesDescription: stringValue(ds, tag.SeriesDescription),
		Modality:          stringValue(ds, tag.Modality),
		ProtocolName:      stringValue(ds, tag.ProtocolName),
		AcquisitionNumber: intValue(ds, tag.AcquisitionNumber),
		InstanceNumber:    intValue(ds, tag.InstanceNumber),
	}
	for _, at := range acquisitionTags {
		if v := stringValue(ds, at.tag); v != "" {
			if hdr.Acquisition == nil {
				hdr.Acquisition = make(map[string]string)
			}
			hdr.Acquisition[at.key] = v
		}
	}
	return hdr, nil
}

func stringValue(ds godicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return ""
	}
	var parts []string
	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			parts = append(parts, strings.TrimRight(strings.TrimSpace(s), "\x00"))
		}
	case []int:
		for _, n := range v {
			parts = append(parts, strconv.Itoa(n))
		}
	case []float64:
		for _, f := range v {
			parts = append(parts, strconv.FormatFloat(f, 'g', -1, 64))
		}
	default:
		return ""
	}
	return strings.Join(parts, "\\")
}

func intValue(ds godicom.Dataset, t tag.Tag) int {
	raw := stringValue(ds, t)
	if i := strings.IndexByte(raw, '\\'); i >= 0 {
		raw = raw[:i]
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

// FormatDate renders a DICOM DA value (YYYYMMDD) as YYYY-MM-DD. Other inputs
// are returned unchanged.
func FormatDate(da string) string {
	da = strings.TrimSpace(da)
	if len(da) != 8 {
		return da
	}
	for _, r := range da {
		if r < '0' || r > '9' {
			return da
		}
	}
	return da[:4] + "-" + da[4:6] + "-" + da[6:]
}
