package testsupport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// Instance describes the header values written into a fixture file.
type Instance struct {
	SOPClassUID       string
	PatientID         string
	StudyDate         string
	Modality          string
	SeriesDescription string
	SeriesUID         string
	SeriesNumber      int
	AcquisitionNumber int
	InstanceNumber    int
}

// MRImageStorage is the SOP class used when an Instance leaves it empty.
const MRImageStorage = "1.2.840.10008.5.1.4.1.1.4"

// WriteDICOM writes a minimal explicit VR little endian Part 10 file.
func WriteDICOM(t testing.TB, path string, inst Instance) {
	t.Helper()

	if inst.SOPClassUID == "" {
		inst.SOPClassUID = MRImageStorage
	}
	if inst.SeriesUID == "" {
		inst.SeriesUID = "1.2.826.0.1.3680043.2.1125.1." + strconv.Itoa(inst.SeriesNumber)
	}
	instanceUID := inst.SeriesUID + "." + strconv.Itoa(inst.InstanceNumber)

	var meta bytes.Buffer
	writeElement(&meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeElement(&meta, 0x0002, 0x0002, "UI", uid(inst.SOPClassUID))
	writeElement(&meta, 0x0002, 0x0003, "UI", uid(instanceUID))
	writeElement(&meta, 0x0002, 0x0010, "UI", uid("1.2.840.10008.1.2.1"))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(meta.Len()))
	writeElement(&out, 0x0002, 0x0000, "UL", groupLen)
	out.Write(meta.Bytes())

	writeElement(&out, 0x0008, 0x0016, "UI", uid(inst.SOPClassUID))
	writeElement(&out, 0x0008, 0x0018, "UI", uid(instanceUID))
	if inst.StudyDate != "" {
		writeElement(&out, 0x0008, 0x0020, "DA", text(inst.StudyDate))
	}
	if inst.Modality != "" {
		writeElement(&out, 0x0008, 0x0060, "CS", text(inst.Modality))
	}
	if inst.SeriesDescription != "" {
		writeElement(&out, 0x0008, 0x103E, "LO", text(inst.SeriesDescription))
	}
	if inst.PatientID != "" {
		writeElement(&out, 0x0010, 0x0020, "LO", text(inst.PatientID))
	}
	writeElement(&out, 0x0020, 0x000E, "UI", uid(inst.SeriesUID))
	writeElement(&out, 0x0020, 0x0011, "IS", text(strconv.Itoa(inst.SeriesNumber)))
	if inst.AcquisitionNumber > 0 {
		writeElement(&out, 0x0020, 0x0012, "IS", text(strconv.Itoa(inst.AcquisitionNumber)))
	}
	writeElement(&out, 0x0020, 0x0013, "IS", text(strconv.Itoa(inst.InstanceNumber)))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteSeries writes count instances named IM0001, IM0002, ... into dir.
func WriteSeries(t testing.TB, dir string, count int, inst Instance) {
	t.Helper()

	for i := 1; i <= count; i++ {
		inst.InstanceNumber = i
		WriteDICOM(t, filepath.Join(dir, fmt.Sprintf("IM%04d", i)), inst)
	}
}

func writeElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], group)
	binary.LittleEndian.PutUint16(hdr[2:4], element)
	buf.Write(hdr[:])
	buf.WriteString(vr)
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		buf.Write([]byte{0, 0})
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
		buf.Write(l[:])
	default:
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		buf.Write(l[:])
	}
	buf.Write(value)
}

func uid(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func text(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, ' ')
	}
	return b
}
