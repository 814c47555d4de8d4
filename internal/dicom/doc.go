// Package dicom detects DICOM Part 10 files and extracts the handful of
// header attributes slug needs to describe a series.
//
// Detection only inspects the 128-byte preamble and the DICM magic, so it is
// cheap enough to run over every file in a directory. Header parsing uses
// github.com/suyashkumar/dicom with pixel data skipped.
package dicom
