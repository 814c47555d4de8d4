// Package dicomsort copies a folder of unsorted DICOM instances into one
// directory per series with human-readable names:
//
//	MR-SE00003-t1_mprage/MR-SE00003-0001-0042.dcm
//
// Series, acquisition and instance numbers come from each header. Raw data
// storage objects are skipped unless requested, and files that are not
// DICOM are counted but otherwise ignored.
package dicomsort
