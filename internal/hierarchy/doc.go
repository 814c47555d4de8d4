// Package hierarchy derives the Project, Subject, Study and Series entities
// from the directory tree under a data root.
//
// Nothing is persisted: every call walks the filesystem afresh and returns
// plain values whose identity is their slash-separated path relative to the
// root. Walks are best-effort snapshots. Entries that vanish, cannot be read,
// or hold nothing recognisable are skipped with a RESOLUTION_SKIP warning
// instead of failing the walk.
//
// Layout:
//
//	<root>/<project>/<subject>/<study>/<series>/<DICOM instances>
//	<entity>/_artifacts/<module>/            published module output
//
// Sidecars recognised at each level: subject.yaml and notes.txt for subjects;
// study.json, notes.txt and dicom_tags.csv for studies; series.json for
// series without DICOM instances.
package hierarchy
