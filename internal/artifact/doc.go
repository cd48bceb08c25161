// Package artifact defines the versioned steps document produced by a
// pipeline run, its validation rules, and the bridge from flattened step rows.
//
// The document lives in the object store under projects/<id>/artifacts/steps.json.
// Every read is checked against an embedded JSON schema and then against the
// ordering invariants: entries sorted by sort_order with no duplicates and
// every frame_id pointing at a frame of the project.
package artifact
