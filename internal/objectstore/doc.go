// Package objectstore persists frames, artifacts, transcripts, and run logs
// under slash-separated keys such as projects/7/artifacts/steps.json.
//
// Put returns a reference string (local://key or s3://bucket/key) that is
// stored on database rows; Get accepts either a reference or a bare key.
package objectstore
