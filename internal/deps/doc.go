// Package deps reports whether the external binaries and disk space the
// pipeline needs are available. Used by `stepforge doctor` and the extraction
// stage preflight.
package deps
