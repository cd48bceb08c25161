// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Inspect runs ffprobe and returns a Result; helper methods expose the values
// the pipeline needs from a screen recording: frame rate, frame size, duration
// and whether an audio track exists.
package ffprobe
