// Package extraction turns a project's source video into persisted frames:
// sample candidate keyframes, drop perceptual duplicates while recording each
// kept frame's changed region, upload the survivors to the object store, and
// write the frame rows. It owns the 0-50% slice of pipeline progress.
package extraction
