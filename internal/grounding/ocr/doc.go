// Package ocr is the on-screen-text grounding adapter.
//
// The "llm" provider sends the frame image to the inference gateway under a
// strict JSON schema and a literal-transcription instruction. Lines are NFC
// normalized, region coordinates are clamped into the unit square, and
// results are cached by image digest, provider, model, and prompt version.
// The "none" provider returns an empty result flagged as disabled.
package ocr
