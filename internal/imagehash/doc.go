// Package imagehash provides the pure image utilities the pipeline builds on:
// the 64-bit difference hash (dHash) used to judge visually identical frames,
// Hamming distance between hashes, and normalized rectangle arithmetic for
// changed regions and OCR boxes.
package imagehash
