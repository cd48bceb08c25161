// Package keyframes samples a screen recording with ffmpeg and keeps the
// frames where the picture changed noticeably, producing the candidate list
// that dedup refines.
//
// Each sample is scored against the last kept frame by the mean absolute
// grayscale difference scaled to 0-100. The first frame is always kept with a
// score of 0. Later frames are kept when the score reaches the threshold and at
// least MinIntervalFrames native frames have passed since the last kept one.
package keyframes
