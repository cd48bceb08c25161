// Package region locates the part of a frame that changed since the previous
// kept frame, expressed as a normalized rectangle.
package region
