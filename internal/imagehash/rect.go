package imagehash

import "math"

// NormalizedRect is a rectangle in image-relative coordinates. After Clamp,
// every field is in [0,1] and the rectangle stays inside the unit square.
type NormalizedRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Clamp returns r forced into the unit square. It never fails.
func (r NormalizedRect) Clamp() NormalizedRect {
	r.X = clampUnit(r.X)
	r.Y = clampUnit(r.Y)
	r.W = clampUnit(r.W)
	r.H = clampUnit(r.H)
	if r.X+r.W > 1 {
		r.W = 1 - r.X
	}
	if r.Y+r.H > 1 {
		r.H = 1 - r.Y
	}
	return r
}

// Contained reports whether r already satisfies the unit-square invariant.
func (r NormalizedRect) Contained() bool {
	return r.X >= 0 && r.Y >= 0 && r.W >= 0 && r.H >= 0 && r.X+r.W <= 1 && r.Y+r.H <= 1
}

// FromPixels converts a pixel box to a clamped NormalizedRect.
func FromPixels(x, y, w, h, width, height int) NormalizedRect {
	if width <= 0 || height <= 0 {
		return NormalizedRect{}
	}
	fw := float64(width)
	fh := float64(height)
	return NormalizedRect{
		X: float64(x) / fw,
		Y: float64(y) / fh,
		W: float64(w) / fw,
		H: float64(h) / fh,
	}.Clamp()
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
