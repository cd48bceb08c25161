package imagehash_test

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"stepforge/internal/imagehash"
)

func solid(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func horizontalGradient(w, h int, descending bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if descending {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestIdenticalImagesHaveZeroDistance(t *testing.T) {
	a := solid(64, 64, 0)
	b := solid(64, 64, 0)
	ha := imagehash.DHash(a)
	hb := imagehash.DHash(b)
	if ha != hb {
		t.Fatalf("expected identical hashes, got %s vs %s", ha.Hex(), hb.Hex())
	}
	if d := imagehash.Distance(ha, ha); d != 0 {
		t.Fatalf("expected self distance 0, got %d", d)
	}
	if d := imagehash.Distance(ha, hb); d != 0 {
		t.Fatalf("expected distance 0, got %d", d)
	}
}

func TestOpposingGradientsDifferEverywhere(t *testing.T) {
	desc := imagehash.DHash(horizontalGradient(90, 80, true))
	asc := imagehash.DHash(horizontalGradient(90, 80, false))
	if desc.String() != "1111111111111111111111111111111111111111111111111111111111111111" {
		t.Fatalf("expected all bits set for descending gradient, got %s", desc)
	}
	if asc != 0 {
		t.Fatalf("expected zero hash for ascending gradient, got %s", asc)
	}
	if d := imagehash.Distance(desc, asc); d != imagehash.Bits {
		t.Fatalf("expected distance %d, got %d", imagehash.Bits, d)
	}
}

func TestHashStringForms(t *testing.T) {
	h := imagehash.DHash(horizontalGradient(90, 80, true))
	if len(h.String()) != 64 || len(h.Hex()) != 16 {
		t.Fatalf("unexpected string lengths %d/%d", len(h.String()), len(h.Hex()))
	}
	fromHex, err := imagehash.ParseHash(h.Hex())
	if err != nil || fromHex != h {
		t.Fatalf("parse hex: %v %v", fromHex, err)
	}
	fromBits, err := imagehash.ParseHash(h.String())
	if err != nil || fromBits != h {
		t.Fatalf("parse bits: %v %v", fromBits, err)
	}
	if _, err := imagehash.ParseHash("xyz"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}

func TestClampKeepsRectInsideUnitSquare(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		r := imagehash.NormalizedRect{
			X: rng.Float64()*3 - 1,
			Y: rng.Float64()*3 - 1,
			W: rng.Float64()*3 - 1,
			H: rng.Float64()*3 - 1,
		}.Clamp()
		if !r.Contained() {
			t.Fatalf("clamped rect escaped unit square: %+v", r)
		}
	}
}

func TestFromPixels(t *testing.T) {
	r := imagehash.FromPixels(40, 40, 10, 10, 100, 100)
	if r.X != 0.4 || r.Y != 0.4 || r.W != 0.1 || r.H != 0.1 {
		t.Fatalf("unexpected rect %+v", r)
	}
	over := imagehash.FromPixels(90, 0, 50, 120, 100, 100)
	if !over.Contained() || over.W > 0.1+1e-9 {
		t.Fatalf("expected overflow to be clamped, got %+v", over)
	}
	if zero := imagehash.FromPixels(0, 0, 10, 10, 0, 0); zero != (imagehash.NormalizedRect{}) {
		t.Fatalf("expected zero rect for empty frame, got %+v", zero)
	}
}
