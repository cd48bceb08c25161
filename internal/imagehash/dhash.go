package imagehash

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
)

const (
	hashWidth  = 9
	hashHeight = 8
	// Bits is the hash length.
	Bits = (hashWidth - 1) * hashHeight
)

// Hash is a 64-bit difference hash. Bit 63 is the comparison of the top-left
// pixel pair; bits follow row-major order.
type Hash uint64

// DHash downsamples img to 9x8 grayscale and records, for each row, whether
// each pixel is brighter than its right neighbour.
func DHash(img image.Image) Hash {
	small := image.NewGray(image.Rect(0, 0, hashWidth, hashHeight))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var h Hash
	for y := 0; y < hashHeight; y++ {
		row := small.Pix[y*small.Stride : y*small.Stride+hashWidth]
		for x := 0; x < hashWidth-1; x++ {
			h <<= 1
			if row[x] > row[x+1] {
				h |= 1
			}
		}
	}
	return h
}

// Distance returns the Hamming distance between two hashes.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// String renders the hash as a 64-character bit string.
func (h Hash) String() string {
	return fmt.Sprintf("%064b", uint64(h))
}

// Hex renders the hash as 16 lowercase hex digits, the persisted form.
func (h Hash) Hex() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// ParseHash accepts either the 16-digit hex form or the 64-character bit string.
func ParseHash(value string) (Hash, error) {
	value = strings.TrimSpace(value)
	switch len(value) {
	case 16:
		v, err := strconv.ParseUint(value, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse hash: %w", err)
		}
		return Hash(v), nil
	case Bits:
		v, err := strconv.ParseUint(value, 2, 64)
		if err != nil {
			return 0, fmt.Errorf("parse hash: %w", err)
		}
		return Hash(v), nil
	default:
		return 0, fmt.Errorf("parse hash: unexpected length %d", len(value))
	}
}
