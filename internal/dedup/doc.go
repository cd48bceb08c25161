// Package dedup drops candidate frames that are perceptually identical to the
// last kept frame and records the changed region of every kept frame relative
// to its kept predecessor.
package dedup
