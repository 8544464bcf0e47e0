// Package atlas builds the direction atlas used to quantize fiber segment
// and peak orientations: a fixed set of unit directions tiling a half-sphere
// plus a precomputed lookup table that maps any quantized direction key to
// the nearest atlas index.
package atlas

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/pkg/errs"
)

// AngularBins is the number of quantization steps per spherical angle.
// Orientations are hashed on a AngularBins x AngularBins grid over the
// half-sphere, so the largest supported atlas has AngularBins^2 entries.
const AngularBins = 181

// NumKeys is the total number of quantized direction keys.
const NumKeys = AngularBins * AngularBins

// Atlas holds the direction set and the nearest-direction lookup table for
// one conversion run. It is immutable after construction and safe for
// concurrent lookups.
type Atlas struct {
	// Ndirs is the number of atlas directions.
	Ndirs int

	// Dirs holds the unit directions covering the half-sphere.
	Dirs []r3.Vec

	// lut maps every quantized direction key to the nearest atlas index.
	lut []uint16
}

// golden angle in radians, used to tile the half-sphere evenly
var goldenAngle = math.Pi * (3 - math.Sqrt(5))

// Supported reports whether ndirs is one of the accepted atlas sizes:
// 500 to 10000 in steps of 500, or the full angular grid of 32761.
func Supported(ndirs int) bool {
	if ndirs == NumKeys {
		return true
	}
	return ndirs >= 500 && ndirs <= 10000 && ndirs%500 == 0
}

// New builds the atlas for the requested number of directions. It fails
// with a configuration error for any unsupported ndirs before doing any
// heavy work.
func New(ndirs int) (*Atlas, error) {
	if !Supported(ndirs) {
		return nil, errs.Configf("ndirs = %d is not supported (allowed: 500..10000 step 500, or 32761)", ndirs)
	}

	a := &Atlas{Ndirs: ndirs}
	if ndirs == NumKeys {
		a.Dirs = gridDirections()
		// The direction set is the key grid itself, so every key
		// resolves to its own cell.
		a.lut = make([]uint16, NumKeys)
		for k := range a.lut {
			a.lut[k] = uint16(k)
		}
		return a, nil
	}

	a.Dirs = fibonacciHalfSphere(ndirs)
	a.lut = buildLookup(a.Dirs)
	return a, nil
}

// Lookup returns the atlas index nearest to dir. The lookup is total and
// deterministic: identical inputs always yield identical indices, and a
// direction and its negation map to the same index.
func (a *Atlas) Lookup(dir r3.Vec) uint16 {
	return a.lut[Key(dir)]
}

// Key quantizes a direction onto the half-sphere angular grid and returns
// the packed key oy + AngularBins*ox, where ox and oy are the colatitude
// and longitude bins.
func Key(dir r3.Vec) int {
	d := canonical(dir)
	theta := math.Acos(clamp(d.Z, -1, 1))
	phi := math.Atan2(d.Y, d.X)
	if phi < 0 {
		// y is non-negative after canonicalization; atan2 can still
		// return a tiny negative value for y == -0.
		phi = 0
	}

	ox := int(math.Round(theta / math.Pi * float64(AngularBins-1)))
	oy := int(math.Round(phi / math.Pi * float64(AngularBins-1)))
	return oy + AngularBins*ox
}

// KeyDirection returns the unit direction at the center of a key's cell.
func KeyDirection(key int) r3.Vec {
	ox := key / AngularBins
	oy := key % AngularBins
	theta := float64(ox) / float64(AngularBins-1) * math.Pi
	phi := float64(oy) / float64(AngularBins-1) * math.Pi
	return r3.Vec{
		X: math.Sin(theta) * math.Cos(phi),
		Y: math.Sin(theta) * math.Sin(phi),
		Z: math.Cos(theta),
	}
}

// canonical flips dir onto the y >= 0 half-sphere so that a direction and
// its antipode share the same representative. Ties on the boundary are
// resolved by requiring x >= 0, then z >= 0.
func canonical(dir r3.Vec) r3.Vec {
	d := r3.Unit(dir)
	switch {
	case d.Y < 0:
		return r3.Scale(-1, d)
	case d.Y == 0 && d.X < 0:
		return r3.Scale(-1, d)
	case d.Y == 0 && d.X == 0 && d.Z < 0:
		return r3.Scale(-1, d)
	}
	return d
}

// gridDirections enumerates the full angular grid, one direction per key.
func gridDirections() []r3.Vec {
	dirs := make([]r3.Vec, NumKeys)
	for k := range dirs {
		dirs[k] = KeyDirection(k)
	}
	return dirs
}

// fibonacciHalfSphere tiles the z > 0 half-sphere with n evenly spread unit
// directions using the spherical Fibonacci spiral. The construction is
// fully deterministic for a given n.
func fibonacciHalfSphere(n int) []r3.Vec {
	dirs := make([]r3.Vec, n)
	for i := 0; i < n; i++ {
		z := (float64(i) + 0.5) / float64(n)
		r := math.Sqrt(1 - z*z)
		phi := float64(i) * goldenAngle
		dirs[i] = r3.Vec{
			X: r * math.Cos(phi),
			Y: r * math.Sin(phi),
			Z: z,
		}
	}
	return dirs
}

// buildLookup computes, for every key cell, the atlas direction closest in
// the undirected sense (maximum absolute dot product). Exact ties resolve
// to the lowest atlas index, which keeps the table reproducible across runs.
func buildLookup(dirs []r3.Vec) []uint16 {
	lut := make([]uint16, NumKeys)
	for k := 0; k < NumKeys; k++ {
		cell := KeyDirection(k)
		best := 0
		bestDot := -1.0
		for i, d := range dirs {
			dot := math.Abs(r3.Dot(cell, d))
			if dot > bestDot {
				bestDot = dot
				best = i
			}
		}
		lut[k] = uint16(best)
	}
	return lut
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
