// Package geometry resolves the voxel grid used by a conversion run: its
// extent, voxel size and the affine transforms that align the tractogram
// and the peaks volume with voxel space.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"trk2dict/pkg/errs"
	"trk2dict/pkg/nifti"
)

// MismatchTolerance is the maximum difference in voxel size (mm) below
// which two grids are considered equal.
const MismatchTolerance = 1e-3

// maxExtent bounds each grid axis so voxel indices fit the 16-bit
// encoding used by the dictionary files.
const maxExtent = 1 << 16

// Geometry describes the voxel grid of one conversion run.
type Geometry struct {
	// Nx, Ny, Nz is the grid extent in voxels.
	Nx, Ny, Nz int

	// Pixdim is the voxel size in mm.
	Pixdim [3]float64

	// Affine maps voxel indices to world mm coordinates and Inverse maps
	// back. When the source carries no affine, both are pixdim scalings.
	Affine  [4][4]float64
	Inverse [4][4]float64
}

// New builds and validates a Geometry from a grid extent, voxel size and
// an optional voxel-to-world affine (pass nil to derive it from pixdim).
func New(nx, ny, nz int, pixdim [3]float64, affine *[4][4]float64) (*Geometry, error) {
	g := &Geometry{Nx: nx, Ny: ny, Nz: nz, Pixdim: pixdim}

	for axis, n := range map[string]int{"x": nx, "y": ny, "z": nz} {
		if n <= 0 {
			return nil, errs.Configf("grid extent must be positive, got n%s = %d", axis, n)
		}
		if n >= maxExtent {
			return nil, errs.Overflow(axis, n)
		}
	}
	for i, p := range pixdim {
		if p <= 0 {
			return nil, errs.Configf("voxel size must be positive, got pixdim[%d] = %g", i, p)
		}
	}

	if affine != nil {
		g.Affine = *affine
	} else {
		for i := 0; i < 3; i++ {
			g.Affine[i][i] = pixdim[i]
		}
		g.Affine[3][3] = 1
	}

	inv, err := invert4(g.Affine)
	if err != nil {
		return nil, errs.Configf("voxel-to-world affine is singular")
	}
	g.Inverse = inv

	return g, nil
}

// FromVolume builds the geometry of a reference volume.
func FromVolume(v *nifti.Volume) (*Geometry, error) {
	var aff *[4][4]float64
	if v.HasAffine {
		a := v.Affine
		aff = &a
	}
	return New(v.Nx, v.Ny, v.Nz, v.Pixdim, aff)
}

// NumVoxels returns the total number of voxels in the grid.
func (g *Geometry) NumVoxels() int {
	return g.Nx * g.Ny * g.Nz
}

// Contains reports whether a voxel index lies inside the grid.
func (g *Geometry) Contains(x, y, z int) bool {
	return x >= 0 && x < g.Nx && y >= 0 && y < g.Ny && z >= 0 && z < g.Nz
}

// Flatten packs a voxel index into the single-integer encoding
// x + Nx*(y + Ny*z) used by the dictionary files.
func (g *Geometry) Flatten(x, y, z int) uint32 {
	return uint32(x + g.Nx*(y+g.Ny*z))
}

// Unflatten recovers the voxel coordinates from the flat encoding.
func (g *Geometry) Unflatten(v uint32) (x, y, z int) {
	x = int(v) % g.Nx
	rest := int(v) / g.Nx
	y = rest % g.Ny
	z = rest / g.Ny
	return
}

// Matches reports whether another grid has the same extent and, within
// MismatchTolerance, the same voxel size. A mismatch is a warning for the
// caller, never an error.
func (g *Geometry) Matches(o *Geometry) bool {
	if g.Nx != o.Nx || g.Ny != o.Ny || g.Nz != o.Nz {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Pixdim[i]-o.Pixdim[i]) > MismatchTolerance {
			return false
		}
	}
	return true
}

// PeaksRotation derives the rotation applied to peak vectors when affine
// correction is requested: the inverse of the peaks affine's 3x3 part with
// its columns normalized, so that pure voxel scaling does not bend peaks.
func PeaksRotation(affine [4][4]float64) ([3][3]float64, error) {
	m := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		norm := math.Hypot(affine[0][j], math.Hypot(affine[1][j], affine[2][j]))
		if norm == 0 {
			return [3][3]float64{}, errs.Configf("peaks affine has a zero column")
		}
		for i := 0; i < 3; i++ {
			m.Set(i, j, affine[i][j]/norm)
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return [3][3]float64{}, errs.Configf("peaks affine is singular")
	}

	var rot [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = inv.At(i, j)
		}
	}
	return rot, nil
}

// invert4 inverts a 4x4 affine with gonum.
func invert4(a [4][4]float64) ([4][4]float64, error) {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, a[i][j])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return [4][4]float64{}, err
	}
	var out [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}
