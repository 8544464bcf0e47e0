package conversion

import (
	"trk2dict/internal/models"
	"trk2dict/pkg/geometry"
	"trk2dict/pkg/nifti"
)

// Gate restricts which voxels contribute to the dictionary. With no mask
// supplied every in-grid voxel passes and the final mask is synthesized
// from the track-density image instead.
type Gate struct {
	geo  *geometry.Geometry
	mask []bool
}

// NewGate builds a pass-all gate.
func NewGate(geo *geometry.Geometry) *Gate {
	return &Gate{geo: geo}
}

// NewGateFromVolume builds a gate from a binary mask volume: voxels with a
// nonzero value pass. The volume is assumed to share the run's grid; the
// converter warns about geometry mismatches before calling this.
func NewGateFromVolume(geo *geometry.Geometry, v *nifti.Volume) *Gate {
	mask := make([]bool, geo.NumVoxels())
	for z := 0; z < geo.Nz && z < v.Nz; z++ {
		for y := 0; y < geo.Ny && y < v.Ny; y++ {
			for x := 0; x < geo.Nx && x < v.Nx; x++ {
				if v.At(x, y, z) != 0 {
					mask[geo.Flatten(x, y, z)] = true
				}
			}
		}
	}
	return &Gate{geo: geo, mask: mask}
}

// HasMask reports whether an explicit mask was supplied.
func (g *Gate) HasMask() bool {
	return g.mask != nil
}

// Allows reports whether a voxel may contribute.
func (g *Gate) Allows(v models.Voxel) bool {
	if g.mask == nil {
		return true
	}
	return g.mask[g.geo.Flatten(v.X, v.Y, v.Z)]
}

// AllowsFlat is Allows for an already flattened voxel index.
func (g *Gate) AllowsFlat(v uint32) bool {
	if g.mask == nil {
		return true
	}
	return g.mask[v]
}

// MaskData returns the explicit mask as a volume byte array, or nil when
// the mask must be synthesized from track density.
func (g *Gate) MaskData() []uint8 {
	if g.mask == nil {
		return nil
	}
	out := make([]uint8, len(g.mask))
	for i, m := range g.mask {
		if m {
			out[i] = 1
		}
	}
	return out
}
