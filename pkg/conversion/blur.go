package conversion

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/internal/models"
	"trk2dict/pkg/errs"
	"trk2dict/pkg/geometry"
)

// BlurOptions configures the concentric blur expansion.
type BlurOptions struct {
	// Radii is the ascending list of blur radii in mm (radius 0 implicit).
	Radii []float64

	// Samples is the number of ghost copies per radius; same length as Radii.
	Samples []int

	// Sigma is the Gaussian damping parameter.
	Sigma float64
}

// BlurExpander duplicates each segment at concentric radial offsets
// perpendicular to its direction, each copy damped by a Gaussian weight.
// With no radii configured it is an identity pass-through.
type BlurExpander struct {
	geo *geometry.Geometry

	radii   []float64
	samples []int

	// damping[i] = exp(-radii[i]^2 / (2*sigma^2))
	damping []float64
}

// NewBlurExpander validates the radius and sample lists and precomputes
// the per-radius damping weights.
func NewBlurExpander(geo *geometry.Geometry, opts BlurOptions) (*BlurExpander, error) {
	if len(opts.Radii) != len(opts.Samples) {
		return nil, errs.Configf("blur radii (%d) and samples (%d) must have the same length",
			len(opts.Radii), len(opts.Samples))
	}

	e := &BlurExpander{geo: geo}
	if len(opts.Radii) == 0 {
		return e, nil
	}

	if opts.Sigma <= 0 {
		return nil, errs.Configf("blur sigma must be positive when blur radii are set, got %g", opts.Sigma)
	}
	for i, r := range opts.Radii {
		if r <= 0 {
			return nil, errs.Configf("blur radius #%d must be positive, got %g", i, r)
		}
		if opts.Samples[i] <= 0 {
			return nil, errs.Configf("blur samples #%d must be positive, got %d", i, opts.Samples[i])
		}
		e.radii = append(e.radii, r)
		e.samples = append(e.samples, opts.Samples[i])
		e.damping = append(e.damping, math.Exp(-r*r/(2*opts.Sigma*opts.Sigma)))
	}
	return e, nil
}

// Expand passes the radius-0 copy (weight 1) and every ghost copy of a
// segment to emit. Ghost copies whose translated midpoint falls outside
// the grid are dropped.
func (e *BlurExpander) Expand(seg models.Segment, emit func(models.BlurCopy)) {
	emit(models.BlurCopy{
		Voxel:      seg.Voxel,
		Dir:        seg.Dir,
		Weight:     seg.Weight,
		Streamline: seg.Streamline,
	})
	if len(e.radii) == 0 {
		return
	}

	u, v := perpendicularBasis(seg.Dir)
	for i, r := range e.radii {
		n := e.samples[i]
		w := seg.Weight * e.damping[i]
		for k := 0; k < n; k++ {
			angle := 2 * math.Pi * float64(k) / float64(n)
			offset := r3.Add(
				r3.Scale(r*math.Cos(angle), u),
				r3.Scale(r*math.Sin(angle), v),
			)
			pos := r3.Add(seg.Midpoint, offset)
			voxel, inside := voxelAt(e.geo, pos)
			if !inside {
				continue
			}
			emit(models.BlurCopy{
				Voxel:      voxel,
				Dir:        seg.Dir,
				Weight:     w,
				Streamline: seg.Streamline,
				Blurred:    true,
			})
		}
	}
}

// perpendicularBasis returns two orthonormal vectors spanning the plane
// perpendicular to dir. The construction is deterministic so that ghost
// placement is reproducible across runs.
func perpendicularBasis(dir r3.Vec) (u, v r3.Vec) {
	ref := r3.Vec{X: 1}
	if math.Abs(dir.X) > 0.9 {
		ref = r3.Vec{Y: 1}
	}
	u = r3.Unit(r3.Cross(dir, ref))
	v = r3.Cross(dir, u)
	return u, v
}

// voxelAt returns the voxel containing a voxel-space mm position.
func voxelAt(geo *geometry.Geometry, p r3.Vec) (models.Voxel, bool) {
	x := int(math.Floor(p.X / geo.Pixdim[0]))
	y := int(math.Floor(p.Y / geo.Pixdim[1]))
	z := int(math.Floor(p.Z / geo.Pixdim[2]))
	return models.Voxel{X: x, Y: y, Z: z}, geo.Contains(x, y, z)
}
