package conversion

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/internal/models"
	"trk2dict/pkg/atlas"
	"trk2dict/pkg/errs"
	"trk2dict/pkg/geometry"
	"trk2dict/pkg/nifti"
)

// icKey identifies one IC accumulation slot.
type icKey struct {
	voxel uint32
	dir   uint16
}

// Accumulator collects the weighted IC contributions, the track-density
// image and the per-streamline kept flags for one conversion pass. It is
// not safe for concurrent use; the converter gives each worker its own
// accumulator and merges them, which keeps the reduction order-independent.
type Accumulator struct {
	geo  *geometry.Geometry
	atl  *atlas.Atlas
	gate *Gate

	ic   map[icKey]float64
	tdi  []float32
	kept []bool
}

// NewAccumulator builds an empty accumulator for nStreamlines inputs.
func NewAccumulator(geo *geometry.Geometry, atl *atlas.Atlas, gate *Gate, nStreamlines int) *Accumulator {
	return &Accumulator{
		geo:  geo,
		atl:  atl,
		gate: gate,
		ic:   make(map[icKey]float64),
		tdi:  make([]float32, geo.NumVoxels()),
		kept: make([]bool, nStreamlines),
	}
}

// AddCopy folds one blur copy into the IC compartment. Unblurred copies
// also count toward the track-density image. Copies landing in a voxel
// excluded by the gate are dropped and do not mark their streamline kept.
func (a *Accumulator) AddCopy(c models.BlurCopy) {
	flat := a.geo.Flatten(c.Voxel.X, c.Voxel.Y, c.Voxel.Z)
	if !c.Blurred {
		a.tdi[flat]++
	}
	if !a.gate.AllowsFlat(flat) {
		return
	}

	key := icKey{voxel: flat, dir: a.atl.Lookup(c.Dir)}
	a.ic[key] += c.Weight
	if c.Streamline >= 0 && c.Streamline < len(a.kept) {
		a.kept[c.Streamline] = true
	}
}

// Merge folds another accumulator into this one by summation. Both must
// share the same geometry and streamline count.
func (a *Accumulator) Merge(other *Accumulator) {
	for key, w := range other.ic {
		a.ic[key] += w
	}
	for i, v := range other.tdi {
		a.tdi[i] += v
	}
	for i, k := range other.kept {
		if k {
			a.kept[i] = true
		}
	}
}

// IC returns the accumulated IC contributions sorted by voxel then
// direction, so that output files are reproducible regardless of worker
// scheduling.
func (a *Accumulator) IC() []models.ICContribution {
	out := make([]models.ICContribution, 0, len(a.ic))
	for key, w := range a.ic {
		out = append(out, models.ICContribution{
			Voxel:  key.voxel,
			Dir:    key.dir,
			Weight: float32(w),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Voxel != out[j].Voxel {
			return out[i].Voxel < out[j].Voxel
		}
		return out[i].Dir < out[j].Dir
	})
	return out
}

// TDI returns the track-density image.
func (a *Accumulator) TDI() []float32 {
	return a.tdi
}

// Kept returns the per-streamline survival flags.
func (a *Accumulator) Kept() []bool {
	return a.kept
}

// PeakOptions controls the extracellular compartment extraction.
type PeakOptions struct {
	// VfTHR keeps only peaks whose magnitude is at least this fraction
	// of the voxel's strongest peak.
	VfTHR float64

	// Flip inverts individual peak axes before quantization.
	Flip [3]bool

	// UseAffine applies Rotation to every peak vector.
	UseAffine bool

	// Rotation re-orients peaks into tractogram space, derived from the
	// peaks volume affine.
	Rotation [3][3]float64
}

// AccumulateEC extracts one EC contribution per surviving peak of the
// peaks volume: per voxel, peaks below VfTHR times the strongest peak are
// skipped, the rest are flipped/rotated and quantized through the atlas.
// Voxels excluded by the gate contribute nothing.
func AccumulateEC(geo *geometry.Geometry, atl *atlas.Atlas, gate *Gate, peaks *nifti.Volume, opts PeakOptions) ([]models.ECContribution, error) {
	if opts.VfTHR < 0 || opts.VfTHR > 1 {
		return nil, errs.Configf("vfTHR must be in [0,1], got %g", opts.VfTHR)
	}
	if peaks.Nt%3 != 0 {
		return nil, errs.Configf("peaks volume last dimension must be a multiple of 3, got %d", peaks.Nt)
	}
	np := peaks.Nt / 3

	var out []models.ECContribution
	// Iterate in flat-index order so the output is deterministic.
	for z := 0; z < geo.Nz && z < peaks.Nz; z++ {
		for y := 0; y < geo.Ny && y < peaks.Ny; y++ {
			for x := 0; x < geo.Nx && x < peaks.Nx; x++ {
				flat := geo.Flatten(x, y, z)
				if !gate.AllowsFlat(flat) {
					continue
				}

				// Find the strongest peak of this voxel.
				maxNorm := 0.0
				for p := 0; p < np; p++ {
					if n := peakNorm(peaks, x, y, z, p); n > maxNorm {
						maxNorm = n
					}
				}
				if maxNorm == 0 {
					continue
				}

				for p := 0; p < np; p++ {
					v := peakVec(peaks, x, y, z, p)
					n := r3.Norm(v)
					if n < opts.VfTHR*maxNorm || n == 0 {
						continue
					}

					if opts.Flip[0] {
						v.X = -v.X
					}
					if opts.Flip[1] {
						v.Y = -v.Y
					}
					if opts.Flip[2] {
						v.Z = -v.Z
					}
					if opts.UseAffine {
						v = rotate(opts.Rotation, v)
					}

					out = append(out, models.ECContribution{
						Voxel: flat,
						Dir:   atl.Lookup(v),
					})
				}
			}
		}
	}
	return out, nil
}

func peakVec(peaks *nifti.Volume, x, y, z, p int) r3.Vec {
	return r3.Vec{
		X: peaks.At4(x, y, z, 3*p),
		Y: peaks.At4(x, y, z, 3*p+1),
		Z: peaks.At4(x, y, z, 3*p+2),
	}
}

func peakNorm(peaks *nifti.Volume, x, y, z, p int) float64 {
	return r3.Norm(peakVec(peaks, x, y, z, p))
}

func rotate(m [3][3]float64, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}
