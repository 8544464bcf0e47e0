// Package conversion implements the streamline-to-voxel conversion engine:
// segment generation with voxel-boundary intersection, concentric blur
// expansion, IC/EC accumulation against the direction atlas, and the
// mask-based filter gate. The pipeline in converter.go ties the stages
// together and hands the result to the dictionary writer.
package conversion

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/internal/models"
	"trk2dict/pkg/errs"
	"trk2dict/pkg/geometry"
)

// SegmentOptions controls how streamlines are cut into voxel segments.
type SegmentOptions struct {
	// DoIntersect selects intersection mode (split at voxel boundaries).
	// When false, each point pair collapses onto its midpoint voxel.
	DoIntersect bool

	// Shift is the per-axis coordinate shift in voxel-size units.
	Shift [3]float64

	// PointsToSkip discards this many points at each streamline end.
	PointsToSkip int

	// MinSegLen discards sub-segments of length <= this value, in mm.
	MinSegLen float64
}

// SegmentGenerator walks streamlines and produces one Segment per
// traversed voxel. Points are expected in voxel-space mm (the converter
// maps tck world coordinates beforehand).
type SegmentGenerator struct {
	geo  *geometry.Geometry
	opts SegmentOptions

	// shiftMM is the configured shift converted from voxel units to mm.
	shiftMM r3.Vec
}

// NewSegmentGenerator validates the options and builds a generator.
func NewSegmentGenerator(geo *geometry.Geometry, opts SegmentOptions) (*SegmentGenerator, error) {
	if opts.MinSegLen < 0 {
		return nil, errs.Configf("minSegLen must be non-negative, got %g", opts.MinSegLen)
	}
	if opts.PointsToSkip < 0 {
		return nil, errs.Configf("pointsToSkip must be non-negative, got %d", opts.PointsToSkip)
	}
	return &SegmentGenerator{
		geo:  geo,
		opts: opts,
		shiftMM: r3.Vec{
			X: opts.Shift[0] * geo.Pixdim[0],
			Y: opts.Shift[1] * geo.Pixdim[1],
			Z: opts.Shift[2] * geo.Pixdim[2],
		},
	}, nil
}

// Generate cuts one streamline into segments and passes each to emit.
// It returns the number of segments produced.
func (g *SegmentGenerator) Generate(points []r3.Vec, streamline int, emit func(models.Segment)) int {
	// Trim tracking artifacts from both ends.
	skip := g.opts.PointsToSkip
	if len(points) <= 2*skip {
		return 0
	}
	points = points[skip : len(points)-skip]
	if len(points) < 2 {
		return 0
	}

	count := 0
	for i := 1; i < len(points); i++ {
		p := r3.Add(points[i-1], g.shiftMM)
		q := r3.Add(points[i], g.shiftMM)
		if g.opts.DoIntersect {
			count += g.splitPair(p, q, streamline, emit)
		} else {
			count += g.centroidPair(p, q, streamline, emit)
		}
	}
	return count
}

// centroidPair emits a single segment at the pair's midpoint voxel with
// the pair's full length as weight.
func (g *SegmentGenerator) centroidPair(p, q r3.Vec, streamline int, emit func(models.Segment)) int {
	length := r3.Norm(r3.Sub(q, p))
	if length <= g.opts.MinSegLen || length == 0 {
		return 0
	}

	mid := r3.Scale(0.5, r3.Add(p, q))
	voxel, inside := voxelAt(g.geo, mid)
	if !inside {
		return 0
	}

	emit(models.Segment{
		Voxel:      voxel,
		Dir:        r3.Scale(1/length, r3.Sub(q, p)),
		Weight:     length,
		Streamline: streamline,
		Midpoint:   mid,
	})
	return 1
}

// splitPair walks from p to q, splitting at every voxel-boundary crossing
// and emitting one segment per traversed in-grid voxel. Out-of-grid parts
// are clipped away; sub-segments at or below MinSegLen are dropped.
func (g *SegmentGenerator) splitPair(p, q r3.Vec, streamline int, emit func(models.Segment)) int {
	delta := r3.Sub(q, p)
	length := r3.Norm(delta)
	if length == 0 {
		return 0
	}
	dir := r3.Scale(1/length, delta)

	// Gather the parameters (distances from p, in mm) at which the pair
	// crosses a voxel boundary plane on any axis.
	cuts := []float64{0, length}
	cuts = appendAxisCuts(cuts, p.X, q.X, delta.X, length, g.geo.Pixdim[0])
	cuts = appendAxisCuts(cuts, p.Y, q.Y, delta.Y, length, g.geo.Pixdim[1])
	cuts = appendAxisCuts(cuts, p.Z, q.Z, delta.Z, length, g.geo.Pixdim[2])
	sort.Float64s(cuts)

	count := 0
	for i := 1; i < len(cuts); i++ {
		t0, t1 := cuts[i-1], cuts[i]
		w := t1 - t0
		if w <= g.opts.MinSegLen {
			continue
		}

		mid := r3.Add(p, r3.Scale((t0+t1)/2/length, delta))
		voxel, inside := voxelAt(g.geo, mid)
		if !inside {
			continue
		}

		emit(models.Segment{
			Voxel:      voxel,
			Dir:        dir,
			Weight:     w,
			Streamline: streamline,
			Midpoint:   mid,
		})
		count++
	}
	return count
}

// appendAxisCuts appends the parameters of every crossing of a plane
// c = k*pix for one axis, where c0 and c1 are the pair's coordinates on
// that axis and dc their difference.
func appendAxisCuts(cuts []float64, c0, c1, dc, length, pix float64) []float64 {
	if dc == 0 {
		return cuts
	}
	lo, hi := c0, c1
	if lo > hi {
		lo, hi = hi, lo
	}

	first := int(math.Ceil(lo / pix))
	last := int(math.Floor(hi / pix))
	for k := first; k <= last; k++ {
		plane := float64(k) * pix
		t := (plane - c0) / dc * length
		if t > 0 && t < length {
			cuts = append(cuts, t)
		}
	}
	return cuts
}
