package conversion

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/internal/models"
	"trk2dict/pkg/atlas"
	"trk2dict/pkg/errs"
	"trk2dict/pkg/geometry"
	"trk2dict/pkg/nifti"
)

func testGeometry(t *testing.T, nx, ny, nz int, pix float64) *geometry.Geometry {
	t.Helper()
	geo, err := geometry.New(nx, ny, nz, [3]float64{pix, pix, pix}, nil)
	if err != nil {
		t.Fatalf("geometry.New failed: %v", err)
	}
	return geo
}

func testAtlas(t *testing.T) *atlas.Atlas {
	t.Helper()
	a, err := atlas.New(500)
	if err != nil {
		t.Fatalf("atlas.New failed: %v", err)
	}
	return a
}

func collectSegments(t *testing.T, gen *SegmentGenerator, points []r3.Vec) []models.Segment {
	t.Helper()
	var segs []models.Segment
	gen.Generate(points, 0, func(s models.Segment) { segs = append(segs, s) })
	return segs
}

// TestStraightLineIntersection verifies the worked example: a 10 mm
// 2-point streamline crossing exactly 5 voxels in intersection mode
// produces 5 segments whose weights sum to 10
func TestStraightLineIntersection(t *testing.T) {
	geo := testGeometry(t, 5, 1, 1, 2.0)
	gen, err := NewSegmentGenerator(geo, SegmentOptions{DoIntersect: true, MinSegLen: 1e-3})
	if err != nil {
		t.Fatalf("NewSegmentGenerator failed: %v", err)
	}

	points := []r3.Vec{{X: 0, Y: 1, Z: 1}, {X: 10, Y: 1, Z: 1}}
	segs := collectSegments(t, gen, points)

	if len(segs) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(segs))
	}
	total := 0.0
	for i, s := range segs {
		total += s.Weight
		if s.Voxel.Y != 0 || s.Voxel.Z != 0 {
			t.Errorf("segment %d in wrong voxel row: %v", i, s.Voxel)
		}
		if math.Abs(s.Weight-2) > 1e-9 {
			t.Errorf("segment %d weight = %v, expected 2", i, s.Weight)
		}
		if math.Abs(s.Dir.X-1) > 1e-12 {
			t.Errorf("segment %d direction = %v, expected +x", i, s.Dir)
		}
	}
	if math.Abs(total-10) > 1e-9 {
		t.Errorf("total weight = %v, expected 10", total)
	}

	// Each of the 5 voxels along x is visited exactly once.
	seen := make(map[int]bool)
	for _, s := range segs {
		if seen[s.Voxel.X] {
			t.Errorf("voxel x=%d visited twice", s.Voxel.X)
		}
		seen[s.Voxel.X] = true
	}
}

// TestStraightLineCentroid verifies that centroid mode collapses the same
// streamline onto a single midpoint-voxel segment of full weight
func TestStraightLineCentroid(t *testing.T) {
	geo := testGeometry(t, 5, 1, 1, 2.0)
	gen, err := NewSegmentGenerator(geo, SegmentOptions{DoIntersect: false, MinSegLen: 1e-3})
	if err != nil {
		t.Fatalf("NewSegmentGenerator failed: %v", err)
	}

	points := []r3.Vec{{X: 0, Y: 1, Z: 1}, {X: 10, Y: 1, Z: 1}}
	segs := collectSegments(t, gen, points)

	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if math.Abs(segs[0].Weight-10) > 1e-9 {
		t.Errorf("weight = %v, expected 10", segs[0].Weight)
	}
	if segs[0].Voxel != (models.Voxel{X: 2, Y: 0, Z: 0}) {
		t.Errorf("voxel = %v, expected the midpoint voxel {2 0 0}", segs[0].Voxel)
	}
}

// TestPairOutsideGridDiscarded verifies that fully out-of-grid pairs
// produce nothing and straddling pairs are clipped to in-grid parts
func TestPairOutsideGridDiscarded(t *testing.T) {
	geo := testGeometry(t, 4, 4, 4, 1.0)
	gen, err := NewSegmentGenerator(geo, SegmentOptions{DoIntersect: true, MinSegLen: 1e-3})
	if err != nil {
		t.Fatalf("NewSegmentGenerator failed: %v", err)
	}

	outside := collectSegments(t, gen, []r3.Vec{{X: -5, Y: 1, Z: 1}, {X: -1, Y: 1, Z: 1}})
	if len(outside) != 0 {
		t.Errorf("fully outside pair should produce no segments, got %d", len(outside))
	}

	straddle := collectSegments(t, gen, []r3.Vec{{X: -2, Y: 0.5, Z: 0.5}, {X: 2, Y: 0.5, Z: 0.5}})
	total := 0.0
	for _, s := range straddle {
		if !geo.Contains(s.Voxel.X, s.Voxel.Y, s.Voxel.Z) {
			t.Errorf("clipped segment in out-of-grid voxel %v", s.Voxel)
		}
		total += s.Weight
	}
	if math.Abs(total-2) > 1e-9 {
		t.Errorf("in-grid traversed length = %v, expected 2", total)
	}
}

// TestMinSegLenFilter verifies that sub-minimum segments are dropped and
// negative minimums are rejected
func TestMinSegLenFilter(t *testing.T) {
	geo := testGeometry(t, 4, 4, 4, 1.0)

	if _, err := NewSegmentGenerator(geo, SegmentOptions{MinSegLen: -1}); !errs.IsConfig(err) {
		t.Errorf("negative minSegLen should be a ConfigError, got %v", err)
	}

	gen, err := NewSegmentGenerator(geo, SegmentOptions{DoIntersect: true, MinSegLen: 0.5})
	if err != nil {
		t.Fatalf("NewSegmentGenerator failed: %v", err)
	}
	segs := collectSegments(t, gen, []r3.Vec{{X: 1.1, Y: 1.1, Z: 1.1}, {X: 1.2, Y: 1.1, Z: 1.1}})
	if len(segs) != 0 {
		t.Errorf("0.1 mm segment should be dropped with minSegLen=0.5, got %d segments", len(segs))
	}
}

// TestPointsToSkip verifies end-point trimming
func TestPointsToSkip(t *testing.T) {
	geo := testGeometry(t, 10, 10, 10, 1.0)
	gen, err := NewSegmentGenerator(geo, SegmentOptions{DoIntersect: true, MinSegLen: 1e-3, PointsToSkip: 1})
	if err != nil {
		t.Fatalf("NewSegmentGenerator failed: %v", err)
	}

	// 4 points; skipping 1 at each end leaves the middle pair (4.5..5.5).
	points := []r3.Vec{
		{X: 0.5, Y: 0.5, Z: 0.5},
		{X: 4.5, Y: 0.5, Z: 0.5},
		{X: 5.5, Y: 0.5, Z: 0.5},
		{X: 9.5, Y: 0.5, Z: 0.5},
	}
	segs := collectSegments(t, gen, points)
	total := 0.0
	for _, s := range segs {
		total += s.Weight
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("trimmed streamline should contribute 1 mm, got %v", total)
	}

	// Skipping swallows the whole streamline.
	short := collectSegments(t, gen, points[:2])
	if len(short) != 0 {
		t.Errorf("2-point streamline with pointsToSkip=1 should vanish, got %d segments", len(short))
	}
}

// TestFiberShift verifies that the shift is applied in voxel-size units
func TestFiberShift(t *testing.T) {
	geo := testGeometry(t, 4, 4, 4, 2.0)
	gen, err := NewSegmentGenerator(geo, SegmentOptions{
		DoIntersect: false,
		MinSegLen:   1e-3,
		Shift:       [3]float64{0.5, 0, 0}, // half a voxel = 1 mm
	})
	if err != nil {
		t.Fatalf("NewSegmentGenerator failed: %v", err)
	}

	// Midpoint at x=1.8 mm; shifted by 1 mm it crosses into voxel 1.
	segs := collectSegments(t, gen, []r3.Vec{{X: 1.3, Y: 1, Z: 1}, {X: 2.3, Y: 1, Z: 1}})
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Voxel.X != 1 {
		t.Errorf("shifted midpoint should land in voxel x=1, got %d", segs[0].Voxel.X)
	}
}

// TestBlurIdentity verifies that an empty radius list is an exact
// pass-through of the radius-0 copy with weight 1
func TestBlurIdentity(t *testing.T) {
	geo := testGeometry(t, 5, 5, 5, 2.0)
	e, err := NewBlurExpander(geo, BlurOptions{})
	if err != nil {
		t.Fatalf("NewBlurExpander failed: %v", err)
	}

	seg := models.Segment{
		Voxel:      models.Voxel{X: 2, Y: 2, Z: 2},
		Dir:        r3.Vec{X: 1},
		Weight:     3.5,
		Streamline: 7,
		Midpoint:   r3.Vec{X: 5, Y: 5, Z: 5},
	}
	var copies []models.BlurCopy
	e.Expand(seg, func(c models.BlurCopy) { copies = append(copies, c) })

	if len(copies) != 1 {
		t.Fatalf("expected exactly 1 copy, got %d", len(copies))
	}
	c := copies[0]
	if c.Voxel != seg.Voxel || c.Weight != seg.Weight || c.Streamline != seg.Streamline || c.Blurred {
		t.Errorf("identity copy differs from segment: %+v", c)
	}
}

// TestBlurExample verifies the worked example: radii=[1], samples=[4]
// yields 1 + 4 copies, the four ghosts sharing weight exp(-1/(2*sigma^2))
// times the base weight
func TestBlurExample(t *testing.T) {
	geo := testGeometry(t, 5, 5, 5, 2.0)
	sigma := 0.8
	e, err := NewBlurExpander(geo, BlurOptions{Radii: []float64{1}, Samples: []int{4}, Sigma: sigma})
	if err != nil {
		t.Fatalf("NewBlurExpander failed: %v", err)
	}

	seg := models.Segment{
		Voxel:    models.Voxel{X: 2, Y: 2, Z: 2},
		Dir:      r3.Vec{X: 1},
		Weight:   2.0,
		Midpoint: r3.Vec{X: 5, Y: 5, Z: 5},
	}
	var copies []models.BlurCopy
	e.Expand(seg, func(c models.BlurCopy) { copies = append(copies, c) })

	if len(copies) != 5 {
		t.Fatalf("expected 5 copies (1 base + 4 ghosts), got %d", len(copies))
	}
	want := seg.Weight * math.Exp(-1/(2*sigma*sigma))
	for i, c := range copies[1:] {
		if !c.Blurred {
			t.Errorf("ghost %d not marked blurred", i)
		}
		if math.Abs(c.Weight-want) > 1e-12 {
			t.Errorf("ghost %d weight = %v, expected %v", i, c.Weight, want)
		}
		if c.Dir != seg.Dir {
			t.Errorf("ghost %d direction changed: %v", i, c.Dir)
		}
	}
}

// TestBlurListMismatch verifies the radius/sample list length check
func TestBlurListMismatch(t *testing.T) {
	geo := testGeometry(t, 5, 5, 5, 1.0)
	_, err := NewBlurExpander(geo, BlurOptions{Radii: []float64{1, 2}, Samples: []int{4}, Sigma: 1})
	if !errs.IsConfig(err) {
		t.Errorf("mismatched blur lists should be a ConfigError, got %v", err)
	}
}

// TestAccumulatorSums verifies that contributions to the same
// (voxel, direction) key are summed, not replaced
func TestAccumulatorSums(t *testing.T) {
	geo := testGeometry(t, 4, 4, 4, 1.0)
	acc := NewAccumulator(geo, testAtlas(t), NewGate(geo), 2)

	c := models.BlurCopy{
		Voxel:  models.Voxel{X: 1, Y: 2, Z: 3},
		Dir:    r3.Vec{X: 1},
		Weight: 1.5,
	}
	acc.AddCopy(c)
	c.Streamline = 1
	c.Weight = 2.5
	acc.AddCopy(c)

	ic := acc.IC()
	if len(ic) != 1 {
		t.Fatalf("expected 1 IC entry, got %d", len(ic))
	}
	if math.Abs(float64(ic[0].Weight)-4.0) > 1e-6 {
		t.Errorf("summed weight = %v, expected 4", ic[0].Weight)
	}
	if ic[0].Voxel != geo.Flatten(1, 2, 3) {
		t.Errorf("voxel encoding = %d, expected %d", ic[0].Voxel, geo.Flatten(1, 2, 3))
	}

	kept := acc.Kept()
	if !kept[0] || !kept[1] {
		t.Errorf("both streamlines should be kept, got %v", kept)
	}
}

// TestTrackDensityUnblurredOnly verifies that ghost copies do not inflate
// the track-density image
func TestTrackDensityUnblurredOnly(t *testing.T) {
	geo := testGeometry(t, 4, 4, 4, 1.0)
	acc := NewAccumulator(geo, testAtlas(t), NewGate(geo), 1)

	base := models.BlurCopy{Voxel: models.Voxel{X: 1, Y: 1, Z: 1}, Dir: r3.Vec{X: 1}, Weight: 1}
	ghost := base
	ghost.Blurred = true
	ghost.Weight = 0.5

	acc.AddCopy(base)
	acc.AddCopy(ghost)
	acc.AddCopy(ghost)

	tdi := acc.TDI()
	if got := tdi[geo.Flatten(1, 1, 1)]; got != 1 {
		t.Errorf("tdi = %v, expected 1 (one original segment)", got)
	}
}

// TestMergeOrderIndependence verifies that merging worker accumulators in
// either order produces identical dictionaries
func TestMergeOrderIndependence(t *testing.T) {
	geo := testGeometry(t, 4, 4, 4, 1.0)
	atl := testAtlas(t)
	gate := NewGate(geo)

	build := func() (*Accumulator, *Accumulator) {
		a := NewAccumulator(geo, atl, gate, 3)
		b := NewAccumulator(geo, atl, gate, 3)
		a.AddCopy(models.BlurCopy{Voxel: models.Voxel{X: 1}, Dir: r3.Vec{X: 1}, Weight: 1, Streamline: 0})
		a.AddCopy(models.BlurCopy{Voxel: models.Voxel{X: 2}, Dir: r3.Vec{Y: 1}, Weight: 2, Streamline: 1})
		b.AddCopy(models.BlurCopy{Voxel: models.Voxel{X: 1}, Dir: r3.Vec{X: 1}, Weight: 3, Streamline: 2})
		return a, b
	}

	a1, b1 := build()
	a1.Merge(b1)
	a2, b2 := build()
	b2.Merge(a2)

	ic1, ic2 := a1.IC(), b2.IC()
	if len(ic1) != len(ic2) {
		t.Fatalf("merge order changed entry count: %d vs %d", len(ic1), len(ic2))
	}
	for i := range ic1 {
		if ic1[i] != ic2[i] {
			t.Errorf("entry %d differs across merge orders: %+v vs %+v", i, ic1[i], ic2[i])
		}
	}
}

// TestGateExcludesAll verifies that an all-zero mask yields zero IC
// contributions and zero kept streamlines
func TestGateExcludesAll(t *testing.T) {
	geo := testGeometry(t, 3, 3, 3, 1.0)
	maskVol := &nifti.Volume{Nx: 3, Ny: 3, Nz: 3, Nt: 1, Data: make([]float64, 27)}
	gate := NewGateFromVolume(geo, maskVol)

	acc := NewAccumulator(geo, testAtlas(t), gate, 2)
	acc.AddCopy(models.BlurCopy{Voxel: models.Voxel{X: 1, Y: 1, Z: 1}, Dir: r3.Vec{X: 1}, Weight: 1, Streamline: 0})
	acc.AddCopy(models.BlurCopy{Voxel: models.Voxel{X: 2, Y: 0, Z: 2}, Dir: r3.Vec{Z: 1}, Weight: 1, Streamline: 1})

	if got := len(acc.IC()); got != 0 {
		t.Errorf("all-zero mask should yield 0 IC contributions, got %d", got)
	}
	for i, k := range acc.Kept() {
		if k {
			t.Errorf("streamline %d should not be kept under an all-zero mask", i)
		}
	}
}

// TestGateMembership verifies the per-voxel gate queries for both the
// pass-all and the explicit-mask form
func TestGateMembership(t *testing.T) {
	geo := testGeometry(t, 3, 3, 3, 1.0)

	open := NewGate(geo)
	if open.HasMask() {
		t.Error("pass-all gate should report no explicit mask")
	}
	if !open.Allows(models.Voxel{X: 2, Y: 2, Z: 2}) {
		t.Error("pass-all gate should allow every voxel")
	}
	if open.MaskData() != nil {
		t.Error("pass-all gate should have no mask data")
	}

	maskVol := &nifti.Volume{Nx: 3, Ny: 3, Nz: 3, Nt: 1, Data: make([]float64, 27)}
	maskVol.Data[geo.Flatten(1, 2, 0)] = 1
	gate := NewGateFromVolume(geo, maskVol)
	if !gate.HasMask() {
		t.Error("explicit gate should report a mask")
	}
	if !gate.Allows(models.Voxel{X: 1, Y: 2, Z: 0}) {
		t.Error("masked-in voxel should pass")
	}
	if gate.Allows(models.Voxel{X: 0, Y: 0, Z: 0}) {
		t.Error("masked-out voxel should not pass")
	}
	data := gate.MaskData()
	if data[geo.Flatten(1, 2, 0)] != 1 {
		t.Error("mask data should mark the masked-in voxel")
	}
}

func peaksVolume(nx, ny, nz, np int) *nifti.Volume {
	return &nifti.Volume{
		Nx: nx, Ny: ny, Nz: nz, Nt: 3 * np,
		Data: make([]float64, nx*ny*nz*3*np),
	}
}

func setPeak(v *nifti.Volume, x, y, z, p int, vec r3.Vec) {
	base := func(t int) int { return x + v.Nx*(y+v.Ny*(z+v.Nz*t)) }
	v.Data[base(3*p)] = vec.X
	v.Data[base(3*p+1)] = vec.Y
	v.Data[base(3*p+2)] = vec.Z
}

// TestAccumulateECThreshold verifies the relative-magnitude peak filter
func TestAccumulateECThreshold(t *testing.T) {
	geo := testGeometry(t, 2, 2, 2, 1.0)
	atl := testAtlas(t)
	gate := NewGate(geo)

	vol := peaksVolume(2, 2, 2, 2)
	setPeak(vol, 0, 0, 0, 0, r3.Vec{X: 1})
	setPeak(vol, 0, 0, 0, 1, r3.Vec{Y: 0.05}) // below 0.1 of max

	ec, err := AccumulateEC(geo, atl, gate, vol, PeakOptions{VfTHR: 0.1})
	if err != nil {
		t.Fatalf("AccumulateEC failed: %v", err)
	}
	if len(ec) != 1 {
		t.Fatalf("expected 1 EC contribution, got %d", len(ec))
	}
	if ec[0].Voxel != geo.Flatten(0, 0, 0) {
		t.Errorf("EC voxel = %d, expected %d", ec[0].Voxel, geo.Flatten(0, 0, 0))
	}
	if ec[0].Dir != atl.Lookup(r3.Vec{X: 1}) {
		t.Errorf("EC direction = %d, expected the +x atlas index %d", ec[0].Dir, atl.Lookup(r3.Vec{X: 1}))
	}
}

// TestAccumulateECFlip verifies that axis flips change only the sign,
// which the undirected atlas maps to the same index
func TestAccumulateECFlip(t *testing.T) {
	geo := testGeometry(t, 1, 1, 1, 1.0)
	atl := testAtlas(t)
	vol := peaksVolume(1, 1, 1, 1)
	setPeak(vol, 0, 0, 0, 0, r3.Vec{X: 0.6, Y: 0.8})

	plain, err := AccumulateEC(geo, atl, NewGate(geo), vol, PeakOptions{VfTHR: 0.1})
	if err != nil {
		t.Fatalf("AccumulateEC failed: %v", err)
	}
	flipped, err := AccumulateEC(geo, atl, NewGate(geo), vol, PeakOptions{VfTHR: 0.1, Flip: [3]bool{true, true, true}})
	if err != nil {
		t.Fatalf("AccumulateEC with flips failed: %v", err)
	}
	if plain[0].Dir != flipped[0].Dir {
		t.Errorf("full flip is a negation and should quantize identically: %d vs %d", plain[0].Dir, flipped[0].Dir)
	}
}

// TestAccumulateECValidation verifies the peaks dimensionality and
// threshold range checks
func TestAccumulateECValidation(t *testing.T) {
	geo := testGeometry(t, 2, 2, 2, 1.0)
	atl := testAtlas(t)
	gate := NewGate(geo)

	bad := &nifti.Volume{Nx: 2, Ny: 2, Nz: 2, Nt: 4, Data: make([]float64, 32)}
	if _, err := AccumulateEC(geo, atl, gate, bad, PeakOptions{VfTHR: 0.1}); !errs.IsConfig(err) {
		t.Errorf("non multiple-of-3 peaks dimension should be a ConfigError, got %v", err)
	}

	good := peaksVolume(2, 2, 2, 1)
	if _, err := AccumulateEC(geo, atl, gate, good, PeakOptions{VfTHR: 1.5}); !errs.IsConfig(err) {
		t.Errorf("vfTHR > 1 should be a ConfigError, got %v", err)
	}
	if _, err := AccumulateEC(geo, atl, gate, good, PeakOptions{VfTHR: -0.1}); !errs.IsConfig(err) {
		t.Errorf("vfTHR < 0 should be a ConfigError, got %v", err)
	}
}
