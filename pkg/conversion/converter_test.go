package conversion

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/pkg/config"
	"trk2dict/pkg/dictionary"
	"trk2dict/pkg/errs"
	"trk2dict/pkg/nifti"
	"trk2dict/pkg/tractogram"
)

func writeTestTRK(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fibers.trk")
	lines := [][]r3.Vec{
		// 10 mm straight line crossing 5 voxels of 2 mm.
		{{X: 0, Y: 1, Z: 1}, {X: 10, Y: 1, Z: 1}},
		// Entirely outside the grid; never kept.
		{{X: -9, Y: -9, Z: -9}, {X: -5, Y: -9, Z: -9}},
	}
	if err := tractogram.WriteTRK(path, lines, [3]int{5, 5, 5}, [3]float64{2, 2, 2}); err != nil {
		t.Fatalf("WriteTRK failed: %v", err)
	}
	return path
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Atlas.Ndirs = 500
	cfg.Processing.NumWorkers = 2
	return cfg
}

// TestConverterEndToEnd verifies a full trk conversion run: output files,
// stream consistency, kept flags and total IC weight
func TestConverterEndToEnd(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "dict")
	trk := writeTestTRK(t, dir)

	conv := NewConverter(&Params{
		TractogramPath: trk,
		OutputDir:      out,
		Config:         testConfig(),
	})
	if err := conv.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, name := range []string{
		dictionary.FileICVoxel, dictionary.FileICDir, dictionary.FileICLen,
		dictionary.FileECVoxel, dictionary.FileECDir, dictionary.FileKept,
		dictionary.FileTDI, dictionary.FileMask, dictionary.FileInfo,
	} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing output file %s: %v", name, err)
		}
	}

	s, err := dictionary.Load(out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(s.ICVoxel) != 5 {
		t.Errorf("expected 5 IC contributions, got %d", len(s.ICVoxel))
	}
	total := 0.0
	for _, w := range s.ICLen {
		total += float64(w)
	}
	if math.Abs(total-10) > 1e-4 {
		t.Errorf("total IC weight = %v, expected 10", total)
	}
	if len(s.Kept) != 2 || !s.Kept[0] || s.Kept[1] {
		t.Errorf("kept = %v, expected [true false]", s.Kept)
	}
	if len(s.ECVoxel) != 0 {
		t.Errorf("no peaks supplied, EC should be empty, got %d entries", len(s.ECVoxel))
	}

	// The synthesized mask marks exactly the 5 traversed voxels.
	mask, err := nifti.Read(filepath.Join(out, dictionary.FileMask))
	if err != nil {
		t.Fatalf("reading mask failed: %v", err)
	}
	nonzero := 0
	for _, v := range mask.Data {
		if v != 0 {
			nonzero++
		}
	}
	if nonzero != 5 {
		t.Errorf("synthesized mask has %d voxels, expected 5", nonzero)
	}

	sum := conv.Summary()
	if sum.Streamlines != 2 || sum.KeptStreamlines != 1 {
		t.Errorf("summary = %+v, expected 2 streamlines with 1 kept", sum)
	}
}

// TestConverterAllZeroMask verifies that a mask excluding every voxel
// yields an empty dictionary with no streamlines kept
func TestConverterAllZeroMask(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "dict")
	trk := writeTestTRK(t, dir)

	maskPath := filepath.Join(dir, "mask.nii.gz")
	pix := [3]float64{2, 2, 2}
	aff := [4][4]float64{{2, 0, 0, 0}, {0, 2, 0, 0}, {0, 0, 2, 0}, {0, 0, 0, 1}}
	if err := nifti.WriteUint8(maskPath, make([]uint8, 125), 5, 5, 5, pix, aff); err != nil {
		t.Fatalf("writing mask failed: %v", err)
	}

	conv := NewConverter(&Params{
		TractogramPath: trk,
		OutputDir:      out,
		MaskPath:       maskPath,
		Config:         testConfig(),
	})
	if err := conv.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	s, err := dictionary.Load(out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(s.ICVoxel) != 0 || len(s.ECVoxel) != 0 {
		t.Errorf("excluding mask should yield empty compartments, got %d IC / %d EC",
			len(s.ICVoxel), len(s.ECVoxel))
	}
	for i, k := range s.Kept {
		if k {
			t.Errorf("streamline %d should not be kept", i)
		}
	}
}

// TestConverterFilteredStreamlines verifies the regenerated filtered
// tractogram matches the kept vector
func TestConverterFilteredStreamlines(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "dict")
	trk := writeTestTRK(t, dir)

	cfg := testConfig()
	cfg.Tractogram.GenFilteredStreamlines = true
	conv := NewConverter(&Params{
		TractogramPath: trk,
		OutputDir:      out,
		Config:         cfg,
	})
	if err := conv.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	filtered, err := tractogram.ReadTRK(filepath.Join(out, "dictionary_TRK_fibers.trk"))
	if err != nil {
		t.Fatalf("reading filtered tractogram failed: %v", err)
	}
	if filtered.Count() != 1 {
		t.Errorf("filtered tractogram has %d streamlines, expected 1", filtered.Count())
	}
}

// TestConverterTCKNeedsReference verifies that tck input without a
// reference volume is a configuration error
func TestConverterTCKNeedsReference(t *testing.T) {
	dir := t.TempDir()
	tck := filepath.Join(dir, "fibers.tck")
	if err := tractogram.WriteTCK(tck, [][]r3.Vec{{{X: 1, Y: 1, Z: 1}, {X: 5, Y: 1, Z: 1}}}); err != nil {
		t.Fatalf("WriteTCK failed: %v", err)
	}

	conv := NewConverter(&Params{
		TractogramPath: tck,
		OutputDir:      filepath.Join(dir, "dict"),
		Config:         testConfig(),
	})
	err := conv.Run()
	if !errs.IsConfig(err) {
		t.Errorf("tck without reference should be a ConfigError, got %v", err)
	}
}

// TestConverterTCKWithReference verifies the world-to-voxel mapping for
// tck inputs against a reference volume
func TestConverterTCKWithReference(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "dict")

	// Reference grid: 5x5x5 voxels of 2 mm, world origin at voxel (0,0,0).
	ref := filepath.Join(dir, "ref.nii.gz")
	pix := [3]float64{2, 2, 2}
	aff := [4][4]float64{{2, 0, 0, 0}, {0, 2, 0, 0}, {0, 0, 2, 0}, {0, 0, 0, 1}}
	if err := nifti.WriteFloat32(ref, make([]float32, 125), 5, 5, 5, pix, aff); err != nil {
		t.Fatalf("writing reference failed: %v", err)
	}

	// World x from 0 to 5 maps to voxel indices 0..2.5, i.e. 5 mm of
	// voxel-space path.
	tck := filepath.Join(dir, "fibers.tck")
	if err := tractogram.WriteTCK(tck, [][]r3.Vec{
		{{X: 0, Y: 0.5, Z: 0.5}, {X: 5, Y: 0.5, Z: 0.5}},
	}); err != nil {
		t.Fatalf("WriteTCK failed: %v", err)
	}

	conv := NewConverter(&Params{
		TractogramPath: tck,
		OutputDir:      out,
		ReferencePath:  ref,
		Config:         testConfig(),
	})
	if err := conv.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	s, err := dictionary.Load(out)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	total := 0.0
	for _, w := range s.ICLen {
		total += float64(w)
	}
	if math.Abs(total-5) > 1e-4 {
		t.Errorf("total IC weight = %v, expected 5 (world 5 mm through a 2 mm-scale affine)", total)
	}
}

// TestConverterRejectsBadNdirs verifies fail-fast validation before any
// file access
func TestConverterRejectsBadNdirs(t *testing.T) {
	cfg := testConfig()
	cfg.Atlas.Ndirs = 501
	conv := NewConverter(&Params{
		TractogramPath: "does-not-exist.trk",
		OutputDir:      t.TempDir(),
		Config:         cfg,
	})
	err := conv.Run()
	if !errs.IsConfig(err) {
		t.Errorf("ndirs=501 should fail with a ConfigError before touching files, got %v", err)
	}
}

// TestConverterMissingOutputDir verifies the missing output path error
func TestConverterMissingOutputDir(t *testing.T) {
	conv := NewConverter(&Params{
		TractogramPath: "fibers.trk",
		Config:         testConfig(),
	})
	err := conv.Run()
	if !errs.IsNotFound(err) {
		t.Errorf("empty output path should be a NotFoundError, got %v", err)
	}
}
