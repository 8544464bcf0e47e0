package conversion

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/internal/models"
	"trk2dict/pkg/atlas"
	"trk2dict/pkg/config"
	"trk2dict/pkg/dictionary"
	"trk2dict/pkg/errs"
	"trk2dict/pkg/geometry"
	"trk2dict/pkg/nifti"
	"trk2dict/pkg/tractogram"
)

// Params holds the inputs of one conversion run.
type Params struct {
	// TractogramPath is the input streamline file (.trk or .tck).
	TractogramPath string

	// OutputDir is the directory receiving the dictionary files.
	OutputDir string

	// ReferencePath is a volume supplying grid geometry. Required for
	// .tck inputs, optional for .trk.
	ReferencePath string

	// MaskPath is an optional binary mask volume restricting which
	// voxels contribute.
	MaskPath string

	// PeaksPath is an optional peaks volume feeding the EC compartment.
	PeaksPath string

	// Config is the full option bundle.
	Config *config.Config

	// Progress enables the terminal progress bar for the streamline pass.
	Progress bool
}

// Summary reports what a finished run produced.
type Summary struct {
	Streamlines     int
	KeptStreamlines int
	Segments        int
	ICContributions int
	ECContributions int
	Elapsed         time.Duration
}

// Converter runs the streamline-to-dictionary conversion pipeline:
// geometry and atlas setup, the parallel segment/blur/accumulate pass,
// the EC peaks pass, mask synthesis, and finally the dictionary writer.
type Converter struct {
	params *Params

	geo     *geometry.Geometry
	atl     *atlas.Atlas
	summary Summary
}

// NewConverter creates a converter for the given parameters.
func NewConverter(params *Params) *Converter {
	return &Converter{params: params}
}

// Summary returns the statistics of the last completed Run.
func (c *Converter) Summary() Summary {
	return c.summary
}

// Run executes the complete conversion. Validation happens before any
// heavy work; on any error the output directory is left without a
// complete-looking dictionary.
func (c *Converter) Run() error {
	start := time.Now()
	cfg := c.params.Config

	if c.params.OutputDir == "" {
		return errs.NotFound("output path argument", "(empty)")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Step 1: load the tractogram and resolve the grid geometry.
	log.WithField("file", c.params.TractogramPath).Info("loading tractogram")
	tract, err := tractogram.Read(c.params.TractogramPath)
	if err != nil {
		return err
	}
	c.summary.Streamlines = tract.Count()

	toVoxmm, err := c.resolveGeometry(tract)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"dim":         fmt.Sprintf("%dx%dx%d", c.geo.Nx, c.geo.Ny, c.geo.Nz),
		"pixdim":      fmt.Sprintf("%.4gx%.4gx%.4g", c.geo.Pixdim[0], c.geo.Pixdim[1], c.geo.Pixdim[2]),
		"streamlines": tract.Count(),
		"format":      tract.Format.String(),
	}).Info("geometry resolved")

	// Step 2: build the filter gate from the optional mask volume.
	gate, maskUsed, err := c.buildGate()
	if err != nil {
		return err
	}

	// Step 3: build the direction atlas.
	log.WithField("ndirs", cfg.Atlas.Ndirs).Info("building direction atlas")
	c.atl, err = atlas.New(cfg.Atlas.Ndirs)
	if err != nil {
		return err
	}

	// Step 4: voxelize all streamlines in parallel.
	gen, err := NewSegmentGenerator(c.geo, SegmentOptions{
		DoIntersect:  cfg.Tractogram.DoIntersect,
		Shift:        cfg.Tractogram.FiberShift,
		PointsToSkip: cfg.Tractogram.PointsToSkip,
		MinSegLen:    cfg.Tractogram.MinSegLen,
	})
	if err != nil {
		return err
	}
	expander, err := NewBlurExpander(c.geo, BlurOptions{
		Radii:   cfg.Blur.Radii,
		Samples: cfg.Blur.Samples,
		Sigma:   cfg.Blur.Sigma,
	})
	if err != nil {
		return err
	}

	acc := c.runStreamlinePass(tract, toVoxmm, gen, expander, gate, cfg.Processing.NumWorkers)

	// Step 5: extract the EC compartment from the peaks volume.
	var ec []models.ECContribution
	peaksUsed := ""
	if c.params.PeaksPath != "" {
		ec, err = c.runPeaksPass(gate)
		if err != nil {
			return err
		}
		peaksUsed = c.params.PeaksPath
	}

	// Step 6: finalize the mask and assemble the dictionary.
	mask := gate.MaskData()
	if !gate.HasMask() {
		// No mask supplied: retain the voxels with nonzero density.
		tdi := acc.TDI()
		mask = make([]uint8, len(tdi))
		for i, v := range tdi {
			if v > 0 {
				mask[i] = 1
			}
		}
	}

	kept := acc.Kept()
	nKept := 0
	for _, k := range kept {
		if k {
			nKept++
		}
	}

	ic := acc.IC()
	c.summary.KeptStreamlines = nKept
	c.summary.ICContributions = len(ic)
	c.summary.ECContributions = len(ec)

	dict := &dictionary.Dictionary{
		Geo:  c.geo,
		IC:   ic,
		EC:   ec,
		TDI:  acc.TDI(),
		Mask: mask,
		Kept: kept,
		Info: dictionary.Info{
			Tractogram:  c.params.TractogramPath,
			Format:      tract.Format.String(),
			Streamlines: tract.Count(),
			Kept:        nKept,
			Dim:         [3]int{c.geo.Nx, c.geo.Ny, c.geo.Nz},
			Pixdim:      c.geo.Pixdim,
			ICCount:     len(ic),
			ECCount:     len(ec),
			MaskVolume:  maskUsed,
			PeaksVolume: peaksUsed,
			Config:      cfg,
		},
	}

	// Step 7: write the dictionary; files only materialize on success.
	if err := dictionary.Write(c.params.OutputDir, dict); err != nil {
		return err
	}

	// Step 8: regenerate the filtered streamline file if requested.
	if cfg.Tractogram.GenFilteredStreamlines {
		ext := filepath.Ext(c.params.TractogramPath)
		dst := filepath.Join(c.params.OutputDir, "dictionary_TRK_fibers"+strings.ToLower(ext))
		if err := tractogram.WriteFiltered(c.params.TractogramPath, dst, kept); err != nil {
			return fmt.Errorf("error writing filtered streamlines: %w", err)
		}
		log.WithFields(log.Fields{"file": dst, "kept": nKept}).Info("filtered streamlines written")
	}

	c.summary.Elapsed = time.Since(start)
	return nil
}

// resolveGeometry derives the voxel grid from the tractogram header (.trk)
// or from the reference volume (.tck), and returns the transform mapping
// native streamline coordinates into voxel-space mm.
func (c *Converter) resolveGeometry(tract *tractogram.Tractogram) (func(r3.Vec) r3.Vec, error) {
	identity := func(p r3.Vec) r3.Vec { return p }

	if tract.Format == tractogram.FormatTRK {
		var aff *[4][4]float64
		if tract.HasVoxToRAS {
			a := tract.VoxToRAS
			aff = &a
		}
		geo, err := geometry.New(tract.Dim[0], tract.Dim[1], tract.Dim[2], tract.VoxelSize, aff)
		if err != nil {
			return nil, err
		}
		c.geo = geo
		// trk points are already voxel-space mm.
		return identity, nil
	}

	if c.params.ReferencePath == "" {
		return nil, errs.Configf("tck tractograms carry no grid geometry, a reference volume is required")
	}
	ref, err := nifti.Read(c.params.ReferencePath)
	if err != nil {
		return nil, err
	}
	geo, err := geometry.FromVolume(ref)
	if err != nil {
		return nil, err
	}
	c.geo = geo

	// tck points are world mm: map through the inverse affine to voxel
	// indices, then scale by pixdim to voxel-space mm.
	inv := geo.Inverse
	pix := geo.Pixdim
	return func(p r3.Vec) r3.Vec {
		x := inv[0][0]*p.X + inv[0][1]*p.Y + inv[0][2]*p.Z + inv[0][3]
		y := inv[1][0]*p.X + inv[1][1]*p.Y + inv[1][2]*p.Z + inv[1][3]
		z := inv[2][0]*p.X + inv[2][1]*p.Y + inv[2][2]*p.Z + inv[2][3]
		return r3.Vec{X: x * pix[0], Y: y * pix[1], Z: z * pix[2]}
	}, nil
}

// buildGate loads the optional mask volume and warns (without failing)
// when its geometry differs from the tractogram's.
func (c *Converter) buildGate() (*Gate, string, error) {
	if c.params.MaskPath == "" {
		return NewGate(c.geo), "", nil
	}

	vol, err := nifti.Read(c.params.MaskPath)
	if err != nil {
		return nil, "", err
	}
	c.warnOnMismatch(vol, "mask")
	return NewGateFromVolume(c.geo, vol), c.params.MaskPath, nil
}

// warnOnMismatch logs a geometry mismatch between an auxiliary volume and
// the run's grid. Processing continues with the tractogram geometry.
func (c *Converter) warnOnMismatch(vol *nifti.Volume, what string) {
	other, err := geometry.FromVolume(vol)
	if err != nil || !c.geo.Matches(other) {
		log.WithFields(log.Fields{
			"volume": what,
			"dim":    fmt.Sprintf("%dx%dx%d", vol.Nx, vol.Ny, vol.Nz),
			"pixdim": fmt.Sprintf("%.4gx%.4gx%.4g", vol.Pixdim[0], vol.Pixdim[1], vol.Pixdim[2]),
		}).Warn("volume geometry differs from tractogram geometry, proceeding with tractogram geometry")
	}
}

// runStreamlinePass fans the streamlines out over workers, each with a
// private accumulator, and merges the results. Contributions to the same
// (voxel, direction) key are summed, so the merge order cannot affect the
// final weights.
func (c *Converter) runStreamlinePass(tract *tractogram.Tractogram, toVoxmm func(r3.Vec) r3.Vec,
	gen *SegmentGenerator, expander *BlurExpander, gate *Gate, workers int) *Accumulator {

	n := tract.Count()
	if workers < 1 {
		workers = 1
	}
	if workers > n && n > 0 {
		workers = n
	}

	var bar *pb.ProgressBar
	if c.params.Progress && n > 0 {
		bar = pb.StartNew(n)
	}

	results := make(chan *Accumulator, workers)
	segCounts := make(chan int, workers)
	chunk := (n + workers - 1) / workers
	launched := 0
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if lo >= n {
			break
		}
		if hi > n {
			hi = n
		}
		launched++

		go func(lo, hi int) {
			acc := NewAccumulator(c.geo, c.atl, gate, n)
			segs := 0
			for i := lo; i < hi; i++ {
				points := make([]r3.Vec, len(tract.Streamlines[i]))
				for j, p := range tract.Streamlines[i] {
					points[j] = toVoxmm(p)
				}
				segs += gen.Generate(points, i, func(seg models.Segment) {
					expander.Expand(seg, acc.AddCopy)
				})
				if bar != nil {
					bar.Increment()
				}
			}
			segCounts <- segs
			results <- acc
		}(lo, hi)
	}

	total := NewAccumulator(c.geo, c.atl, gate, n)
	segs := 0
	for w := 0; w < launched; w++ {
		segs += <-segCounts
		total.Merge(<-results)
	}
	if bar != nil {
		bar.Finish()
	}
	c.summary.Segments = segs

	log.WithFields(log.Fields{
		"segments": segs,
		"workers":  launched,
	}).Info("streamline pass complete")
	return total
}

// runPeaksPass loads the peaks volume and extracts the EC compartment.
func (c *Converter) runPeaksPass(gate *Gate) ([]models.ECContribution, error) {
	vol, err := nifti.Read(c.params.PeaksPath)
	if err != nil {
		return nil, err
	}
	c.warnOnMismatch(vol, "peaks")

	opts := PeakOptions{
		VfTHR:     c.params.Config.Peaks.VfTHR,
		Flip:      c.params.Config.Peaks.Flip,
		UseAffine: c.params.Config.Peaks.UseAffine,
	}
	if opts.UseAffine {
		rot, err := geometry.PeaksRotation(vol.Affine)
		if err != nil {
			return nil, err
		}
		opts.Rotation = rot
	}

	ec, err := AccumulateEC(c.geo, c.atl, gate, vol, opts)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"peaks":         vol.Nt / 3,
		"contributions": len(ec),
	}).Info("peaks pass complete")
	return ec, nil
}
