package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"trk2dict/pkg/config"
	"trk2dict/pkg/conversion"
	"trk2dict/pkg/dictionary"
)

func main() {
	app := cli.NewApp()
	app.Name = "trk2dict"
	app.Usage = "Convert a tractogram into a sparse voxel/direction dictionary"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "Enable debug-level logging",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "convert",
			Usage:     "Voxelize a .trk or .tck tractogram into dictionary files",
			ArgsUsage: "<tractogram> <output-dir>",
			Description: "Cuts every streamline into voxel-sized segments, quantizes their\n" +
				"   directions against a precomputed direction atlas, and writes the\n" +
				"   accumulated intra-cellular contributions as flat binary streams.\n" +
				"   An optional peaks volume adds the extra-cellular compartment, an\n" +
				"   optional mask restricts which voxels contribute.\n\n" +
				"   Example:\n" +
				"     trk2dict convert fibers.trk dictionary/ --peaks peaks.nii.gz \\\n" +
				"       --blur-radii 0.25,0.5 --blur-samples 4,8 --blur-sigma 0.3",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "reference, r",
					Usage: "Reference volume supplying the voxel grid (required for .tck input)",
				},
				cli.StringFlag{
					Name:  "mask, m",
					Usage: "Binary mask volume restricting contributing voxels",
				},
				cli.StringFlag{
					Name:  "peaks, p",
					Usage: "Peaks volume feeding the extra-cellular compartment",
				},
				cli.StringFlag{
					Name:  "config, c",
					Usage: "YAML file with the full option set (flags below override it)",
				},
				cli.BoolFlag{
					Name:  "centroid",
					Usage: "Assign each segment to its midpoint voxel instead of cutting at boundaries",
				},
				cli.Float64Flag{
					Name:  "shift",
					Value: 0,
					Usage: "Shift applied to every point, in voxel units, same on all axes",
				},
				cli.IntFlag{
					Name:  "skip",
					Value: 0,
					Usage: "Number of points trimmed from both ends of every streamline",
				},
				cli.Float64Flag{
					Name:  "min-seg-len",
					Value: config.Default().Tractogram.MinSegLen,
					Usage: "Discard segments shorter than this many mm",
				},
				cli.Float64Flag{
					Name:  "vf-thr",
					Value: config.Default().Peaks.VfTHR,
					Usage: "Relative peak magnitude threshold, in [0,1]",
				},
				cli.StringFlag{
					Name:  "blur-radii",
					Usage: "Comma-separated ascending blur radii in mm (empty disables blurring)",
				},
				cli.StringFlag{
					Name:  "blur-samples",
					Usage: "Comma-separated ghost copies per radius, same length as blur-radii",
				},
				cli.Float64Flag{
					Name:  "blur-sigma",
					Value: 0,
					Usage: "Gaussian sigma of the blur weights, required with blur-radii",
				},
				cli.IntFlag{
					Name:  "ndirs",
					Value: config.Default().Atlas.Ndirs,
					Usage: "Number of atlas directions (500..10000 in steps of 500, or 32761)",
				},
				cli.IntFlag{
					Name:  "workers",
					Value: config.Default().Processing.NumWorkers,
					Usage: "Number of parallel workers for the streamline pass",
				},
				cli.BoolFlag{
					Name:  "filtered-fibers",
					Usage: "Also write a tractogram containing only the kept streamlines",
				},
			},
			Action: runConvert,
		},
		{
			Name:      "migrate",
			Usage:     "Rewrite a legacy split-layout dictionary into the merged layout",
			ArgsUsage: "<dictionary-dir>",
			Description: "Replaces the per-axis voxel and orientation files of an old\n" +
				"   dictionary with the current flattened encoding, then removes the\n" +
				"   legacy files. The grid extent of the original run must be given.",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "nx",
					Usage: "Grid extent along x of the original run",
				},
				cli.IntFlag{
					Name:  "ny",
					Usage: "Grid extent along y of the original run",
				},
			},
			Action: runMigrate,
		},
	}

	app.Before = func(c *cli.Context) error {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		if c.GlobalBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runConvert(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("usage: trk2dict convert <tractogram> <output-dir>", 1)
	}

	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags override whatever the config file said.
	if c.IsSet("centroid") {
		cfg.Tractogram.DoIntersect = !c.Bool("centroid")
	}
	if c.IsSet("shift") {
		s := c.Float64("shift")
		cfg.Tractogram.FiberShift = [3]float64{s, s, s}
	}
	if c.IsSet("skip") {
		cfg.Tractogram.PointsToSkip = c.Int("skip")
	}
	if c.IsSet("min-seg-len") {
		cfg.Tractogram.MinSegLen = c.Float64("min-seg-len")
	}
	if c.IsSet("vf-thr") {
		cfg.Peaks.VfTHR = c.Float64("vf-thr")
	}
	if c.IsSet("blur-radii") {
		radii, err := parseFloats(c.String("blur-radii"))
		if err != nil {
			return fmt.Errorf("invalid blur-radii: %w", err)
		}
		cfg.Blur.Radii = radii
	}
	if c.IsSet("blur-samples") {
		samples, err := parseInts(c.String("blur-samples"))
		if err != nil {
			return fmt.Errorf("invalid blur-samples: %w", err)
		}
		cfg.Blur.Samples = samples
	}
	if c.IsSet("blur-sigma") {
		cfg.Blur.Sigma = c.Float64("blur-sigma")
	}
	if c.IsSet("ndirs") {
		cfg.Atlas.Ndirs = c.Int("ndirs")
	}
	if c.IsSet("workers") {
		cfg.Processing.NumWorkers = c.Int("workers")
	}
	if c.IsSet("filtered-fibers") {
		cfg.Tractogram.GenFilteredStreamlines = c.Bool("filtered-fibers")
	}
	cfg.Processing.Verbose = c.GlobalBool("verbose")

	conv := conversion.NewConverter(&conversion.Params{
		TractogramPath: c.Args().Get(0),
		OutputDir:      c.Args().Get(1),
		ReferencePath:  c.String("reference"),
		MaskPath:       c.String("mask"),
		PeaksPath:      c.String("peaks"),
		Config:         cfg,
		Progress:       true,
	})
	if err := conv.Run(); err != nil {
		return err
	}

	sum := conv.Summary()
	fmt.Printf("\nConversion completed in %.2f seconds\n", sum.Elapsed.Seconds())
	fmt.Printf("  Streamlines:      %d (%d kept)\n", sum.Streamlines, sum.KeptStreamlines)
	fmt.Printf("  Segments:         %d\n", sum.Segments)
	fmt.Printf("  IC contributions: %d\n", sum.ICContributions)
	fmt.Printf("  EC contributions: %d\n", sum.ECContributions)
	fmt.Printf("  Output:           %s\n", c.Args().Get(1))
	return nil
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func runMigrate(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("usage: trk2dict migrate <dictionary-dir> --nx N --ny N", 1)
	}
	if !c.IsSet("nx") || !c.IsSet("ny") {
		return cli.NewExitError("the original grid extent is required: --nx N --ny N", 1)
	}
	return dictionary.Migrate(c.Args().Get(0), c.Int("nx"), c.Int("ny"))
}
