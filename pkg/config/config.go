// Package config provides configuration loading and management for trk2dict.
// It handles loading the conversion options from YAML files, provides default
// values and validates every option before the conversion starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"trk2dict/pkg/errs"
)

// FiberShift is a per-axis coordinate shift expressed in voxel-size units.
// In YAML it may be given either as a single scalar applied to all three
// axes or as a list of three independent values.
type FiberShift [3]float64

// UnmarshalYAML accepts both the scalar and the 3-vector form.
func (s *FiberShift) UnmarshalYAML(value *yaml.Node) error {
	var scalar float64
	if err := value.Decode(&scalar); err == nil {
		*s = FiberShift{scalar, scalar, scalar}
		return nil
	}

	var vec []float64
	if err := value.Decode(&vec); err != nil {
		return errs.Configf("fiberShift must be a scalar or a list of 3 values")
	}
	if len(vec) != 3 {
		return errs.Configf("fiberShift must have exactly 3 components, got %d", len(vec))
	}
	copy(s[:], vec)
	return nil
}

// SupportedNdirs lists the accepted direction-atlas sizes: 500 to 10000 in
// steps of 500, plus the full 181x181 angular grid.
var SupportedNdirs = buildSupportedNdirs()

func buildSupportedNdirs() []int {
	var out []int
	for n := 500; n <= 10000; n += 500 {
		out = append(out, n)
	}
	return append(out, 32761)
}

// Config represents the conversion options loaded from YAML
type Config struct {
	// Tractogram parameters
	Tractogram struct {
		// DoIntersect selects intersection mode: segments are split at
		// every voxel-boundary crossing. When false each point pair is
		// collapsed onto its midpoint voxel (centroid mode).
		DoIntersect bool `yaml:"doIntersect"`

		// FiberShift is the coordinate shift applied to every streamline
		// point, in voxel-size units.
		FiberShift FiberShift `yaml:"fiberShift"`

		// PointsToSkip is the number of points discarded at each end of
		// every streamline (tracking-algorithm artifacts).
		PointsToSkip int `yaml:"pointsToSkip"`

		// MinSegLen is the minimum retained sub-segment length in mm.
		MinSegLen float64 `yaml:"minSegLen"`

		// GenFilteredStreamlines writes a filtered copy of the input
		// tractogram containing only the streamlines kept by the mask.
		GenFilteredStreamlines bool `yaml:"genFilteredStreamlines"`
	} `yaml:"tractogram"`

	// Peaks parameters (extracellular compartment)
	Peaks struct {
		// VfTHR keeps only peaks whose magnitude is at least this
		// fraction of the voxel's strongest peak. Range [0,1].
		VfTHR float64 `yaml:"vfTHR"`

		// UseAffine rotates peak vectors by the peaks volume affine.
		UseAffine bool `yaml:"useAffine"`

		// Flip inverts the sign of individual peak axes.
		Flip [3]bool `yaml:"flip"`
	} `yaml:"peaks"`

	// Blur parameters
	Blur struct {
		// Radii is the ascending list of blur radii in mm. Radius 0 is
		// implicit; an empty list disables blurring.
		Radii []float64 `yaml:"radii"`

		// Samples is the number of ghost copies placed on each radius.
		// Must have the same length as Radii.
		Samples []int `yaml:"samples"`

		// Sigma is the Gaussian damping parameter: each copy at radius r
		// gets weight exp(-r^2/(2*sigma^2)).
		Sigma float64 `yaml:"sigma"`
	} `yaml:"blur"`

	// Atlas parameters
	Atlas struct {
		// Ndirs is the number of quantized half-sphere directions.
		// Only the values in SupportedNdirs are accepted.
		Ndirs int `yaml:"ndirs"`
	} `yaml:"atlas"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines voxelize streamlines
		// in parallel.
		NumWorkers int `yaml:"numWorkers"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"processing"`
}

// Default returns a configuration with default values
func Default() *Config {
	cfg := &Config{}

	cfg.Tractogram.DoIntersect = true
	cfg.Tractogram.FiberShift = FiberShift{0, 0, 0}
	cfg.Tractogram.PointsToSkip = 0
	cfg.Tractogram.MinSegLen = 1e-3
	cfg.Tractogram.GenFilteredStreamlines = false

	cfg.Peaks.VfTHR = 0.1
	cfg.Peaks.UseAffine = false

	cfg.Blur.Sigma = 0.0

	cfg.Atlas.Ndirs = 32761

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Verbose = true

	return cfg
}

// Load loads the configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// yaml.v3 flattens decode errors into a TypeError, so any typed error
	// raised during unmarshaling (malformed fiberShift) would lose its
	// identity here. A file that does not parse is an invalid
	// configuration either way.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Configf("error parsing config file %s: %v", configPath, err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file
func Save(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Validate checks every option against its allowed range. It is called
// before any file is opened so that bad configurations fail fast.
func (cfg *Config) Validate() error {
	ok := false
	for _, n := range SupportedNdirs {
		if cfg.Atlas.Ndirs == n {
			ok = true
			break
		}
	}
	if !ok {
		return errs.Configf("ndirs = %d is not supported (allowed: 500..10000 step 500, or 32761)", cfg.Atlas.Ndirs)
	}

	if cfg.Tractogram.PointsToSkip < 0 {
		return errs.Configf("pointsToSkip must be non-negative, got %d", cfg.Tractogram.PointsToSkip)
	}
	if cfg.Tractogram.MinSegLen < 0 {
		return errs.Configf("minSegLen must be non-negative, got %g", cfg.Tractogram.MinSegLen)
	}

	if cfg.Peaks.VfTHR < 0 || cfg.Peaks.VfTHR > 1 {
		return errs.Configf("vfTHR must be in [0,1], got %g", cfg.Peaks.VfTHR)
	}

	if len(cfg.Blur.Radii) != len(cfg.Blur.Samples) {
		return errs.Configf("blur radii (%d) and samples (%d) must have the same length",
			len(cfg.Blur.Radii), len(cfg.Blur.Samples))
	}
	for i, r := range cfg.Blur.Radii {
		if r <= 0 {
			return errs.Configf("blur radius #%d must be positive, got %g", i, r)
		}
		if i > 0 && r <= cfg.Blur.Radii[i-1] {
			return errs.Configf("blur radii must be strictly ascending")
		}
		if cfg.Blur.Samples[i] <= 0 {
			return errs.Configf("blur samples #%d must be positive, got %d", i, cfg.Blur.Samples[i])
		}
	}
	if len(cfg.Blur.Radii) > 0 && cfg.Blur.Sigma <= 0 {
		return errs.Configf("blur sigma must be positive when blur radii are set, got %g", cfg.Blur.Sigma)
	}

	if cfg.Processing.NumWorkers < 1 {
		return errs.Configf("numWorkers must be at least 1, got %d", cfg.Processing.NumWorkers)
	}

	return nil
}
