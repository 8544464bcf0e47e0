// Package dictionary defines the on-disk sparse dictionary format: flat
// little-endian streams for the IC and EC compartments, auxiliary NIfTI
// maps, a YAML metadata record, and the migration from the legacy
// split-field layout to the current merged one.
package dictionary

import (
	"trk2dict/internal/models"
	"trk2dict/pkg/config"
	"trk2dict/pkg/geometry"
)

// Current layout file names.
const (
	FileICVoxel = "dictionary_IC_v.dict"   // uint32 flattened voxel indices
	FileICDir   = "dictionary_IC_o.dict"   // uint16 direction indices
	FileICLen   = "dictionary_IC_len.dict" // float32 weights
	FileECVoxel = "dictionary_EC_v.dict"   // uint32 flattened voxel indices
	FileECDir   = "dictionary_EC_o.dict"   // uint16 direction indices
	FileKept    = "dictionary_TRK_kept.dict"
	FileTDI     = "dictionary_tdi.nii.gz"
	FileMask    = "dictionary_mask.nii.gz"
	FileInfo    = "dictionary_info.yaml"
)

// Legacy split-field layout file names (migration input only).
var (
	legacyICVoxel = [3]string{"dictionary_IC_vx.dict", "dictionary_IC_vy.dict", "dictionary_IC_vz.dict"}
	legacyICDir   = [2]string{"dictionary_IC_ox.dict", "dictionary_IC_oy.dict"}
	legacyECVoxel = [3]string{"dictionary_EC_vx.dict", "dictionary_EC_vy.dict", "dictionary_EC_vz.dict"}
	legacyECDir   = [2]string{"dictionary_EC_ox.dict", "dictionary_EC_oy.dict"}
)

// DirBins is the number of quantization bins per direction axis in the
// merged direction encoding o = oy + DirBins*ox.
const DirBins = 181

// Dictionary is the complete output of one conversion run, handed to
// Write after the accumulation pass succeeds. It is never mutated after
// the writer finishes.
type Dictionary struct {
	// Geo is the resolved grid geometry shared by all outputs.
	Geo *geometry.Geometry

	// IC and EC are the accumulated compartment contributions.
	IC []models.ICContribution
	EC []models.ECContribution

	// TDI is the track-density image, one value per voxel.
	TDI []float32

	// Mask marks the voxels retained by the run, either the supplied
	// mask or the voxels with nonzero track density.
	Mask []uint8

	// Kept marks, per input streamline, whether any segment survived.
	Kept []bool

	// Info is the metadata record persisted next to the dictionary.
	Info Info
}

// Info captures every parameter used to produce a dictionary. It exists
// for reproducibility and debugging, not to reconstruct the dictionary.
type Info struct {
	Tractogram  string         `yaml:"tractogram"`
	Format      string         `yaml:"format"`
	Streamlines int            `yaml:"streamlines"`
	Kept        int            `yaml:"keptStreamlines"`
	Dim         [3]int         `yaml:"dim"`
	Pixdim      [3]float64     `yaml:"pixdim"`
	ICCount     int            `yaml:"icContributions"`
	ECCount     int            `yaml:"ecContributions"`
	MaskVolume  string         `yaml:"maskVolume,omitempty"`
	PeaksVolume string         `yaml:"peaksVolume,omitempty"`
	Config      *config.Config `yaml:"config"`
}
