// Package tractogram reads streamline files in the two supported formats,
// TrackVis .trk and MRtrix .tck, and regenerates filtered copies driven by
// the per-streamline kept mask of a conversion run.
//
// The .trk header embeds the voxel grid geometry; .tck files carry world
// coordinates only, so a reference volume must supply the grid.
package tractogram

import (
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/pkg/errs"
)

// Format identifies a streamline file format.
type Format int

const (
	// FormatTRK is TrackVis .trk: binary header with embedded geometry,
	// points stored in voxel-space mm.
	FormatTRK Format = iota

	// FormatTCK is MRtrix .tck: text header without grid geometry,
	// points stored in world (scanner) mm.
	FormatTCK
)

func (f Format) String() string {
	if f == FormatTCK {
		return "tck"
	}
	return "trk"
}

// Tractogram is a fully loaded streamline file.
type Tractogram struct {
	// Format records which reader produced this tractogram.
	Format Format

	// Streamlines holds one ordered point sequence per fiber, in the
	// file's native coordinate space.
	Streamlines [][]r3.Vec

	// Dim and VoxelSize carry the grid geometry embedded in a .trk
	// header. Both are zero for .tck files.
	Dim       [3]int
	VoxelSize [3]float64

	// VoxToRAS is the voxel-to-world affine from the .trk header when
	// present (version 2 headers with a valid matrix).
	VoxToRAS    [4][4]float64
	HasVoxToRAS bool

	// NScalars and NProperties describe the extra per-point and
	// per-streamline values a .trk file may carry. They are preserved
	// when regenerating a filtered file but not interpreted here.
	NScalars    int
	NProperties int
}

// Count returns the number of streamlines.
func (t *Tractogram) Count() int {
	return len(t.Streamlines)
}

// Read loads a streamline file, dispatching on the extension. Unsupported
// extensions are a configuration error, a missing file a not-found error.
func Read(path string) (*Tractogram, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".trk":
		return ReadTRK(path)
	case ".tck":
		return ReadTCK(path)
	default:
		return nil, errs.Configf("unsupported tractogram extension %q (expected .trk or .tck)", filepath.Ext(path))
	}
}

// WriteFiltered writes a copy of the tractogram at src containing only the
// streamlines marked true in kept, preserving per-point scalars and
// per-streamline properties where the format has them.
func WriteFiltered(src, dst string, kept []bool) error {
	switch strings.ToLower(filepath.Ext(src)) {
	case ".trk":
		return filterTRK(src, dst, kept)
	case ".tck":
		return filterTCK(src, dst, kept)
	default:
		return errs.Configf("unsupported tractogram extension %q (expected .trk or .tck)", filepath.Ext(src))
	}
}
