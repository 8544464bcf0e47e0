package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Segment is a maximal sub-portion of a streamline lying within a single
// voxel. Segments are produced by the segment generator either by splitting
// a point pair at every voxel-boundary crossing (intersection mode) or by
// collapsing the pair onto its midpoint voxel (centroid mode).
type Segment struct {
	// Voxel is the owning voxel index.
	Voxel Voxel

	// Dir is the unit direction of the originating point pair.
	Dir r3.Vec

	// Weight is the length-weighted contribution of this segment in mm.
	Weight float64

	// Streamline is the index of the source streamline, shared by all
	// segments of the same streamline for later filtering.
	Streamline int

	// Midpoint is the segment midpoint in voxel-space mm, kept so that
	// blur copies can be re-assigned to the voxel of their translated
	// position.
	Midpoint r3.Vec
}

// BlurCopy is a Segment duplicated at a radial offset perpendicular to its
// direction. The radius-0 copy is the original segment with damping 1.
type BlurCopy struct {
	// Voxel is the voxel containing the translated copy.
	Voxel Voxel

	// Dir is the unit direction, unchanged from the base segment.
	Dir r3.Vec

	// Weight is the base segment weight multiplied by the Gaussian
	// damping exp(-r^2 / (2*sigma^2)).
	Weight float64

	// Streamline is the source streamline index of the base segment.
	Streamline int

	// Blurred reports whether this copy sits at a nonzero radius.
	// Only unblurred copies contribute to the track-density image.
	Blurred bool
}

// Voxel is a 3D voxel index inside the grid.
type Voxel struct {
	X, Y, Z int
}

// ICContribution is one entry of the intracellular compartment: the summed
// fiber-segment mass landing in a voxel along a quantized direction.
type ICContribution struct {
	// Voxel is the flattened voxel index, x + Nx*(y + Ny*z).
	Voxel uint32

	// Dir is the direction-atlas index.
	Dir uint16

	// Weight is the accumulated length-weighted mass in mm.
	Weight float32
}

// ECContribution is one entry of the extracellular compartment: a peak
// orientation present in a voxel, independent of any streamline.
type ECContribution struct {
	// Voxel is the flattened voxel index, x + Nx*(y + Ny*z).
	Voxel uint32

	// Dir is the direction-atlas index.
	Dir uint16
}
