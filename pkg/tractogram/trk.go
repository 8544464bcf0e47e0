package tractogram

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/pkg/errs"
)

// trkHeaderSize is the fixed TrackVis header size in bytes.
const trkHeaderSize = 1000

// trkHeader is the on-disk TrackVis header, little-endian.
type trkHeader struct {
	IDString                [6]byte
	Dim                     [3]int16
	VoxelSize               [3]float32
	Origin                  [3]float32
	NScalars                int16
	ScalarNames             [10][20]byte
	NProperties             int16
	PropertyNames           [10][20]byte
	VoxToRAS                [4][4]float32
	Reserved                [444]byte
	VoxelOrder              [4]byte
	Pad2                    [4]byte
	ImageOrientationPatient [6]float32
	Pad1                    [2]byte
	InvertX                 byte
	InvertY                 byte
	InvertZ                 byte
	SwapXY                  byte
	SwapYZ                  byte
	SwapZX                  byte
	NCount                  int32
	Version                 int32
	HdrSize                 int32
}

// ReadTRK loads a TrackVis tractogram. Points are kept in the file's
// voxel-space mm coordinates.
func ReadTRK(path string) (*Tractogram, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("tractogram", path)
		}
		return nil, fmt.Errorf("error opening tractogram: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)

	var hdr trkHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%s: error reading trk header: %w", path, err)
	}
	if string(hdr.IDString[:5]) != "TRACK" {
		return nil, fmt.Errorf("%s: not a TrackVis file (bad magic)", path)
	}
	if hdr.HdrSize != trkHeaderSize {
		return nil, fmt.Errorf("%s: unsupported trk header size %d (big-endian files are not supported)", path, hdr.HdrSize)
	}

	t := &Tractogram{
		Format:      FormatTRK,
		NScalars:    int(hdr.NScalars),
		NProperties: int(hdr.NProperties),
	}
	for i := 0; i < 3; i++ {
		t.Dim[i] = int(hdr.Dim[i])
		t.VoxelSize[i] = float64(hdr.VoxelSize[i])
	}
	// Version 2 headers carry a vox-to-world matrix; all-zero means unset.
	if hdr.Version >= 2 && hdr.VoxToRAS[3][3] != 0 {
		t.HasVoxToRAS = true
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				t.VoxToRAS[i][j] = float64(hdr.VoxToRAS[i][j])
			}
		}
	}

	// n_count may legitimately be 0 (unknown); read until EOF then.
	expect := int(hdr.NCount)
	for expect == 0 || len(t.Streamlines) < expect {
		var npts int32
		err := binary.Read(r, binary.LittleEndian, &npts)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: error reading streamline %d: %w", path, len(t.Streamlines), err)
		}
		if npts < 0 {
			return nil, fmt.Errorf("%s: negative point count in streamline %d", path, len(t.Streamlines))
		}

		vals := make([]float32, int(npts)*(3+t.NScalars)+t.NProperties)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, fmt.Errorf("%s: truncated streamline %d: %w", path, len(t.Streamlines), err)
		}

		pts := make([]r3.Vec, npts)
		stride := 3 + t.NScalars
		for i := range pts {
			pts[i] = r3.Vec{
				X: float64(vals[i*stride]),
				Y: float64(vals[i*stride+1]),
				Z: float64(vals[i*stride+2]),
			}
		}
		t.Streamlines = append(t.Streamlines, pts)
	}

	if expect != 0 && len(t.Streamlines) != expect {
		return nil, fmt.Errorf("%s: header promises %d streamlines, file has %d", path, expect, len(t.Streamlines))
	}
	return t, nil
}

// WriteTRK writes a minimal version-2 TrackVis file. Used by tests and by
// the tck filtered-copy path; real filtered trk copies go through
// filterTRK, which preserves the source header verbatim.
func WriteTRK(path string, streamlines [][]r3.Vec, dim [3]int, voxelSize [3]float64) error {
	var hdr trkHeader
	copy(hdr.IDString[:], "TRACK")
	for i := 0; i < 3; i++ {
		hdr.Dim[i] = int16(dim[i])
		hdr.VoxelSize[i] = float32(voxelSize[i])
	}
	copy(hdr.VoxelOrder[:], "LPS")
	hdr.NCount = int32(len(streamlines))
	hdr.Version = 2
	hdr.HdrSize = trkHeaderSize
	for i := 0; i < 3; i++ {
		hdr.VoxToRAS[i][i] = float32(voxelSize[i])
	}
	hdr.VoxToRAS[3][3] = 1

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	for _, pts := range streamlines {
		if err := binary.Write(w, binary.LittleEndian, int32(len(pts))); err != nil {
			return err
		}
		for _, p := range pts {
			coords := [3]float32{float32(p.X), float32(p.Y), float32(p.Z)}
			if err := binary.Write(w, binary.LittleEndian, coords); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// filterTRK copies the trk file at src to dst keeping only the marked
// streamlines. The header is preserved byte for byte apart from n_count,
// and scalars/properties ride along untouched.
func filterTRK(src, dst string, kept []bool) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("tractogram", src)
		}
		return fmt.Errorf("error reading %s: %w", src, err)
	}
	if len(raw) < trkHeaderSize {
		return fmt.Errorf("%s: truncated trk header", src)
	}

	nScalars := int(int16(binary.LittleEndian.Uint16(raw[36:])))
	nProperties := int(int16(binary.LittleEndian.Uint16(raw[238:])))

	out := make([]byte, trkHeaderSize, len(raw))
	copy(out, raw[:trkHeaderSize])

	nKept := 0
	off := trkHeaderSize
	for i := 0; off < len(raw); i++ {
		if off+4 > len(raw) {
			return fmt.Errorf("%s: truncated streamline %d", src, i)
		}
		npts := int(int32(binary.LittleEndian.Uint32(raw[off:])))
		if npts < 0 {
			return fmt.Errorf("%s: negative point count in streamline %d", src, i)
		}
		size := 4 + 4*(npts*(3+nScalars)+nProperties)
		if off+size > len(raw) {
			return fmt.Errorf("%s: truncated streamline %d", src, i)
		}
		if i < len(kept) && kept[i] {
			out = append(out, raw[off:off+size]...)
			nKept++
		}
		off += size
	}

	binary.LittleEndian.PutUint32(out[988:], uint32(nKept))
	if err := os.WriteFile(dst, out, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", dst, err)
	}
	return nil
}

// trkPointLength returns the total polyline length in mm, used by tests.
func trkPointLength(pts []r3.Vec) float64 {
	total := 0.0
	for i := 1; i < len(pts); i++ {
		total += r3.Norm(r3.Sub(pts[i], pts[i-1]))
	}
	if math.IsNaN(total) {
		return 0
	}
	return total
}
