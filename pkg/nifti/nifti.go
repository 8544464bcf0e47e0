// Package nifti reads and writes NIfTI-1 volumes (.nii and .nii.gz).
// It supports the common scalar datatypes, both byte orders on read, the
// sform affine, and intensity scaling. The field layout follows the
// official nifti1.h definition.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"trk2dict/pkg/errs"
)

// NIfTI-1 datatype codes for the types this package handles.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
)

const (
	headerSize = 348
	voxOffset  = 352
)

// header is the on-disk NIfTI-1 header (348 bytes).
type header struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DBNameUnused   [18]byte
	ExtentsUnused  int32
	SessionUnused  int16
	RegularUnused  byte
	DimInfo        byte

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GlMaxUnused   int32
	GlMinUnused   int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// Volume is a loaded NIfTI volume with its grid geometry. Voxel data is
// held as float64 regardless of the on-disk datatype, with the scl slope
// and intercept already applied.
type Volume struct {
	// Nx, Ny, Nz are the grid extents; Nt is the length of the fourth
	// dimension (1 for plain 3D volumes, 3*Np for peaks volumes).
	Nx, Ny, Nz, Nt int

	// Pixdim is the voxel size in mm along x, y, z.
	Pixdim [3]float64

	// Affine maps voxel indices to world mm coordinates (sform when
	// present, otherwise a pixdim scaling).
	Affine [4][4]float64

	// HasAffine reports whether the file carried an sform.
	HasAffine bool

	// Data holds the voxel values in x-fastest order:
	// Data[x + Nx*(y + Ny*(z + Nz*t))].
	Data []float64
}

// At returns the value at a voxel of a 3D volume (t = 0).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[x+v.Nx*(y+v.Ny*z)]
}

// At4 returns the value at a voxel of a 4D volume.
func (v *Volume) At4(x, y, z, t int) float64 {
	return v.Data[x+v.Nx*(y+v.Ny*(z+v.Nz*t))]
}

// Read loads a .nii or .nii.gz volume from disk.
func Read(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("volume", path)
		}
		return nil, fmt.Errorf("error opening volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = f

	// Sniff the gzip magic rather than trusting the extension.
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error decompressing %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return decode(raw, path)
}

func decode(raw []byte, path string) (*Volume, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%s: truncated NIfTI header (%d bytes)", path, len(raw))
	}

	var hdr header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return nil, err
	}
	// Infer byte order from dim[0], which must be in [1,7].
	if hdr.Dim[0] <= 0 || hdr.Dim[0] > 7 {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
			return nil, err
		}
	}
	if hdr.Dim[0] <= 0 || hdr.Dim[0] > 7 {
		return nil, fmt.Errorf("%s: cannot infer byte order from dim[0]", path)
	}
	if hdr.SizeOfHdr != headerSize {
		return nil, fmt.Errorf("%s: invalid NIfTI header size %d", path, hdr.SizeOfHdr)
	}

	v := &Volume{
		Nx: int(hdr.Dim[1]),
		Ny: int(hdr.Dim[2]),
		Nz: int(hdr.Dim[3]),
		Nt: 1,
	}
	if hdr.Dim[0] >= 4 && hdr.Dim[4] > 1 {
		v.Nt = int(hdr.Dim[4])
	}
	for i := 0; i < 3; i++ {
		v.Pixdim[i] = float64(hdr.PixDim[i+1])
	}

	if hdr.SFormCode > 0 {
		v.HasAffine = true
		rows := [3][4]float32{hdr.SRowX, hdr.SRowY, hdr.SRowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				v.Affine[i][j] = float64(rows[i][j])
			}
		}
		v.Affine[3] = [4]float64{0, 0, 0, 1}
	} else {
		for i := 0; i < 3; i++ {
			v.Affine[i][i] = v.Pixdim[i]
		}
		v.Affine[3][3] = 1
	}

	nvox := v.Nx * v.Ny * v.Nz * v.Nt
	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = voxOffset
	}

	bpv := int(hdr.BitPix) / 8
	need := offset + nvox*bpv
	if len(raw) < need {
		return nil, fmt.Errorf("%s: truncated voxel data (%d bytes, need %d)", path, len(raw), need)
	}
	data := raw[offset : offset+nvox*bpv]

	v.Data = make([]float64, nvox)
	switch hdr.DataType {
	case DTUint8:
		for i := range v.Data {
			v.Data[i] = float64(data[i])
		}
	case DTInt8:
		for i := range v.Data {
			v.Data[i] = float64(int8(data[i]))
		}
	case DTInt16:
		for i := range v.Data {
			v.Data[i] = float64(int16(order.Uint16(data[2*i:])))
		}
	case DTUint16:
		for i := range v.Data {
			v.Data[i] = float64(order.Uint16(data[2*i:]))
		}
	case DTInt32:
		for i := range v.Data {
			v.Data[i] = float64(int32(order.Uint32(data[4*i:])))
		}
	case DTFloat32:
		for i := range v.Data {
			v.Data[i] = float64(math.Float32frombits(order.Uint32(data[4*i:])))
		}
	case DTFloat64:
		for i := range v.Data {
			v.Data[i] = math.Float64frombits(order.Uint64(data[8*i:]))
		}
	default:
		return nil, fmt.Errorf("%s: unsupported NIfTI datatype %d", path, hdr.DataType)
	}

	// Apply intensity scaling when present.
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		slope := float64(hdr.SclSlope)
		inter := float64(hdr.SclInter)
		for i := range v.Data {
			v.Data[i] = v.Data[i]*slope + inter
		}
	}

	return v, nil
}

// WriteFloat32 writes data as a float32 3D volume sharing the given affine
// and voxel size. The file is gzip-compressed when the path ends in .gz.
func WriteFloat32(path string, data []float32, nx, ny, nz int, pixdim [3]float64, affine [4][4]float64) error {
	buf := make([]byte, 4*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return write(path, buf, DTFloat32, 32, nx, ny, nz, pixdim, affine)
}

// WriteUint8 writes data as an unsigned 8-bit 3D volume (binary masks).
func WriteUint8(path string, data []uint8, nx, ny, nz int, pixdim [3]float64, affine [4][4]float64) error {
	return write(path, data, DTUint8, 8, nx, ny, nz, pixdim, affine)
}

func write(path string, voxels []byte, datatype, bitpix, nx, ny, nz int, pixdim [3]float64, affine [4][4]float64) error {
	if len(voxels)*8 != nx*ny*nz*bitpix {
		return fmt.Errorf("voxel data size mismatch: %d bytes for %dx%dx%d grid", len(voxels), nx, ny, nz)
	}

	hdr := header{
		SizeOfHdr: headerSize,
		DataType:  int16(datatype),
		BitPix:    int16(bitpix),
		VoxOffset: voxOffset,
		SclSlope:  1,
		SFormCode: 1, // NIFTI_XFORM_SCANNER_ANAT
		QFormCode: 0,
		XYZTUnits: 2, // NIFTI_UNITS_MM
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	hdr.PixDim = [8]float32{1, float32(pixdim[0]), float32(pixdim[1]), float32(pixdim[2]), 0, 0, 0, 0}
	for j := 0; j < 4; j++ {
		hdr.SRowX[j] = float32(affine[0][j])
		hdr.SRowY[j] = float32(affine[1][j])
		hdr.SRowZ[j] = float32(affine[2][j])
	}
	copy(hdr.Descrip[:], "trk2dict")

	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// Pad the 4-byte extension flag up to vox_offset.
	body.Write(make([]byte, voxOffset-headerSize))
	body.Write(voxels)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	// Staging writers create the file under a .tmp suffix and rename it
	// afterwards; compression follows the final name.
	var w io.Writer = f
	var gz *gzip.Writer
	if filepath.Ext(strings.TrimSuffix(path, ".tmp")) == ".gz" {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("error compressing %s: %w", path, err)
		}
	}
	return f.Close()
}
