package dictionary

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"trk2dict/pkg/errs"
)

// Streams holds the raw merged-layout streams of a dictionary directory,
// as consumed by the downstream operator builder.
type Streams struct {
	ICVoxel []uint32
	ICDir   []uint16
	ICLen   []float32
	ECVoxel []uint32
	ECDir   []uint16
	Kept    []bool
}

// Load reads the merged-layout streams from a dictionary directory.
func Load(dir string) (*Streams, error) {
	s := &Streams{}
	var err error

	if s.ICVoxel, err = readUint32s(filepath.Join(dir, FileICVoxel)); err != nil {
		return nil, err
	}
	if s.ICDir, err = readUint16s(filepath.Join(dir, FileICDir)); err != nil {
		return nil, err
	}
	if s.ICLen, err = readFloat32s(filepath.Join(dir, FileICLen)); err != nil {
		return nil, err
	}
	if s.ECVoxel, err = readUint32s(filepath.Join(dir, FileECVoxel)); err != nil {
		return nil, err
	}
	if s.ECDir, err = readUint16s(filepath.Join(dir, FileECDir)); err != nil {
		return nil, err
	}

	kept, err := readBytes(filepath.Join(dir, FileKept))
	if err != nil {
		return nil, err
	}
	s.Kept = make([]bool, len(kept))
	for i, b := range kept {
		s.Kept[i] = b != 0
	}

	if len(s.ICVoxel) != len(s.ICDir) || len(s.ICVoxel) != len(s.ICLen) {
		return nil, fmt.Errorf("%s: IC streams have inconsistent lengths", dir)
	}
	if len(s.ECVoxel) != len(s.ECDir) {
		return nil, fmt.Errorf("%s: EC streams have inconsistent lengths", dir)
	}
	return s, nil
}

func readBytes(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("dictionary file", path)
		}
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return raw, nil
}

func readUint32s(path string) ([]uint32, error) {
	raw, err := readBytes(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", path, len(raw))
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out, nil
}

func readUint16s(path string) ([]uint16, error) {
	raw, err := readBytes(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 2", path, len(raw))
	}
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return out, nil
}

func readFloat32s(path string) ([]float32, error) {
	vals, err := readUint32s(path)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = math.Float32frombits(v)
	}
	return out, nil
}
