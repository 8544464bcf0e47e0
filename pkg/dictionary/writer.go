package dictionary

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"trk2dict/pkg/nifti"
)

// Write serializes a dictionary into outDir. Every file is staged under a
// temporary name and renamed only after all of them have been written, so
// a failed run never leaves a directory that looks like a complete
// dictionary.
func Write(outDir string, d *Dictionary) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	staged := make([]string, 0, 9)
	fail := func(err error) error {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
		return err
	}
	stage := func(name string, write func(path string) error) error {
		tmp := filepath.Join(outDir, name+".tmp")
		if err := write(tmp); err != nil {
			return fail(err)
		}
		staged = append(staged, tmp)
		return nil
	}

	icv := make([]uint32, len(d.IC))
	ico := make([]uint16, len(d.IC))
	iclen := make([]float32, len(d.IC))
	for i, c := range d.IC {
		icv[i] = c.Voxel
		ico[i] = c.Dir
		iclen[i] = c.Weight
	}
	ecv := make([]uint32, len(d.EC))
	eco := make([]uint16, len(d.EC))
	for i, c := range d.EC {
		ecv[i] = c.Voxel
		eco[i] = c.Dir
	}

	if err := stage(FileICVoxel, func(p string) error { return writeUint32s(p, icv) }); err != nil {
		return err
	}
	if err := stage(FileICDir, func(p string) error { return writeUint16s(p, ico) }); err != nil {
		return err
	}
	if err := stage(FileICLen, func(p string) error { return writeFloat32s(p, iclen) }); err != nil {
		return err
	}
	if err := stage(FileECVoxel, func(p string) error { return writeUint32s(p, ecv) }); err != nil {
		return err
	}
	if err := stage(FileECDir, func(p string) error { return writeUint16s(p, eco) }); err != nil {
		return err
	}
	if err := stage(FileKept, func(p string) error { return writeBools(p, d.Kept) }); err != nil {
		return err
	}

	geo := d.Geo
	if err := stage(FileTDI, func(p string) error {
		return nifti.WriteFloat32(p, d.TDI, geo.Nx, geo.Ny, geo.Nz, geo.Pixdim, geo.Affine)
	}); err != nil {
		return err
	}
	if err := stage(FileMask, func(p string) error {
		return nifti.WriteUint8(p, d.Mask, geo.Nx, geo.Ny, geo.Nz, geo.Pixdim, geo.Affine)
	}); err != nil {
		return err
	}
	if err := stage(FileInfo, func(p string) error {
		data, err := yaml.Marshal(&d.Info)
		if err != nil {
			return fmt.Errorf("error marshaling info record: %w", err)
		}
		return os.WriteFile(p, data, 0644)
	}); err != nil {
		return err
	}

	// Full pass succeeded; materialize the final files.
	var total uint64
	for _, tmp := range staged {
		final := tmp[:len(tmp)-len(".tmp")]
		if err := os.Rename(tmp, final); err != nil {
			return fail(fmt.Errorf("error finalizing %s: %w", final, err))
		}
		if fi, err := os.Stat(final); err == nil {
			total += uint64(fi.Size())
		}
	}

	log.WithFields(log.Fields{
		"dir":  outDir,
		"ic":   len(d.IC),
		"ec":   len(d.EC),
		"size": humanize.Bytes(total),
	}).Info("dictionary written")
	return nil
}

func writeUint32s(path string, vals []uint32) error {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return writeFile(path, buf)
}

func writeUint16s(path string, vals []uint16) error {
	buf := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return writeFile(path, buf)
}

func writeFloat32s(path string, vals []float32) error {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return writeFile(path, buf)
}

func writeBools(path string, vals []bool) error {
	buf := make([]byte, len(vals))
	for i, v := range vals {
		if v {
			buf[i] = 1
		}
	}
	return writeFile(path, buf)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}
