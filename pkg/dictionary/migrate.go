package dictionary

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"trk2dict/pkg/errs"
)

// Migrate rewrites a dictionary directory from the legacy split-field
// layout (separate vx/vy/vz voxel streams and ox/oy orientation streams)
// into the current merged layout, then removes the legacy files. It works
// purely on the on-disk byte layout; nx and ny are needed to compute the
// flattened voxel encoding x + nx*(y + ny*z).
//
// The operation is a one-shot transform: it fails with a not-found error
// when the legacy files are absent, which also makes a second invocation
// on an already migrated directory fail instead of corrupting it.
func Migrate(dir string, nx, ny int) error {
	if nx <= 0 || ny <= 0 {
		return errs.Configf("grid extent must be positive, got nx=%d ny=%d", nx, ny)
	}

	// Load every legacy stream up front so a half-missing directory
	// fails before anything is written.
	icx, err := readLegacy(dir, legacyICVoxel[0], 2)
	if err != nil {
		return err
	}
	icy, err := readLegacy(dir, legacyICVoxel[1], 2)
	if err != nil {
		return err
	}
	icz, err := readLegacy(dir, legacyICVoxel[2], 2)
	if err != nil {
		return err
	}
	icox, err := readLegacy(dir, legacyICDir[0], 1)
	if err != nil {
		return err
	}
	icoy, err := readLegacy(dir, legacyICDir[1], 1)
	if err != nil {
		return err
	}
	ecx, err := readLegacy(dir, legacyECVoxel[0], 1)
	if err != nil {
		return err
	}
	ecy, err := readLegacy(dir, legacyECVoxel[1], 1)
	if err != nil {
		return err
	}
	ecz, err := readLegacy(dir, legacyECVoxel[2], 1)
	if err != nil {
		return err
	}
	ecox, err := readLegacy(dir, legacyECDir[0], 1)
	if err != nil {
		return err
	}
	ecoy, err := readLegacy(dir, legacyECDir[1], 1)
	if err != nil {
		return err
	}

	if len(icx) != len(icy) || len(icx) != len(icz) || len(icx) != len(icox) || len(icx) != len(icoy) {
		return fmt.Errorf("legacy IC streams have inconsistent lengths")
	}
	if len(ecx) != len(ecy) || len(ecx) != len(ecz) || len(ecx) != len(ecox) || len(ecx) != len(ecoy) {
		return fmt.Errorf("legacy EC streams have inconsistent lengths")
	}

	icv := make([]uint32, len(icx))
	ico := make([]uint16, len(icx))
	for i := range icx {
		icv[i] = icx[i] + uint32(nx)*(icy[i]+uint32(ny)*icz[i])
		ico[i] = uint16(icoy[i] + DirBins*icox[i])
	}
	ecv := make([]uint32, len(ecx))
	eco := make([]uint16, len(ecx))
	for i := range ecx {
		ecv[i] = ecx[i] + uint32(nx)*(ecy[i]+uint32(ny)*ecz[i])
		eco[i] = uint16(ecoy[i] + DirBins*ecox[i])
	}

	if err := writeUint32s(filepath.Join(dir, FileICVoxel), icv); err != nil {
		return err
	}
	if err := writeUint16s(filepath.Join(dir, FileICDir), ico); err != nil {
		return err
	}
	if err := writeUint32s(filepath.Join(dir, FileECVoxel), ecv); err != nil {
		return err
	}
	if err := writeUint16s(filepath.Join(dir, FileECDir), eco); err != nil {
		return err
	}

	// Merged files are in place; drop the legacy layout.
	for _, name := range append(append(legacyICVoxel[:], legacyICDir[:]...),
		append(legacyECVoxel[:], legacyECDir[:]...)...) {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("error removing legacy file %s: %w", name, err)
		}
	}

	log.WithFields(log.Fields{
		"dir": dir,
		"ic":  len(icv),
		"ec":  len(ecv),
	}).Info("dictionary migrated to merged layout")
	return nil
}

// readLegacy loads one legacy stream of 1- or 2-byte unsigned values as
// uint32s.
func readLegacy(dir, name string, width int) ([]uint32, error) {
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("legacy dictionary file", path)
		}
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	if len(raw)%width != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of %d", path, len(raw), width)
	}

	out := make([]uint32, len(raw)/width)
	switch width {
	case 1:
		for i, b := range raw {
			out[i] = uint32(b)
		}
	case 2:
		for i := range out {
			out[i] = uint32(raw[2*i]) | uint32(raw[2*i+1])<<8
		}
	}
	return out, nil
}
