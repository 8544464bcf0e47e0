package tractogram

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"trk2dict/pkg/errs"
)

// ReadTCK loads an MRtrix tractogram. Points are kept in the file's world
// mm coordinates; the caller must supply grid geometry from a reference
// volume since .tck headers carry none.
func ReadTCK(path string) (*Tractogram, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("tractogram", path)
		}
		return nil, fmt.Errorf("error opening tractogram: %w", err)
	}

	offset, datatype, err := parseTCKHeader(raw, path)
	if err != nil {
		return nil, err
	}
	if datatype != "Float32LE" {
		return nil, fmt.Errorf("%s: unsupported tck datatype %q", path, datatype)
	}
	if offset < 0 || offset > len(raw) {
		return nil, fmt.Errorf("%s: tck data offset %d out of range", path, offset)
	}

	t := &Tractogram{Format: FormatTCK}
	body := raw[offset:]
	if len(body)%12 != 0 {
		return nil, fmt.Errorf("%s: tck data is not a whole number of point triplets", path)
	}

	var current []r3.Vec
	for i := 0; i+12 <= len(body); i += 12 {
		x := math.Float32frombits(binary.LittleEndian.Uint32(body[i:]))
		y := math.Float32frombits(binary.LittleEndian.Uint32(body[i+4:]))
		z := math.Float32frombits(binary.LittleEndian.Uint32(body[i+8:]))

		switch {
		case isInf32(x) && isInf32(y) && isInf32(z):
			// End-of-file sentinel.
			if len(current) > 0 {
				t.Streamlines = append(t.Streamlines, current)
			}
			return t, nil
		case isNaN32(x) && isNaN32(y) && isNaN32(z):
			// End-of-streamline sentinel.
			if len(current) > 0 {
				t.Streamlines = append(t.Streamlines, current)
				current = nil
			}
		default:
			current = append(current, r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})
		}
	}

	return nil, fmt.Errorf("%s: tck stream is missing its end-of-file sentinel", path)
}

// parseTCKHeader scans the text header up to the END keyword and returns
// the binary data offset and datatype.
func parseTCKHeader(raw []byte, path string) (offset int, datatype string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "mrtrix tracks" {
		return 0, "", fmt.Errorf("%s: not an MRtrix track file (bad magic)", path)
	}

	offset = -1
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "END" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "file":
			// "file: . <offset>" points into this same file.
			fields := strings.Fields(value)
			if len(fields) != 2 || fields[0] != "." {
				return 0, "", fmt.Errorf("%s: unsupported tck file field %q", path, value)
			}
			offset, err = strconv.Atoi(fields[1])
			if err != nil {
				return 0, "", fmt.Errorf("%s: bad tck data offset %q", path, fields[1])
			}
		case "datatype":
			datatype = value
		}
	}
	if offset < 0 {
		return 0, "", fmt.Errorf("%s: tck header has no file field", path)
	}
	return offset, datatype, nil
}

// filterTCK writes a fresh .tck file at dst containing only the marked
// streamlines from src.
func filterTCK(src, dst string, kept []bool) error {
	t, err := ReadTCK(src)
	if err != nil {
		return err
	}

	var filtered [][]r3.Vec
	for i, s := range t.Streamlines {
		if i < len(kept) && kept[i] {
			filtered = append(filtered, s)
		}
	}
	return WriteTCK(dst, filtered)
}

// WriteTCK writes streamlines as a Float32LE MRtrix track file.
func WriteTCK(path string, streamlines [][]r3.Vec) error {
	var hdr strings.Builder
	hdr.WriteString("mrtrix tracks\n")
	hdr.WriteString("datatype: Float32LE\n")
	fmt.Fprintf(&hdr, "count: %d\n", len(streamlines))

	// The file field encodes the header length including itself, so the
	// offset has to be fixed-width to stay self-consistent.
	probe := hdr.Len() + len("file: . \nEND\n")
	width := len(strconv.Itoa(probe + 10))
	offset := probe + width
	fmt.Fprintf(&hdr, "file: . %*d\nEND\n", width, offset)

	buf := make([]byte, 0, offset)
	buf = append(buf, hdr.String()...)

	var scratch [12]byte
	put := func(x, y, z float32) {
		binary.LittleEndian.PutUint32(scratch[0:], math.Float32bits(x))
		binary.LittleEndian.PutUint32(scratch[4:], math.Float32bits(y))
		binary.LittleEndian.PutUint32(scratch[8:], math.Float32bits(z))
		buf = append(buf, scratch[:]...)
	}

	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, pts := range streamlines {
		for _, p := range pts {
			put(float32(p.X), float32(p.Y), float32(p.Z))
		}
		put(nan, nan, nan)
	}
	put(inf, inf, inf)

	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

func isNaN32(f float32) bool { return f != f }

func isInf32(f float32) bool {
	return f > math.MaxFloat32 || f < -math.MaxFloat32
}
