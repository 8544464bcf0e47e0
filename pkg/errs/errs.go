// Package errs defines the error taxonomy shared by the conversion
// pipeline: configuration errors, missing-input errors and geometry
// overflow errors. All of them are detected and raised before any
// expensive work starts and are never retried.
package errs

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid configuration value (unsupported ndirs,
// mismatched blur lists, out-of-range thresholds, malformed fiber shift,
// unsupported file extension).
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Msg
}

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// NotFoundError reports a missing required input: the tractogram itself,
// a reference volume, or the legacy dictionary files during migration.
type NotFoundError struct {
	Path string
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Path)
}

// NotFound builds a NotFoundError for a named input.
func NotFound(what, path string) error {
	return &NotFoundError{What: what, Path: path}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// OverflowError reports a voxel grid whose extent does not fit the 16-bit
// voxel index encoding used by the dictionary files.
type OverflowError struct {
	Axis   string
	Extent int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("grid extent overflows 16-bit voxel encoding: n%s = %d", e.Axis, e.Extent)
}

// Overflow builds an OverflowError for one grid axis.
func Overflow(axis string, extent int) error {
	return &OverflowError{Axis: axis, Extent: extent}
}

// IsOverflow reports whether err is (or wraps) an OverflowError.
func IsOverflow(err error) bool {
	var oe *OverflowError
	return errors.As(err, &oe)
}
