// Package errdefs defines the error taxonomy used across the export
// pipeline. Configuration and storage errors are fatal; shape and
// integrity errors are recoverable and end up as structured data in the
// exported documents rather than aborting a run.
package errdefs

import (
	"errors"
	"fmt"
)

// ConfigurationError reports invalid construction parameters or an
// invalid selection. It is fatal and raised immediately.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

func Configuration(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ShapeError describes a single malformed capture. It is never returned
// from the recorder; it is stringified and accumulated so the run can
// continue with that capture dropped.
type ShapeError struct {
	Step    int
	LayerID string
	Msg     string
}

func (e *ShapeError) Error() string {
	if e.LayerID == "" {
		return fmt.Sprintf("step=%d %s", e.Step, e.Msg)
	}
	return fmt.Sprintf("step=%d layer=%s %s", e.Step, e.LayerID, e.Msg)
}

// IntegrityError reports a post-export mismatch between declared
// metadata and bytes on disk. Non-fatal by default.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string {
	return "integrity error: " + e.Msg
}

func Integrity(format string, args ...interface{}) error {
	return &IntegrityError{Msg: fmt.Sprintf(format, args...)}
}

func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// StorageError wraps a filesystem failure during export. A partial
// dataset is unusable, so these are fatal.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func Storage(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
