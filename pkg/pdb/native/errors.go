package native

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/jtang613/nativepdb/pkg/pdb"
)

var (
	// ErrMalformedContainer reports an image that is not a structurally
	// valid PDB.
	ErrMalformedContainer = pdb.ErrMalformedContainer
	// ErrVersionUnsupported reports a stream version the decoder rejects.
	ErrVersionUnsupported = pdb.ErrVersionUnsupported
	// ErrCompanionNotFound is returned by OpenExecutable when no matching
	// PDB can be located.
	ErrCompanionNotFound = errors.New("companion PDB not found")
	// ErrNotFound is returned by single-result queries with no match.
	ErrNotFound = errors.New("not found")
)

// OpenError describes a failed session construction.
type OpenError struct {
	Op   string
	Path string // empty for in-memory images
	Kind error  // one of the Err* sentinels
	Err  error
}

func (e *OpenError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Is matches the error kind, so errors.Is(err, ErrCompanionNotFound) holds
// even when Err carries the individual candidate failures.
func (e *OpenError) Is(target error) bool {
	return target == e.Kind
}

// isContainerError reports whether err came from decoding the PDB rather
// than from reading it.
func isContainerError(err error) bool {
	return errors.Is(err, ErrMalformedContainer) || errors.Is(err, ErrVersionUnsupported)
}

// openError classifies a container decode failure.
func openError(op, path string, err error) error {
	kind := ErrMalformedContainer
	if errors.Is(err, ErrVersionUnsupported) {
		kind = ErrVersionUnsupported
	}
	return &OpenError{Op: op, Path: path, Kind: kind, Err: err}
}
