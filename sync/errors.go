package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrorKind classifies failures reported by a reconciliation pass.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindIO             ErrorKind = "io_error"
	KindPermission     ErrorKind = "permission_denied"
	KindPartialFailure ErrorKind = "partial_failure"
)

// Sentinel errors, one per kind. Use errors.Is to test a returned error.
var (
	ErrNotFound       = errors.New("not found")
	ErrIO             = errors.New("i/o error")
	ErrPermission     = errors.New("permission denied")
	ErrPartialFailure = errors.New("partial failure")
)

// PathError records a failed filesystem operation on a single path.
type PathError struct {
	Op   string
	Path string
	Kind ErrorKind
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *PathError) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == ErrNotFound
	case KindPermission:
		return target == ErrPermission
	case KindIO:
		return target == ErrIO
	}
	return false
}

// pathErr wraps err as a *PathError. Permission failures keep their kind;
// everything else on a specific path is an I/O error.
func pathErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	// Keep only the cause so the path is named once.
	var fe *fs.PathError
	var le *os.LinkError
	switch {
	case errors.As(err, &fe):
		err = fe.Err
	case errors.As(err, &le):
		err = le.Err
	}
	kind := KindIO
	if errors.Is(err, fs.ErrPermission) {
		kind = KindPermission
	}
	return &PathError{Op: op, Path: path, Kind: kind, Err: err}
}

// KindOf returns the kind of err, or "" if it carries none.
func KindOf(err error) ErrorKind {
	var pe *PathError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPartialFailure):
		return KindPartialFailure
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermission):
		return KindPermission
	}
	return KindIO
}

// partialFailure joins per-path errors under ErrPartialFailure.
func partialFailure(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d path(s) failed: %w", ErrPartialFailure, len(errs), errors.Join(errs...))
}
