// Package storeerrors defines the error kinds shared across the engine,
// per the propagation policy: not-found and conflict are ordinary API
// results, invalid-snapshot/invalid-table are misuse errors, and
// out-of-memory is fatal to the in-progress operation but not the
// process.
package storeerrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("tellstore: not found")
	ErrConflict        = errors.New("tellstore: conflict")
	ErrInvalidSnapshot = errors.New("tellstore: invalid snapshot")
	ErrInvalidTable    = errors.New("tellstore: invalid table")
	ErrOutOfMemory     = errors.New("tellstore: out of memory")
	ErrServerOverload  = errors.New("tellstore: server overload")
	ErrUnknownRequest  = errors.New("tellstore: unknown request")
)

// Wrap attaches context to one of the sentinel kinds above without losing
// errors.Is-ability, mirroring the wrapping style maho/kvrows and
// maho/engine use for their own fmt.Errorf("%w", ...) chains.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Annotate is used where a deeper cause (an I/O error out of bbolt,
// say) needs a stack trace preserved alongside one of the kinds above,
// so a caller further up can both errors.Is(err, kind) and
// pkgerrors.Cause(err) back to the original fault; it uses pkg/errors
// the way Revolution1-sidb's db.go does for its own error chains.
func Annotate(cause error, kind error, message string) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, pkgerrors.Wrap(cause, message))
}
