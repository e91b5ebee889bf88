package backend

import (
	"errors"
	"fmt"

	"github.com/samcharles93/hetmoe/internal/staging"
)

var (
	// ErrNotLoaded is matched by every NotLoadedError.
	ErrNotLoaded = errors.New("backend: not loaded")
	// ErrMissingTensor is matched by every MissingTensorError.
	ErrMissingTensor = errors.New("backend: missing tensor")
)

// UnsupportedBackendError reports a variant name absent from the table.
type UnsupportedBackendError struct {
	Name string
	Kind string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("backend: unsupported %s backend %q", e.Kind, e.Name)
}

// NotLoadedError reports a forward issued before load.
type NotLoadedError struct {
	Variant Variant
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("backend: %s forward called before load", e.Variant)
}

func (e *NotLoadedError) Is(target error) bool { return target == ErrNotLoaded }

// MissingTensorError reports a required key absent from the store.
type MissingTensorError struct {
	Key string
	Err error
}

func (e *MissingTensorError) Error() string {
	return fmt.Sprintf("backend: missing tensor %q", e.Key)
}

func (e *MissingTensorError) Is(target error) bool { return target == ErrMissingTensor }
func (e *MissingTensorError) Unwrap() error        { return e.Err }

// IncompatibleError is the non-fatal result of TryInitialize: the variant
// cannot run here without forcing a conversion.
type IncompatibleError struct {
	Variant Variant
	Reason  string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("backend: %s unavailable: %s", e.Variant, e.Reason)
}

// CapacityError reports a chunk larger than the staging capacity.
type CapacityError = staging.CapacityError
