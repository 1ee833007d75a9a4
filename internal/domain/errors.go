package domain

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors shared across the engine. Callers match them with
// errors.Is; the concrete error always names the violated precondition.
var (
	// ErrNotFound indicates the referenced container, image, volume or
	// network does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation covers bad configs, name collisions and port conflicts.
	// Rejected before any resource allocation takes place.
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict means the operation is invalid for the container's
	// current state. Rejected with no side effects.
	ErrStateConflict = errors.New("state conflict")

	// ErrResourceUnavailable covers missing layers, unsupported isolation
	// domains and unsupported limits during Start. Triggers rollback of any
	// partial allocation made in that Start attempt.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrEngineFault is an internal inconsistency, e.g. the metadata store
	// is unreachable. The engine refuses further operations on the affected
	// container rather than guess.
	ErrEngineFault = errors.New("engine fault")

	// ErrLayerMissing means a referenced layer is absent from local storage.
	ErrLayerMissing = fmt.Errorf("%w: layer missing", ErrResourceUnavailable)

	// ErrAssemblyConflict means the writable layer could not be created or
	// the rootfs is already assembled for this container.
	ErrAssemblyConflict = fmt.Errorf("%w: assembly conflict", ErrResourceUnavailable)

	// ErrUnsupportedIsolation means the host cannot provide a requested
	// isolation domain.
	ErrUnsupportedIsolation = fmt.Errorf("%w: unsupported isolation", ErrResourceUnavailable)

	// ErrIsolationConflict means namespace sharing was requested with a
	// container that is not running.
	ErrIsolationConflict = fmt.Errorf("%w: isolation conflict", ErrResourceUnavailable)

	// ErrUsageUnavailable is returned by the resource governor when the
	// process is not running.
	ErrUsageUnavailable = errors.New("usage unavailable")
)

// StateConflictError names the exact precondition violated by an operation
// issued in the wrong state.
type StateConflictError struct {
	ID      string
	Current State
	Op      string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("container %s: cannot %s while %s", e.ID, e.Op, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// NotFoundError carries the kind and reference of the missing entity.
type NotFoundError struct {
	Kind string // "container", "image", "layer", "volume", "network"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError names the rejected field or resource.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// LayerMissingError names the layer digest absent from local storage.
type LayerMissingError struct {
	Digest digest.Digest
}

func (e *LayerMissingError) Error() string {
	return fmt.Sprintf("layer %s missing from local storage", e.Digest)
}

func (e *LayerMissingError) Unwrap() error { return ErrLayerMissing }
