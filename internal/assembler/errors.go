package assembler

import (
	"context"
	"errors"
)

// Error kinds for the pipeline taxonomy. Stage failures are tagged with one
// of these so the worker can decide between rescheduling and terminal
// failure without inspecting stage internals.
var (
	// ErrValidation is non-retryable: the request can never succeed.
	ErrValidation = errors.New("validation error")

	// ErrDataFetch covers upstream unavailability while capturing the bundle.
	ErrDataFetch = errors.New("data fetch error")

	// ErrRender covers template and encoding failures.
	ErrRender = errors.New("render error")

	// ErrStorage covers artifact persistence failures.
	ErrStorage = errors.New("storage error")

	// ErrCapacity covers queue or storage backends being unavailable.
	ErrCapacity = errors.New("capacity error")
)

// taggedError pairs a taxonomy kind with the underlying cause so both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
type taggedError struct {
	kind  error
	cause error
}

func (e *taggedError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *taggedError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func tag(kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &taggedError{kind: kind, cause: cause}
}

// NewValidationError tags a cause as non-retryable.
func NewValidationError(cause error) error { return tag(ErrValidation, cause) }

// NewDataFetchError tags a cause as an upstream fetch failure.
func NewDataFetchError(cause error) error { return tag(ErrDataFetch, cause) }

// NewRenderError tags a cause as a rendering failure.
func NewRenderError(cause error) error { return tag(ErrRender, cause) }

// NewStorageError tags a cause as a persistence failure.
func NewStorageError(cause error) error { return tag(ErrStorage, cause) }

// NewCapacityError tags a cause as backend unavailability.
func NewCapacityError(cause error) error { return tag(ErrCapacity, cause) }

// Retryable reports whether a failed attempt should be rescheduled.
// Validation failures can never succeed and fail the job immediately;
// everything else, including cancellation-by-timeout, is retried up to the
// attempt ceiling.
func Retryable(err error) bool {
	if errors.Is(err, ErrValidation) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		// An explicit cancel is terminal, not a transient failure.
		return false
	}
	return true
}
