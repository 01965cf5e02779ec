package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransientRemote marks a failed remote listing call.
	ErrTransientRemote = errors.New("transient remote error")
	// ErrStoreBusy marks local store contention.
	ErrStoreBusy = errors.New("store busy")
	// ErrMalformedInput marks an invalid bucket/prefix argument.
	ErrMalformedInput = errors.New("malformed input")
	// ErrShutdownRequested is returned when work stops because of
	// cancellation. Callers treat it as a normal early exit.
	ErrShutdownRequested = errors.New("shutdown requested")
	// ErrRetriesExhausted is matched by every retry exhaustion error.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrNotFound is returned for unknown folders.
	ErrNotFound = errors.New("not found")
	// ErrTargetMismatch is returned when resuming a store that holds the
	// crawl of another bucket/prefix.
	ErrTargetMismatch = fmt.Errorf("%w: store holds a crawl of another target", ErrMalformedInput)
)

// FatalError stops the crawl; it wraps the component that failed and the
// underlying cause.
type FatalError struct {
	Component string
	Err       error
}

// Error implements error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Component, e.Err)
}

// Unwrap exposes the cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError unless it already is one.
func Fatal(component string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Component: component, Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsShutdown reports whether err is a cancellation rather than a failure.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdownRequested) || errors.Is(err, context.Canceled)
}
