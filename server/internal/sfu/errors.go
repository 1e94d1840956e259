package sfu

import (
	"context"
	"errors"
)

// Error taxonomy. Use errors.Is to classify.
var (
	// ErrNotFound: the transport, producer, consumer or room was already torn down.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState: the operation is not valid for the resource's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnsupported: codec or capability mismatch.
	ErrUnsupported = errors.New("unsupported")
	// ErrResourceExhausted: no worker can take another routing context.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTimeout: the media engine did not complete in time.
	ErrTimeout = errors.New("timeout")
)

// timeoutError matches both ErrTimeout and the underlying context error.
type timeoutError struct {
	op    string
	cause error
}

func (e *timeoutError) Error() string {
	return e.op + ": " + ErrTimeout.Error() + ": " + e.cause.Error()
}

func (e *timeoutError) Is(target error) bool { return target == ErrTimeout }
func (e *timeoutError) Unwrap() error        { return e.cause }

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
