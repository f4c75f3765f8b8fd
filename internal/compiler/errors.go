package compiler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument marks a request that can never compile as given,
	// such as static quantization without sample data.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidModel marks a source graph the backend parser rejected.
	ErrInvalidModel = errors.New("invalid model")

	// ErrUnsupported is returned by backend configuration calls the installed
	// backend version does not provide. Callers log it and carry on.
	ErrUnsupported = errors.New("not supported by this backend version")
)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// InvalidModelError carries the parser diagnostics for a rejected graph file.
type InvalidModelError struct {
	Path        string
	Diagnostics []string
}

func (e *InvalidModelError) Error() string {
	msg := fmt.Sprintf("errors occurred while processing the model file at %s", e.Path)
	if len(e.Diagnostics) > 0 {
		msg += ": " + strings.Join(e.Diagnostics, "; ")
	}
	return msg
}

func (e *InvalidModelError) Is(target error) bool { return target == ErrInvalidModel }

// BackendError wraps any failure raised by a compiler toolchain. kiln does
// not retry these: the same inputs fail the same way.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err) }

func (e *BackendError) Unwrap() error { return e.Err }

// backendCall runs one toolchain call, converting a panic into a BackendError
// and wrapping plain errors.
func backendCall[T any](op string, fn func() (T, error)) (out T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			out = zero
			if recErr, ok := rec.(error); ok {
				err = &BackendError{Op: op, Err: fmt.Errorf("panic: %w", recErr)}
				return
			}
			err = &BackendError{Op: op, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	out, err = fn()
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) || errors.Is(err, ErrUnsupported) {
			return out, err
		}
		return out, &BackendError{Op: op, Err: err}
	}
	return out, nil
}

// backendDo is backendCall for calls without a result.
func backendDo(op string, fn func() error) error {
	_, err := backendCall(op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
