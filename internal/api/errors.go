package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/history"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrBusy           = errors.New("compilation queue is full")
)

type invalidRequestError struct {
	msg string
	err error
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() []error {
	if e.err == nil {
		return []error{ErrInvalidRequest}
	}
	return []error{ErrInvalidRequest, e.err}
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func wrapInvalidRequest(err error) error {
	return invalidRequestError{msg: err.Error(), err: err}
}

// httpStatus maps a compilation error to its response code and error type.
func httpStatus(err error) (int, string) {
	var backendErr *compiler.BackendError
	switch {
	case errors.Is(err, ErrBusy):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, compiler.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, compiler.ErrInvalidModel):
		return http.StatusUnprocessableEntity, "invalid_model_error"
	case errors.As(err, &backendErr):
		return http.StatusBadGateway, "backend_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
