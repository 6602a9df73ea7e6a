package apiclient

import (
	"fmt"

	"github.com/JakeFAU/sketch-tutor/internal/failure"
)

// RequestError is a non-2xx response from the backend.
type RequestError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("HTTP %d %s %s", e.Status, e.Path, e.Body)
}

// Kind implements failure.Kinded.
func (e *RequestError) Kind() failure.Kind {
	return failure.RequestFailure
}

// NetworkError is a transport-level failure: the request never produced a
// response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

// Kind implements failure.Kinded.
func (e *NetworkError) Kind() failure.Kind {
	return failure.NetworkFailure
}

// Unwrap exposes the transport error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}
