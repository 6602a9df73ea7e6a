// Package failure defines the error taxonomy shared by the supervisor, the API
// client, the event channel, and the job state machine.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for display and state handling.
type Kind string

// Supported failure kinds.
const (
	ProcessNotFound      Kind = "PROCESS_NOT_FOUND"
	PortDiscoveryTimeout Kind = "PORT_DISCOVERY_TIMEOUT"
	HealthCheckTimeout   Kind = "HEALTH_CHECK_TIMEOUT"
	RequestFailure       Kind = "REQUEST_FAILURE"
	NetworkFailure       Kind = "NETWORK_FAILURE"
	ChannelError         Kind = "CHANNEL_ERROR"
	ChannelClosed        Kind = "CHANNEL_CLOSED"
	JobError             Kind = "JOB_ERROR"
	Unknown              Kind = "UNKNOWN"
)

// Kinded is implemented by errors that carry a Kind.
type Kinded interface {
	Kind() Kind
}

// KindOf returns the Kind of the first error in err's chain that carries one,
// or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Unknown
}

// Error is a generic Kind-carrying error used where no richer type exists.
type Error struct {
	kind   Kind
	Reason string
	Err    error
}

// New builds an Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{kind: kind, Reason: reason}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{kind: kind, Reason: reason, Err: cause}
}

// Kind implements Kinded.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Reason)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}
