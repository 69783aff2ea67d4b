package dhcp6

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage means option framing is broken. The whole
	// message must be dropped; no option in it may be applied.
	ErrMalformedMessage = errors.New("dhcp6: malformed message")

	// ErrProtocolMismatch means the message is well formed but does not
	// belong to the current exchange (transaction ID, type, Client-ID or
	// Server-ID differ).
	ErrProtocolMismatch = errors.New("dhcp6: protocol mismatch")

	// ErrStatusFailure means a server signaled a non-success Status Code.
	ErrStatusFailure = errors.New("dhcp6: status failure")
)

// StatusError carries the server-signaled status. It matches
// ErrStatusFailure under errors.Is.
type StatusError struct {
	Code    StatusCode
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dhcp6: status %s", e.Code)
	}
	return fmt.Sprintf("dhcp6: status %s: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrStatusFailure
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolMismatch, fmt.Sprintf(format, args...))
}
