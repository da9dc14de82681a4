package signal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoSignalingAvailable = errors.New("no signaling relay available")
	ErrIdentityTaken        = errors.New("identity already registered")
	ErrNotConnected         = errors.New("not connected to a signaling relay")
)

// ConnectionError is returned by Connect when no candidate relay could be used.
// Attempts holds the failure for each candidate, in the order they were tried.
type ConnectionError struct {
	Attempts []AttemptError
}

type AttemptError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrNoSignalingAvailable.Error() + ": no candidates given"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.URL+": "+a.Err.Error())
	}
	return ErrNoSignalingAvailable.Error() + " (" + strings.Join(parts, "; ") + ")"
}

func (e *ConnectionError) Unwrap() error {
	return ErrNoSignalingAvailable
}

// IdentityTakenError means the relay already holds a live registration for Identity.
type IdentityTakenError struct {
	Identity string
	URL      string
}

func (e *IdentityTakenError) Error() string {
	return fmt.Sprintf("%s: %q on %s", ErrIdentityTaken.Error(), e.Identity, e.URL)
}

func (e *IdentityTakenError) Unwrap() error {
	return ErrIdentityTaken
}

// RelayError is an error envelope the relay sent about something other than registration.
type RelayError struct {
	Code    ErrorCode
	Subject string
	Message string
}

func (e *RelayError) Error() string {
	msg := fmt.Sprintf("relay error %s", e.Code)
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
