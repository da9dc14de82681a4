package negotiation

import (
	"errors"
	"fmt"

	"github.com/kw-m/webrtc-direct/pkg/signal"
)

var (
	ErrSessionExists  = errors.New("a session with this peer already exists")
	ErrUnknownSession = errors.New("no session with this peer")
	ErrSelfCall       = errors.New("cannot call our own identity")
	ErrClosed         = errors.New("negotiator closed")
	// ErrPeerUnavailable ends a call whose target the relay does not know.
	ErrPeerUnavailable = errors.New("peer not registered on the relay")
)

// ProtocolViolation is an offer or answer that arrived in a state that does not accept it.
type ProtocolViolation struct {
	Remote string
	Kind   signal.SignalKind
	State  State
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s from %q while session is %s", e.Kind, e.Remote, e.State)
}
