package negotiation

import (
	"sync"

	"github.com/kw-m/webrtc-direct/pkg/engine"
	"github.com/kw-m/webrtc-direct/pkg/media"
	webrtc "github.com/pion/webrtc/v3"
)

// Session is the negotiation state for one remote identity.
type Session struct {
	remote string
	role   Role
	pc     engine.PeerConnection

	// opMu is held for a whole transition, so a half applied offer or answer
	// is never visible through State.
	opMu     sync.Mutex
	state    State
	local    *webrtc.SessionDescription
	remoteSD *webrtc.SessionDescription
	pending  []transition

	mu           sync.Mutex
	dataChannel  engine.DataChannel
	remoteStream *media.RemoteStream
}

type transition struct {
	from, to State
}

func newSession(remote string, role Role, pc engine.PeerConnection) *Session {
	return &Session{remote: remote, role: role, pc: pc, state: Idle}
}

func (s *Session) Remote() string {
	return s.remote
}

func (s *Session) Role() Role {
	return s.role
}

// State waits for any transition in progress to finish.
func (s *Session) State() State {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.state
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.local
}

func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.remoteSD
}

func (s *Session) PeerConnection() engine.PeerConnection {
	return s.pc
}

// DataChannel returns the session's data channel, nil when there is none yet.
func (s *Session) DataChannel() engine.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataChannel
}

// RemoteStream returns the tracks received from the peer, nil before the first one.
func (s *Session) RemoteStream() *media.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStream
}

// setState must be called with opMu held.
func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	s.pending = append(s.pending, transition{from: s.state, to: to})
	s.state = to
}

// unlock releases opMu and returns the transitions made while it was held.
func (s *Session) unlock() []transition {
	done := s.pending
	s.pending = nil
	s.opMu.Unlock()
	return done
}

func (s *Session) setDataChannel(dc engine.DataChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataChannel != nil {
		return false
	}
	s.dataChannel = dc
	return true
}

func (s *Session) addRemoteTrack(track engine.RemoteTrack) *media.RemoteStream {
	s.mu.Lock()
	if s.remoteStream == nil {
		s.remoteStream = media.NewRemoteStream(s.remote)
	}
	stream := s.remoteStream
	s.mu.Unlock()
	stream.AddTrack(track)
	return stream
}
