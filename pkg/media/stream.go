package media

import (
	"context"
	"errors"
	"sync"

	"github.com/kw-m/webrtc-direct/pkg/engine"
	webrtc "github.com/pion/webrtc/v3"
)

// ErrNoCaptureDevices is returned by Unavailable.
var ErrNoCaptureDevices = errors.New("no capture devices configured")

// MediaAccessError means local capture was denied or no device could be opened.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return "media access: " + e.Err.Error()
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// Capturer produces the local stream attached to media calls.
type Capturer interface {
	Capture(ctx context.Context) (*LocalStream, error)
}

type CapturerFunc func(ctx context.Context) (*LocalStream, error)

func (f CapturerFunc) Capture(ctx context.Context) (*LocalStream, error) {
	return f(ctx)
}

// Unavailable is the capturer used when none was configured.
var Unavailable Capturer = CapturerFunc(func(ctx context.Context) (*LocalStream, error) {
	return nil, &MediaAccessError{Err: ErrNoCaptureDevices}
})

// LocalStream is a set of captured tracks, ready to be added to peer connections.
type LocalStream struct {
	ID     string
	Tracks []webrtc.TrackLocal

	closeOnce sync.Once
}

func NewLocalStream(id string, tracks ...webrtc.TrackLocal) *LocalStream {
	return &LocalStream{ID: id, Tracks: tracks}
}

// Close stops every track that can be stopped (capture device tracks can).
func (s *LocalStream) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, t := range s.Tracks {
			if closer, ok := t.(interface{ Close() error }); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}

// RemoteStream collects the tracks a remote peer sends us.
type RemoteStream struct {
	Peer string

	mu     sync.Mutex
	tracks []engine.RemoteTrack
}

func NewRemoteStream(peer string) *RemoteStream {
	return &RemoteStream{Peer: peer}
}

func (s *RemoteStream) AddTrack(t engine.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []engine.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}
