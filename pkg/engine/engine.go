// Package engine is the narrow view of a peer-connection engine that the
// negotiation code drives: descriptions in, descriptions out, plus the
// channel, track and state events. The pion adapter in this package is the
// real implementation; enginetest has an in-memory one.
package engine

import (
	"context"

	webrtc "github.com/pion/webrtc/v3"
)

// DataChannel is satisfied by *webrtc.DataChannel.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	OnOpen(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
	Close() error
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

type PeerConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	// SetLocalDescription returns once the description is complete enough to
	// send, that is after candidate gathering finished or timed out.
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(f func(DataChannel))
	OnTrack(f func(RemoteTrack))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Factory creates one engine instance per peer session.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
