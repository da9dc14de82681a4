// Package enginetest provides an in-memory engine.Factory. Offers and answers
// are real text descriptions, and applying an answer links the two instances
// directly: data channels open on both sides and messages are delivered
// in-process.
package enginetest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kw-m/webrtc-direct/pkg/engine"
	webrtc "github.com/pion/webrtc/v3"
)

var ErrClosed = errors.New("enginetest: peer connection closed")

// Network is an engine.Factory whose peer connections can find each other.
type Network struct {
	mu     sync.Mutex
	nextID int
	peers  map[string]*PeerConnection

	// FailNewPeerConnection, when set, is returned by NewPeerConnection.
	FailNewPeerConnection error
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*PeerConnection)}
}

func (n *Network) NewPeerConnection() (engine.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailNewPeerConnection != nil {
		return nil, n.FailNewPeerConnection
	}
	n.nextID++
	pc := &PeerConnection{id: fmt.Sprintf("pc%d", n.nextID), net: n, state: webrtc.PeerConnectionStateNew}
	n.peers[pc.id] = pc
	return pc, nil
}

// PeerConnections returns every instance created so far, in creation order.
func (n *Network) PeerConnections() []*PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*PeerConnection, 0, len(n.peers))
	for i := 1; i <= n.nextID; i++ {
		if pc, ok := n.peers[fmt.Sprintf("pc%d", i)]; ok {
			out = append(out, pc)
		}
	}
	return out
}

func (n *Network) lookup(id string) *PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

type PeerConnection struct {
	id  string
	net *Network

	mu       sync.Mutex
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	channels []*DataChannel
	tracks   []webrtc.TrackLocal
	state    webrtc.PeerConnectionState
	peer     *PeerConnection
	closed   bool

	onDataChannel func(engine.DataChannel)
	onTrack       func(engine.RemoteTrack)
	onState       func(webrtc.PeerConnectionState)
}

func (pc *PeerConnection) ID() string {
	return pc.id
}

func (pc *PeerConnection) State() webrtc.PeerConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *PeerConnection) Tracks() []webrtc.TrackLocal {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), pc.tracks...)
}

func (pc *PeerConnection) describe(kind webrtc.SDPType) webrtc.SessionDescription {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %s 0 IN IP4 127.0.0.1\r\ns=-\r\n", pc.id)
	fmt.Fprintf(&b, "a=fake-peer:%s\r\n", pc.id)
	for _, ch := range pc.channels {
		fmt.Fprintf(&b, "a=fake-channel:%s\r\n", ch.label)
	}
	for _, t := range pc.tracks {
		fmt.Fprintf(&b, "a=fake-track:%s %s %s\r\n", t.ID(), t.StreamID(), t.Kind().String())
	}
	return webrtc.SessionDescription{Type: kind, SDP: b.String()}
}

func (pc *PeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return pc.describe(webrtc.SDPTypeOffer), nil
}

func (pc *PeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if pc.remote == nil || pc.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("enginetest: CreateAnswer without a remote offer")
	}
	return pc.describe(webrtc.SDPTypeAnswer), nil
}

func (pc *PeerConnection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrClosed
	}
	pc.local = &desc
	return nil
}

func (pc *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.local
}

// SetRemoteDescription stores desc. An answer produced by another instance of
// the same Network links the two and connects them in the background.
func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrClosed
	}
	if desc.Type == webrtc.SDPTypeAnswer && (pc.local == nil || pc.local.Type != webrtc.SDPTypeOffer) {
		pc.mu.Unlock()
		return errors.New("enginetest: answer applied without a local offer")
	}
	pc.remote = &desc
	pc.mu.Unlock()

	if desc.Type == webrtc.SDPTypeAnswer {
		if callee := pc.net.lookup(peerID(desc.SDP)); callee != nil && callee != pc {
			go pc.link(callee)
		}
	}
	return nil
}

func (pc *PeerConnection) AddTrack(track webrtc.TrackLocal) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrClosed
	}
	pc.tracks = append(pc.tracks, track)
	return nil
}

func (pc *PeerConnection) CreateDataChannel(label string) (engine.DataChannel, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return nil, ErrClosed
	}
	ch := newDataChannel(label)
	pc.channels = append(pc.channels, ch)
	return ch, nil
}

func (pc *PeerConnection) OnDataChannel(f func(engine.DataChannel)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onDataChannel = f
}

func (pc *PeerConnection) OnTrack(f func(engine.RemoteTrack)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = f
}

func (pc *PeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onState = f
}

// Close closes pc and its channels. A linked peer sees its channels close
// and its state move to disconnected.
func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	channels := append([]*DataChannel(nil), pc.channels...)
	peer := pc.peer
	pc.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	pc.setState(webrtc.PeerConnectionStateClosed)
	if peer != nil {
		peer.setState(webrtc.PeerConnectionStateDisconnected)
	}
	return nil
}

// Fail simulates the transport failing, as an ICE timeout would.
func (pc *PeerConnection) Fail() {
	pc.setState(webrtc.PeerConnectionStateFailed)
}

func (pc *PeerConnection) setState(state webrtc.PeerConnectionState) {
	pc.mu.Lock()
	if pc.state == state || pc.state == webrtc.PeerConnectionStateClosed {
		pc.mu.Unlock()
		return
	}
	pc.state = state
	f := pc.onState
	pc.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (pc *PeerConnection) link(callee *PeerConnection) {
	pc.mu.Lock()
	pc.peer = callee
	callerChannels := append([]*DataChannel(nil), pc.channels...)
	callerTracks := append([]webrtc.TrackLocal(nil), pc.tracks...)
	pc.mu.Unlock()

	callee.mu.Lock()
	callee.peer = pc
	calleeTracks := append([]webrtc.TrackLocal(nil), callee.tracks...)
	callee.mu.Unlock()

	pc.setState(webrtc.PeerConnectionStateConnected)
	callee.setState(webrtc.PeerConnectionStateConnected)

	for _, t := range callerTracks {
		callee.fireTrack(t)
	}
	for _, t := range calleeTracks {
		pc.fireTrack(t)
	}

	for _, ch := range callerChannels {
		mirror := newDataChannel(ch.label)
		ch.setPeer(mirror)
		mirror.setPeer(ch)

		callee.mu.Lock()
		callee.channels = append(callee.channels, mirror)
		f := callee.onDataChannel
		callee.mu.Unlock()
		if f != nil {
			f(mirror)
		}
		mirror.open()
		ch.open()
	}
}

func (pc *PeerConnection) fireTrack(t webrtc.TrackLocal) {
	pc.mu.Lock()
	f := pc.onTrack
	pc.mu.Unlock()
	if f != nil {
		f(&RemoteTrack{id: t.ID(), streamID: t.StreamID(), kind: t.Kind()})
	}
}

func peerID(sdp string) string {
	scanner := bufio.NewScanner(strings.NewReader(sdp))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "a=fake-peer:") {
			return strings.TrimPrefix(line, "a=fake-peer:")
		}
	}
	return ""
}

type RemoteTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return t.streamID }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
