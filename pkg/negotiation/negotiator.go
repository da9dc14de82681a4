// Package negotiation drives peer sessions through the offer/answer exchange.
//
// Each remote identity has at most one Session. A caller goes
// Idle -> OfferSent -> Connected, a callee goes
// Idle -> OfferReceived -> AnswerSent -> Connected, and either may end in
// Failed. Transitions of one session never interleave; sessions of different
// peers progress independently.
package negotiation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kw-m/webrtc-direct/pkg/codec"
	"github.com/kw-m/webrtc-direct/pkg/engine"
	"github.com/kw-m/webrtc-direct/pkg/media"
	"github.com/kw-m/webrtc-direct/pkg/signal"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// Signaler delivers an encoded description to a remote identity.
// *signal.Connector implements it.
type Signaler interface {
	Send(target string, kind signal.SignalKind, data string) error
}

// Hooks are optional. They run on engine or dispatch goroutines and must not
// block for long.
type Hooks struct {
	// OnDataChannel gets every session's data channel once: the caller's own
	// channel before the offer is sent, the callee's when the engine reports it.
	OnDataChannel func(remote string, dc engine.DataChannel)
	OnTrack       func(remote string, stream *media.RemoteStream, track engine.RemoteTrack)
	// OnStateChange runs after each transition has completed.
	OnStateChange func(remote string, from, to State)
	// OnSessionEnded runs once when a session is destroyed.
	OnSessionEnded func(remote string, reason error)
	// PrepareAnswer runs after an offer is applied and before the answer is
	// created, to attach local media. An error fails the session.
	PrepareAnswer func(ctx context.Context, remote string, pc engine.PeerConnection) error
}

type Options struct {
	Identity         string
	Factory          engine.Factory
	Signaler         Signaler
	Codec            *codec.Codec
	DataChannelLabel string
	Hooks            Hooks
	Log              *log.Entry
}

type CallOptions struct {
	// Tracks are added to the peer connection before the offer is made.
	Tracks []webrtc.TrackLocal
	// DataChannel forces a data channel. One is always created when there are no tracks.
	DataChannel bool
}

type Negotiator struct {
	identity string
	factory  engine.Factory
	signaler Signaler
	codec    *codec.Codec
	label    string
	hooks    Hooks
	log      *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	inboxes  map[string]*inbox
	closed   bool
	workers  sync.WaitGroup
}

func New(opts Options) *Negotiator {
	if opts.Codec == nil {
		opts.Codec = codec.New(true)
	}
	if opts.DataChannelLabel == "" {
		opts.DataChannelLabel = "chat"
	}
	logger := opts.Log
	if logger == nil {
		logger = log.WithField("prefix", "negotiation")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		identity: opts.Identity,
		factory:  opts.Factory,
		signaler: opts.Signaler,
		codec:    opts.Codec,
		label:    opts.DataChannelLabel,
		hooks:    opts.Hooks,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		inboxes:  make(map[string]*inbox),
	}
}

// Session returns the live session with remote, or nil.
func (n *Negotiator) Session(remote string) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[remote]
}

// Sessions returns the live sessions sorted by remote identity.
func (n *Negotiator) Sessions() []*Session {
	n.mu.Lock()
	sessions := maps.Values(n.sessions)
	n.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].remote < sessions[j].remote })
	return sessions
}

// Call starts a session with target as the caller and sends the offer.
// On error no session is left behind.
func (n *Negotiator) Call(ctx context.Context, target string, opts CallOptions) (*Session, error) {
	if target == n.identity {
		return nil, ErrSelfCall
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := n.sessions[target]; exists {
		n.mu.Unlock()
		return nil, ErrSessionExists
	}
	pc, err := n.factory.NewPeerConnection()
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	s := newSession(target, RoleCaller, pc)
	s.opMu.Lock()
	n.sessions[target] = s
	n.mu.Unlock()

	n.wireEngine(s)
	logger := n.log.WithFields(log.Fields{"peer": target, "role": s.role})

	if err := n.offer(ctx, s, opts); err != nil {
		s.unlock()
		n.destroy(s, err)
		logger.Warn("Call failed: ", err)
		return nil, err
	}
	s.setState(OfferSent)
	n.fire(s, s.unlock())
	logger.Info("Offer sent")
	return s, nil
}

// offer runs with s.opMu held.
func (n *Negotiator) offer(ctx context.Context, s *Session, opts CallOptions) error {
	for _, track := range opts.Tracks {
		if err := s.pc.AddTrack(track); err != nil {
			return fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
	}
	if opts.DataChannel || len(opts.Tracks) == 0 {
		dc, err := s.pc.CreateDataChannel(n.label)
		if err != nil {
			return fmt.Errorf("creating data channel: %w", err)
		}
		s.setDataChannel(dc)
		// handlers must be attached before the answer can open the channel
		if n.hooks.OnDataChannel != nil {
			n.hooks.OnDataChannel(s.remote, dc)
		}
	}

	offer, err := s.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	local, err := n.applyLocal(ctx, s, offer)
	if err != nil {
		return err
	}
	return n.send(s.remote, signal.KindOffer, local)
}

func (n *Negotiator) applyLocal(ctx context.Context, s *Session, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetLocalDescription(ctx, desc); err != nil {
		return desc, fmt.Errorf("setting local %s: %w", desc.Type, err)
	}
	// the engine's copy carries the gathered candidates
	if gathered := s.pc.LocalDescription(); gathered != nil {
		desc = *gathered
	}
	s.local = &desc
	return desc, nil
}

func (n *Negotiator) send(remote string, kind signal.SignalKind, desc webrtc.SessionDescription) error {
	payload, err := n.codec.Encode(desc)
	if err != nil {
		return err
	}
	if err := n.signaler.Send(remote, kind, payload); err != nil {
		return fmt.Errorf("signaling %s: %w", kind, err)
	}
	return nil
}

// HandleEnvelope applies one inbound envelope and returns once its transition
// (and any reply) is complete. Codec errors and protocol violations are
// logged and returned; they never change session state.
func (n *Negotiator) HandleEnvelope(env signal.Envelope) error {
	switch env.Action {
	case signal.ActionError:
		return n.handleRelayError(env)
	case signal.ActionReceive:
	default:
		return fmt.Errorf("unexpected %s envelope", env.Action)
	}

	logger := n.log.WithFields(log.Fields{"peer": env.From, "kind": env.Kind})
	desc, err := n.codec.Decode(env.Data)
	if err == nil && desc.Type.String() != string(env.Kind) {
		err = &codec.CodecError{Op: "decode", Err: fmt.Errorf("envelope kind %s carries a %s", env.Kind, desc.Type)}
	}
	if err != nil {
		logger.Warn("Dropping envelope: ", err)
		return err
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		err = n.handleOffer(env.From, desc)
	default:
		err = n.handleAnswer(env.From, desc)
	}
	if err != nil {
		logger.Warn(err)
	}
	return err
}

func (n *Negotiator) handleOffer(from string, desc webrtc.SessionDescription) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := n.sessions[from]; ok {
		n.mu.Unlock()
		return &ProtocolViolation{Remote: from, Kind: signal.KindOffer, State: existing.State()}
	}
	pc, err := n.factory.NewPeerConnection()
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("creating peer connection: %w", err)
	}
	s := newSession(from, RoleCallee, pc)
	s.opMu.Lock()
	n.sessions[from] = s
	n.mu.Unlock()

	n.wireEngine(s)
	s.setState(OfferReceived)
	if err := n.answer(n.ctx, s, desc); err != nil {
		s.setState(Failed)
		n.fire(s, s.unlock())
		n.destroy(s, err)
		return fmt.Errorf("answering %s: %w", from, err)
	}
	s.setState(AnswerSent)
	n.fire(s, s.unlock())
	n.log.WithFields(log.Fields{"peer": from, "role": s.role}).Info("Answer sent")
	return nil
}

// answer runs with s.opMu held.
func (n *Negotiator) answer(ctx context.Context, s *Session, offer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("setting remote offer: %w", err)
	}
	s.remoteSD = &offer

	if n.hooks.PrepareAnswer != nil {
		if err := n.hooks.PrepareAnswer(ctx, s.remote, s.pc); err != nil {
			return err
		}
	}

	answer, err := s.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	local, err := n.applyLocal(ctx, s, answer)
	if err != nil {
		return err
	}
	return n.send(s.remote, signal.KindAnswer, local)
}

func (n *Negotiator) handleAnswer(from string, desc webrtc.SessionDescription) error {
	s := n.Session(from)
	if s == nil {
		return &ProtocolViolation{Remote: from, Kind: signal.KindAnswer, State: Idle}
	}

	s.opMu.Lock()
	if s.state != OfferSent {
		state := s.state
		s.unlock()
		return &ProtocolViolation{Remote: from, Kind: signal.KindAnswer, State: state}
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.setState(Failed)
		n.fire(s, s.unlock())
		err = fmt.Errorf("setting remote answer: %w", err)
		n.destroy(s, err)
		return err
	}
	s.remoteSD = &desc
	s.setState(Connected)
	n.fire(s, s.unlock())
	n.log.WithField("peer", from).Info("Answer applied")
	return nil
}

func (n *Negotiator) handleRelayError(env signal.Envelope) error {
	relayErr := &signal.RelayError{Code: env.Code, Subject: env.Target, Message: env.Message}
	if env.Code != signal.CodePeerUnavailable {
		n.log.Warn(relayErr)
		return relayErr
	}

	s := n.Session(env.Target)
	if s == nil {
		n.log.Debug(relayErr)
		return nil
	}
	s.opMu.Lock()
	if s.state != OfferSent {
		s.unlock()
		return nil
	}
	s.setState(Failed)
	n.fire(s, s.unlock())
	n.destroy(s, fmt.Errorf("%w: %s", ErrPeerUnavailable, env.Target))
	n.log.WithField("peer", env.Target).Warn("Call failed, peer is not on the relay")
	return nil
}

// wireEngine connects the engine's events to s. Called once, before any
// description is applied.
func (n *Negotiator) wireEngine(s *Session) {
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.log.WithFields(log.Fields{"peer": s.remote, "engine": state.String()}).Debug("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.opMu.Lock()
			if s.state == AnswerSent {
				s.setState(Connected)
			}
			n.fire(s, s.unlock())
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.opMu.Lock()
			if !s.state.Terminal() {
				s.setState(Failed)
			}
			n.fire(s, s.unlock())
			n.destroy(s, fmt.Errorf("peer connection %s", state))
		}
	})

	s.pc.OnDataChannel(func(dc engine.DataChannel) {
		if !s.setDataChannel(dc) {
			n.log.WithFields(log.Fields{"peer": s.remote, "label": dc.Label()}).Debug("Ignoring extra data channel")
			return
		}
		if n.hooks.OnDataChannel != nil {
			n.hooks.OnDataChannel(s.remote, dc)
		}
	})

	s.pc.OnTrack(func(track engine.RemoteTrack) {
		stream := s.addRemoteTrack(track)
		n.log.WithFields(log.Fields{"peer": s.remote, "track": track.ID(), "kind": track.Kind()}).Info("Remote track added")
		if n.hooks.OnTrack != nil {
			n.hooks.OnTrack(s.remote, stream, track)
		}
	})
}

func (n *Negotiator) fire(s *Session, transitions []transition) {
	for _, t := range transitions {
		n.log.WithFields(log.Fields{"peer": s.remote, "from": t.from, "to": t.to}).Debug("Session state changed")
		if n.hooks.OnStateChange != nil {
			n.hooks.OnStateChange(s.remote, t.from, t.to)
		}
	}
}

// destroy forgets s and closes its engine. Must not be called with s.opMu
// held: closing the engine may report its state synchronously.
func (n *Negotiator) destroy(s *Session, reason error) {
	n.mu.Lock()
	current := n.sessions[s.remote] == s
	if current {
		delete(n.sessions, s.remote)
	}
	n.mu.Unlock()
	if !current {
		return
	}
	if err := s.pc.Close(); err != nil {
		n.log.WithField("peer", s.remote).Debug("Closing peer connection: ", err)
	}
	if n.hooks.OnSessionEnded != nil {
		n.hooks.OnSessionEnded(s.remote, reason)
	}
}

// Hangup tears down the session with remote.
func (n *Negotiator) Hangup(remote string) error {
	s := n.Session(remote)
	if s == nil {
		return ErrUnknownSession
	}
	n.destroy(s, fmt.Errorf("hung up"))
	return nil
}

// FailPending fails every session still waiting on the relay (offer sent or
// offer being answered). Sessions that already sent their answer only need
// the engine and are left alone.
func (n *Negotiator) FailPending(reason error) {
	for _, s := range n.Sessions() {
		s.opMu.Lock()
		switch s.state {
		case Idle, OfferSent, OfferReceived:
			s.setState(Failed)
		default:
			s.unlock()
			continue
		}
		n.fire(s, s.unlock())
		n.destroy(s, reason)
	}
}

// Close fails pending sessions, hangs up the rest and waits for queued
// envelopes to be handled. Later calls and envelopes are refused.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.FailPending(ErrClosed)
	n.cancel()
	for _, s := range n.Sessions() {
		n.destroy(s, ErrClosed)
	}
	n.workers.Wait()
}
