package webrtc_direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/kw-m/webrtc-direct/pkg/codec"
	"github.com/kw-m/webrtc-direct/pkg/config"
	"github.com/kw-m/webrtc-direct/pkg/engine"
	"github.com/kw-m/webrtc-direct/pkg/media"
	"github.com/kw-m/webrtc-direct/pkg/negotiation"
	"github.com/kw-m/webrtc-direct/pkg/signal"
	"github.com/kw-m/webrtc-direct/pkg/util"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

var ErrClientClosed = errors.New("peer client closed")

// PeerClient is the public entry point: it registers an identity on a
// signaling relay, calls or answers other identities and moves messages over
// the resulting data channels.
type PeerClient struct {
	// Log: the logrus entry used for this client's logs
	Log *log.Entry

	config     config.ClientConfig
	identity   string
	connector  *signal.Connector
	negotiator *negotiation.Negotiator
	capturer   media.Capturer

	// eventStream fans client events out to GetEventStream subscribers (and the grpc event stream)
	eventStream *util.EventSub[PeerEvent]
	stopSignal  *util.UnblockSignal
	closeOnce   sync.Once

	captureMu   sync.Mutex
	localStream *media.LocalStream

	mu             sync.Mutex
	onMessage      func(peer string, data []byte)
	onRemoteStream func(peer string, stream *media.RemoteStream)
	onChannelOpen  func(peer string)
	onSessionState func(peer string, state negotiation.State)
	onError        func(err error)
	grpcServer     *grpc.Server
	grpcAddr       net.Addr
}

type clientOptions struct {
	logger      *log.Logger
	dialer      signal.Dialer
	factory     engine.Factory
	capturer    media.Capturer
	mediaEngine *webrtc.MediaEngine
}

type Option func(*clientOptions)

// WithLogger replaces the logger built from the config's LogLevel and LogFile.
func WithLogger(logger *log.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithDialer replaces the websocket dialer used to reach relays.
func WithDialer(dialer signal.Dialer) Option {
	return func(o *clientOptions) { o.dialer = dialer }
}

// WithEngineFactory replaces the pion peer connection factory.
func WithEngineFactory(factory engine.Factory) Option {
	return func(o *clientOptions) { o.factory = factory }
}

// WithCapturer sets where local media comes from. Without one, media calls
// fail with a MediaAccessError.
func WithCapturer(capturer media.Capturer) Option {
	return func(o *clientOptions) { o.capturer = capturer }
}

// WithMediaEngine sets the codecs the default pion factory negotiates.
func WithMediaEngine(mediaEngine *webrtc.MediaEngine) Option {
	return func(o *clientOptions) { o.mediaEngine = mediaEngine }
}

// NewPeerClient connects to the first reachable relay in cfg.RelayURLs and
// registers the client's identity there. It fails with a *signal.ConnectionError
// when no relay is reachable and a *signal.IdentityTakenError when the relay
// already has someone registered under the identity.
func NewPeerClient(ctx context.Context, cfg config.ClientConfig, opts ...Option) (*PeerClient, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = config.NewLogger(cfg.LogLevel, cfg.LogFile)
	}

	identity := cfg.Identity
	if identity == "" {
		identity = util.NewIdentity(cfg.BaseIdentity, cfg.UseMemorableIdentity)
	}
	lo := o.logger.WithField("prefix", "webrtc-direct").WithField("id", identity)

	if o.dialer == nil {
		o.dialer = &signal.WebsocketDialer{Path: cfg.SignalPath, HandshakeTimeout: cfg.DialTimeout()}
	}
	if o.factory == nil {
		factory, err := engine.NewPionFactory(cfg.Configuration, o.mediaEngine, cfg.ICEGatheringTimeout(), o.logger.WithField("prefix", "engine"))
		if err != nil {
			return nil, fmt.Errorf("creating webrtc engine: %w", err)
		}
		o.factory = factory
	}
	if o.capturer == nil {
		o.capturer = media.Unavailable
	}

	c := &PeerClient{
		Log:         lo,
		config:      cfg,
		identity:    identity,
		capturer:    o.capturer,
		eventStream: util.NewEventSub[PeerEvent](64),
		stopSignal:  util.NewUnblockSignal(),
	}

	c.connector = signal.NewConnector(identity, o.dialer, signal.ConnectorOptions{
		RegisterTimeout: cfg.RegisterTimeout(),
		Log:             o.logger.WithField("prefix", "signal"),
	})
	c.negotiator = negotiation.New(negotiation.Options{
		Identity:         identity,
		Factory:          o.factory,
		Signaler:         c.connector,
		Codec:            codec.New(cfg.CompressPayloads),
		DataChannelLabel: cfg.DataChannelLabel,
		Hooks:            c.negotiationHooks(),
		Log:              o.logger.WithField("prefix", "negotiation"),
	})
	c.connector.OnEnvelope(c.negotiator.Dispatch)
	c.connector.OnError(c.handleRelayFailure)
	c.connector.OnDisconnect(c.handleRelayFailure)

	if err := c.connector.Connect(ctx, cfg.RelayURLs); err != nil {
		c.negotiator.Close()
		c.eventStream.Close()
		return nil, err
	}
	c.sendRelayConnectedEvent(c.connector.URL())
	lo.Infof("Ready, registered on %s", c.connector.URL())

	if cfg.StartGRPCServer {
		if err := c.StartGRPCServer(cfg.GRPCServerAddress); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *PeerClient) negotiationHooks() negotiation.Hooks {
	return negotiation.Hooks{
		OnDataChannel:  c.handleDataChannel,
		OnTrack:        c.handleRemoteTrack,
		OnStateChange:  c.handleStateChange,
		OnSessionEnded: c.handleSessionEnded,
		PrepareAnswer:  c.prepareAnswer,
	}
}

func (c *PeerClient) handleDataChannel(peer string, dc engine.DataChannel) {
	lo := c.Log.WithFields(log.Fields{"peer": peer, "label": dc.Label()})
	dc.OnOpen(func() {
		lo.Info("Data channel open")
		c.sendChannelOpenEvent(peer, dc.Label())
		c.mu.Lock()
		f := c.onChannelOpen
		c.mu.Unlock()
		if f != nil {
			f(peer)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.config.IncludeMessagesInLogs {
			lo.Debugf("Message received: %s", string(msg.Data))
		}
		c.sendMessageReceivedEvent(peer, msg.Data)
		c.mu.Lock()
		f := c.onMessage
		c.mu.Unlock()
		if f != nil {
			f(peer, msg.Data)
		}
	})
	dc.OnClose(func() {
		lo.Debug("Data channel closed")
		c.sendChannelClosedEvent(peer, dc.Label())
	})
}

func (c *PeerClient) handleRemoteTrack(peer string, stream *media.RemoteStream, track engine.RemoteTrack) {
	c.sendRemoteTrackEvent(peer, track.ID(), track.Kind().String())
	c.mu.Lock()
	f := c.onRemoteStream
	c.mu.Unlock()
	if f != nil {
		f(peer, stream)
	}
}

func (c *PeerClient) handleStateChange(peer string, from, to negotiation.State) {
	c.sendSessionStateEvent(peer, to)
	c.mu.Lock()
	f := c.onSessionState
	c.mu.Unlock()
	if f != nil {
		f(peer, to)
	}
}

func (c *PeerClient) handleSessionEnded(peer string, reason error) {
	c.Log.WithField("peer", peer).Info("Session ended: ", reason)
	c.sendSessionEndedEvent(peer, reason)
}

// prepareAnswer attaches local media to incoming calls when AnswerWithMedia is set.
func (c *PeerClient) prepareAnswer(ctx context.Context, peer string, pc engine.PeerConnection) error {
	if !c.config.AnswerWithMedia {
		return nil
	}
	stream, err := c.ensureLocalStream(ctx)
	if err != nil {
		return err
	}
	for _, track := range stream.Tracks {
		if err := pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

// handleRelayFailure runs when the relay connection ends on its own: a late
// id-taken rejection or a dropped connection.
func (c *PeerClient) handleRelayFailure(err error) {
	url := c.connector.URL()
	c.Log.Error("Relay connection lost: ", err)
	c.negotiator.FailPending(err)

	var taken *signal.IdentityTakenError
	if errors.As(err, &taken) {
		c.sendRelayErrorEvent(url, err)
	} else {
		c.sendRelayDisconnectedEvent(url, err)
	}

	c.mu.Lock()
	f := c.onError
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// ensureLocalStream captures local media once and reuses it for every call.
func (c *PeerClient) ensureLocalStream(ctx context.Context) (*media.LocalStream, error) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if c.localStream != nil {
		return c.localStream, nil
	}
	stream, err := c.capturer.Capture(ctx)
	if err != nil {
		var accessErr *media.MediaAccessError
		if !errors.As(err, &accessErr) {
			err = &media.MediaAccessError{Err: err}
		}
		return nil, err
	}
	c.localStream = stream
	return stream, nil
}

// OnMessage sets the handler for data channel messages from any peer.
func (c *PeerClient) OnMessage(f func(peer string, data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

// OnRemoteStream sets the handler called each time a peer's remote stream gains a track.
func (c *PeerClient) OnRemoteStream(f func(peer string, stream *media.RemoteStream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteStream = f
}

// OnChannelOpen sets the handler called once per session when its data channel opens.
func (c *PeerClient) OnChannelOpen(f func(peer string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannelOpen = f
}

func (c *PeerClient) OnSessionState(f func(peer string, state negotiation.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSessionState = f
}

// OnError sets the handler for failures after construction, such as losing the relay.
func (c *PeerClient) OnError(f func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

func (c *PeerClient) Identity() string {
	return c.identity
}

// RelayURL is the relay this client registered on, "" once the connection is gone.
func (c *PeerClient) RelayURL() string {
	if !c.connector.Connected() {
		return ""
	}
	return c.connector.URL()
}

// LocalStream returns the captured local media, nil if nothing was captured.
func (c *PeerClient) LocalStream() *media.LocalStream {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	return c.localStream
}

// RemoteStream returns the media received from peer, nil when there is none.
func (c *PeerClient) RemoteStream(peer string) *media.RemoteStream {
	s := c.negotiator.Session(peer)
	if s == nil {
		return nil
	}
	return s.RemoteStream()
}

type SessionInfo struct {
	Peer        string
	Role        negotiation.Role
	State       negotiation.State
	ChannelOpen bool
}

func (c *PeerClient) Sessions() []SessionInfo {
	sessions := c.negotiator.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		dc := s.DataChannel()
		out = append(out, SessionInfo{
			Peer:        s.Remote(),
			Role:        s.Role(),
			State:       s.State(),
			ChannelOpen: dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen,
		})
	}
	return out
}

// GetEventStream subscribes to the client's events. Call UnsubscribeEvents when done.
func (c *PeerClient) GetEventStream() <-chan *PeerEvent {
	return c.eventStream.Subscribe()
}

func (c *PeerClient) UnsubscribeEvents(events <-chan *PeerEvent) {
	c.eventStream.UnSubscribe(events)
}

// Done is closed once Close has run.
func (c *PeerClient) Done() <-chan struct{} {
	return c.stopSignal.GetSignal()
}

// Close fails sessions still waiting on the relay, hangs up the rest, drops
// the relay connection and finally stops local media.
func (c *PeerClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Log.Info("Closing peer client")
		c.negotiator.Close()
		err = c.connector.Close()

		c.captureMu.Lock()
		if c.localStream != nil {
			if stopErr := c.localStream.Close(); stopErr != nil {
				c.Log.Warn("Stopping local media: ", stopErr)
			}
		}
		c.captureMu.Unlock()

		c.StopGRPCServer()
		c.eventStream.Close()
		c.stopSignal.Trigger()
	})
	return err
}
