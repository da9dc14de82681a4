package webrtc_direct

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kw-m/webrtc-direct/pkg/config"
	"github.com/kw-m/webrtc-direct/pkg/engine/enginetest"
	"github.com/kw-m/webrtc-direct/pkg/media"
	"github.com/kw-m/webrtc-direct/pkg/negotiation"
	"github.com/kw-m/webrtc-direct/pkg/relayserver"
	"github.com/kw-m/webrtc-direct/pkg/signal"
	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	peer string
	data string
}

func startTestRelay(t *testing.T) (*relayserver.Server, string) {
	srv := relayserver.New(config.GetDefaultRelayServerConfig(), config.DiscardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testClientConfig(relayURL string, id string) config.ClientConfig {
	cfg := config.GetDefaultClientConfig()
	cfg.Identity = id
	cfg.RelayURLs = []string{relayURL}
	cfg.DialTimeoutMs = 1000
	cfg.RegisterTimeoutMs = 1000
	return cfg
}

func newTestClient(t *testing.T, relayURL string, id string, network *enginetest.Network, opts ...Option) *PeerClient {
	opts = append([]Option{WithLogger(config.DiscardLogger().Logger), WithEngineFactory(network)}, opts...)
	c, err := NewPeerClient(context.Background(), testClientConfig(relayURL, id), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sessionState(c *PeerClient, peer string) negotiation.State {
	for _, s := range c.Sessions() {
		if s.Peer == peer {
			return s.State
		}
	}
	return negotiation.Idle
}

func waitString(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
		return ""
	}
}

func waitReceived(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a message")
		return received{}
	}
}

func TestPeerClientsConnectAndExchangeMessages(t *testing.T) {
	_, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)
	bob := newTestClient(t, url, "bob", network)

	aliceOpen := make(chan string, 4)
	bobOpen := make(chan string, 4)
	alice.OnChannelOpen(func(peer string) { aliceOpen <- peer })
	bob.OnChannelOpen(func(peer string) { bobOpen <- peer })

	aliceInbox := make(chan received, 4)
	bobInbox := make(chan received, 4)
	alice.OnMessage(func(peer string, data []byte) { aliceInbox <- received{peer, string(data)} })
	bob.OnMessage(func(peer string, data []byte) { bobInbox <- received{peer, string(data)} })

	require.NoError(t, alice.Call(context.Background(), "bob", false))

	assert.Equal(t, "bob", waitString(t, aliceOpen))
	assert.Equal(t, "alice", waitString(t, bobOpen))

	assert.Eventually(t, func() bool {
		return sessionState(alice, "bob") == negotiation.Connected && sessionState(bob, "alice") == negotiation.Connected
	}, 3*time.Second, 10*time.Millisecond)

	// channel open is reported once per side
	assert.Never(t, func() bool { return len(aliceOpen) > 0 || len(bobOpen) > 0 }, 200*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, alice.SendMessage([]byte("hi bob")))
	assert.Equal(t, received{"alice", "hi bob"}, waitReceived(t, bobInbox))

	require.NoError(t, bob.SendMessageTo("alice", []byte("hi alice")))
	assert.Equal(t, received{"bob", "hi alice"}, waitReceived(t, aliceInbox))

	sessions := alice.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, negotiation.RoleCaller, sessions[0].Role)
	assert.True(t, sessions[0].ChannelOpen)
	assert.Equal(t, negotiation.RoleCallee, bob.Sessions()[0].Role)
}

func TestPeerClientEventStream(t *testing.T) {
	_, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)
	bob := newTestClient(t, url, "bob", network)

	events := bob.GetEventStream()
	defer bob.UnsubscribeEvents(events)

	opened := make(chan string, 1)
	alice.OnChannelOpen(func(peer string) { opened <- peer })
	require.NoError(t, alice.Call(context.Background(), "bob", false))
	waitString(t, opened)
	require.NoError(t, alice.SendMessage([]byte("ping")))

	seen := map[EventType]*PeerEvent{}
	deadline := time.After(3 * time.Second)
	for seen[EventMessageReceived] == nil {
		select {
		case evt := <-events:
			seen[evt.Type] = evt
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	require.NotNil(t, seen[EventChannelOpen])
	assert.Equal(t, "alice", seen[EventChannelOpen].Peer)
	require.NotNil(t, seen[EventSessionState])
	assert.Equal(t, []byte("ping"), seen[EventMessageReceived].Payload)
}

func TestPeerClientIdentityTaken(t *testing.T) {
	srv, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)

	_, err := NewPeerClient(context.Background(), testClientConfig(url, "alice"),
		WithLogger(config.DiscardLogger().Logger), WithEngineFactory(network))
	require.Error(t, err)
	assert.True(t, errors.Is(err, signal.ErrIdentityTaken))
	var taken *signal.IdentityTakenError
	require.True(t, errors.As(err, &taken))
	assert.Equal(t, "alice", taken.Identity)

	// the first registrant keeps working
	assert.Equal(t, url, alice.RelayURL())
	assert.Equal(t, []string{"alice"}, srv.Identities())

	bob := newTestClient(t, url, "bob", network)
	require.NoError(t, bob.Call(context.Background(), "alice", false))
	assert.Eventually(t, func() bool {
		return sessionState(alice, "bob") == negotiation.Connected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPeerClientNoRelayReachable(t *testing.T) {
	cfg := testClientConfig("ws://127.0.0.1:1", "alice")
	cfg.RelayURLs = append(cfg.RelayURLs, "ws://127.0.0.1:2")
	_, err := NewPeerClient(context.Background(), cfg,
		WithLogger(config.DiscardLogger().Logger), WithEngineFactory(enginetest.NewNetwork()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, signal.ErrNoSignalingAvailable))

	var connErr *signal.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Len(t, connErr.Attempts, 2)
}

func TestPeerClientGeneratesIdentity(t *testing.T) {
	_, url := startTestRelay(t)
	cfg := testClientConfig(url, "")
	c, err := NewPeerClient(context.Background(), cfg,
		WithLogger(config.DiscardLogger().Logger), WithEngineFactory(enginetest.NewNetwork()))
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, strings.HasPrefix(c.Identity(), cfg.BaseIdentity))
}

// countingDialer counts the envelopes a client writes to the relay.
type countingDialer struct {
	signal.Dialer
	writes atomic.Int64
}

func (d *countingDialer) Dial(ctx context.Context, url string) (signal.Conn, error) {
	conn, err := d.Dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, writes: &d.writes}, nil
}

type countingConn struct {
	signal.Conn
	writes *atomic.Int64
}

func (c *countingConn) WriteMessage(data []byte) error {
	c.writes.Add(1)
	return c.Conn.WriteMessage(data)
}

func TestSendMessageWithoutOpenChannelIsNoop(t *testing.T) {
	_, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	dialer := &countingDialer{Dialer: &signal.WebsocketDialer{Path: "/ws", HandshakeTimeout: time.Second}}
	alice := newTestClient(t, url, "alice", network, WithDialer(dialer))
	bob := newTestClient(t, url, "bob", network)

	bobInbox := make(chan received, 4)
	bob.OnMessage(func(peer string, data []byte) { bobInbox <- received{peer, string(data)} })
	events := bob.GetEventStream()
	defer bob.UnsubscribeEvents(events)

	// only the registration has been written so far
	require.EqualValues(t, 1, dialer.writes.Load())

	assert.NoError(t, alice.SendMessage([]byte("nobody listening")))
	assert.NoError(t, alice.SendMessageTo("bob", []byte("not connected")))
	assert.NoError(t, alice.SendMessageToPeers([]string{"bob", "carol"}, []byte("x")))

	assert.EqualValues(t, 1, dialer.writes.Load())
	assert.Never(t, func() bool { return len(bobInbox) > 0 || len(events) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Empty(t, alice.Sessions())
	assert.Empty(t, bob.Sessions())
	assert.Empty(t, network.PeerConnections())
}

func TestMediaCallWithoutCaptureDevices(t *testing.T) {
	_, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)
	newTestClient(t, url, "bob", network)

	err := alice.Call(context.Background(), "bob", true)
	require.Error(t, err)
	var accessErr *media.MediaAccessError
	assert.True(t, errors.As(err, &accessErr))
	assert.True(t, errors.Is(err, media.ErrNoCaptureDevices))

	assert.Empty(t, alice.Sessions())
	assert.Empty(t, network.PeerConnections())
	assert.Nil(t, alice.LocalStream())
}

func TestMediaCallDeliversRemoteStream(t *testing.T) {
	_, url := startTestRelay(t)
	network := enginetest.NewNetwork()

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "alice-cam")
	require.NoError(t, err)
	capturer := media.CapturerFunc(func(ctx context.Context) (*media.LocalStream, error) {
		return media.NewLocalStream("alice-cam", video), nil
	})

	alice := newTestClient(t, url, "alice", network, WithCapturer(capturer))
	bob := newTestClient(t, url, "bob", network)

	streams := make(chan *media.RemoteStream, 4)
	bob.OnRemoteStream(func(peer string, stream *media.RemoteStream) { streams <- stream })

	require.NoError(t, alice.Call(context.Background(), "bob", true))
	require.NotNil(t, alice.LocalStream())

	select {
	case stream := <-streams:
		assert.Equal(t, "alice", stream.Peer)
		assert.True(t, stream.HasKind(webrtc.RTPCodecTypeVideo))
	case <-time.After(3 * time.Second):
		t.Fatal("no remote stream")
	}
	assert.Same(t, bob.RemoteStream("alice"), bob.RemoteStream("alice"))
	assert.Nil(t, bob.RemoteStream("carol"))
}

func TestPeerClientRelayLoss(t *testing.T) {
	srv, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)

	errs := make(chan error, 1)
	alice.OnError(func(err error) { errs <- err })

	srv.Close()
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay loss not reported")
	}
	assert.Equal(t, "", alice.RelayURL())
}

func TestPeerClientClose(t *testing.T) {
	srv, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)
	bob := newTestClient(t, url, "bob", network)

	closed := make(chan string, 1)
	opened := make(chan string, 1)
	bob.OnChannelOpen(func(peer string) { opened <- peer })
	require.NoError(t, alice.Call(context.Background(), "bob", false))
	waitString(t, opened)

	events := bob.GetEventStream()
	defer bob.UnsubscribeEvents(events)
	go func() {
		for evt := range events {
			if evt.Type == EventChannelClosed {
				closed <- evt.Peer
				return
			}
		}
	}()

	require.NoError(t, alice.Close())
	assert.NoError(t, alice.Close())

	select {
	case <-alice.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Empty(t, alice.Sessions())
	assert.ErrorIs(t, alice.Call(context.Background(), "bob", false), ErrClientClosed)

	// bob sees the data channel go away
	assert.Equal(t, "alice", waitString(t, closed))

	// and the identity is free again
	assert.Eventually(t, func() bool {
		ids := srv.Identities()
		return len(ids) == 1 && ids[0] == "bob"
	}, 3*time.Second, 10*time.Millisecond)
}
