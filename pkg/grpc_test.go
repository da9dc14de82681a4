package webrtc_direct

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kw-m/webrtc-direct/pkg/engine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// startControl serves c's control api over an in-memory listener.
func startControl(t *testing.T, c *PeerClient) *PeerControlClient {
	lis := bufconn.Listen(1 << 20)
	go c.ServeGRPC(lis)
	t.Cleanup(c.StopGRPCServer)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewPeerControlClient(conn)
}

func TestGRPCControl(t *testing.T) {
	_, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)
	bob := newTestClient(t, url, "bob", network)

	backend := startControl(t, alice)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := backend.GetIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	events, err := backend.GetEventStream(ctx)
	require.NoError(t, err)

	bobInbox := make(chan received, 4)
	bob.OnMessage(func(peer string, data []byte) { bobInbox <- received{peer, string(data)} })

	require.NoError(t, backend.Call(ctx, "bob", false))

	// wait for the channel to open before sending
	for {
		evt, err := events.Recv()
		require.NoError(t, err)
		if evt.Type == EventChannelOpen {
			assert.Equal(t, "bob", evt.Peer)
			break
		}
	}

	require.NoError(t, backend.SendMessage(ctx, nil, []byte("over grpc")))
	assert.Equal(t, received{"alice", "over grpc"}, waitReceived(t, bobInbox))

	require.NoError(t, bob.SendMessage([]byte("back at you")))
	for {
		evt, err := events.Recv()
		require.NoError(t, err)
		if evt.Type == EventMessageReceived {
			assert.Equal(t, "bob", evt.Peer)
			assert.Equal(t, []byte("back at you"), evt.Payload)
			break
		}
	}

	sessions, err := backend.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "bob", sessions[0]["peer"])
	assert.Equal(t, true, sessions[0]["channel_open"])

	require.NoError(t, backend.Hangup(ctx, "bob"))
	sessions, err = backend.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGRPCControlErrors(t *testing.T) {
	_, url := startTestRelay(t)
	network := enginetest.NewNetwork()
	alice := newTestClient(t, url, "alice", network)
	backend := startControl(t, alice)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := backend.Call(ctx, "", false)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = backend.Call(ctx, "alice", false)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = backend.Call(ctx, "bob", true)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = backend.Hangup(ctx, "nobody")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestPeerEventStructRoundTrip(t *testing.T) {
	evt := &PeerEvent{Type: EventMessageReceived, Peer: "bob", Payload: []byte{0, 1, 2, 255}}
	s, err := evt.ToStruct()
	require.NoError(t, err)
	assert.Equal(t, "AAEC/w==", s.GetFields()["payload"].GetStringValue())

	back, err := PeerEventFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, evt, back)
}

func TestCloseStopsFreshGRPCServer(t *testing.T) {
	_, url := startTestRelay(t)
	alice := newTestClient(t, url, "alice", enginetest.NewNetwork())

	require.NoError(t, alice.StartGRPCServer("127.0.0.1:0"))
	addr := alice.GRPCAddr()
	require.NotNil(t, addr)
	assert.Error(t, alice.StartGRPCServer("127.0.0.1:0"))

	// closing straight away, before the serving goroutine had a chance to run
	require.NoError(t, alice.Close())
	assert.Nil(t, alice.GRPCAddr())

	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 3*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, alice.StartGRPCServer("127.0.0.1:0"), ErrClientClosed)
}
