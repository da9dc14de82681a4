package media

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kw-m/webrtc-direct/pkg/config"
	"github.com/kw-m/webrtc-direct/pkg/util"
	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRTPURL(t *testing.T) {
	addr, err := ParseRTPURL("rtp://127.0.0.1:5004")
	require.NoError(t, err)
	assert.Equal(t, 5004, addr.Port)

	for _, bad := range []string{"http://127.0.0.1:5004", "rtp://127.0.0.1", "127.0.0.1:5004", "rtp://%zz"} {
		_, err := ParseRTPURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestRTPSourceForwardsPackets(t *testing.T) {
	src, err := NewRTPSource("rtp://127.0.0.1:0", webrtc.MimeTypeVP8, "video", "external", config.DiscardLogger())
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, webrtc.RTPCodecTypeVideo, src.Kind())

	conn, err := net.DialUDP("udp", nil, src.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	// not rtp, dropped
	_, err = conn.Write([]byte{0x01})
	require.NoError(t, err)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, Timestamp: 3000, SSRC: 42},
		Payload: []byte{0x10, 0x02, 0x00},
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return src.Packets() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRTPSourceSurvivesClosedPeerConnection(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	src := &RTPSource{conn: conn, exitSignal: util.NewUnblockSignal(), log: config.DiscardLogger()}

	// the first write hits a closed peer connection, later ones a new binding
	var writes atomic.Int64
	go src.readLoop(func(*rtp.Packet) error {
		if writes.Add(1) == 1 {
			return io.ErrClosedPipe
		}
		return nil
	})

	sender, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()

	data, err := (&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SSRC: 7}, Payload: []byte{0x01}}).Marshal()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = sender.Write(data)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return src.Packets() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, writes.Load())
	assert.False(t, src.exitSignal.HasTriggered())

	require.NoError(t, src.Close())
	assert.True(t, src.exitSignal.HasTriggered())
}

func TestRTPCapturer(t *testing.T) {
	_, err := (&RTPCapturer{}).Capture(context.Background())
	var accessErr *MediaAccessError
	assert.True(t, errors.As(err, &accessErr))

	src, err := NewRTPSource("rtp://127.0.0.1:0", webrtc.MimeTypeOpus, "audio", "external", config.DiscardLogger())
	require.NoError(t, err)

	stream, err := (&RTPCapturer{StreamID: "external", Sources: []*RTPSource{src}}).Capture(context.Background())
	require.NoError(t, err)
	require.Len(t, stream.Tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, stream.Tracks[0].Kind())

	// closing the stream stops the source
	require.NoError(t, stream.Close())
	select {
	case <-src.exitSignal.GetSignal():
	default:
		t.Fatal("source still running")
	}
	assert.NoError(t, src.Close())
}
