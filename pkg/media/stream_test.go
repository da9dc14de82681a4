package media

import (
	"context"
	"errors"
	"testing"

	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingTrack struct {
	*webrtc.TrackLocalStaticSample
	closed int
}

func (t *closingTrack) Close() error {
	t.closed++
	return nil
}

type remoteTrack struct{ kind webrtc.RTPCodecType }

func (t remoteTrack) ID() string                { return "t" }
func (t remoteTrack) StreamID() string          { return "s" }
func (t remoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func TestLocalStreamCloseStopsTracksOnce(t *testing.T) {
	sample, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)
	track := &closingTrack{TrackLocalStaticSample: sample}

	stream := NewLocalStream("local", track, sample)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.Equal(t, 1, track.closed)
}

func TestRemoteStream(t *testing.T) {
	stream := NewRemoteStream("bob")
	assert.Empty(t, stream.Tracks())
	assert.False(t, stream.HasKind(webrtc.RTPCodecTypeVideo))

	stream.AddTrack(remoteTrack{kind: webrtc.RTPCodecTypeVideo})
	assert.Len(t, stream.Tracks(), 1)
	assert.True(t, stream.HasKind(webrtc.RTPCodecTypeVideo))
	assert.False(t, stream.HasKind(webrtc.RTPCodecTypeAudio))
}

func TestUnavailableCapturer(t *testing.T) {
	stream, err := Unavailable.Capture(context.Background())
	assert.Nil(t, stream)
	var accessErr *MediaAccessError
	require.True(t, errors.As(err, &accessErr))
	assert.ErrorIs(t, err, ErrNoCaptureDevices)
}
