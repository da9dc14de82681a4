package codec

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var candidateSDP = strings.Repeat("a=candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host\r\n", 200)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
	"a=group:BUNDLE 0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\na=ice-ufrag:EsAw\r\na=ice-pwd:bP+XJMM09aR8AiX1jdukzR6Y\r\n" +
	"a=fingerprint:sha-256 D2:B9:31:8F:DF:24:D8:0E:ED:D2:EF:25:9E:AF:6F:B8:34:AE:53:9C:E6:F3:8F:F2:64:15:FA:E8:7F:53:2D:38\r\n" +
	"a=setup:actpass\r\na=mid:0\r\na=sctp-port:5000\r\n"

func TestRoundTrip(t *testing.T) {
	descs := []webrtc.SessionDescription{
		{Type: webrtc.SDPTypeOffer, SDP: testSDP},
		{Type: webrtc.SDPTypeAnswer, SDP: testSDP},
		{Type: webrtc.SDPTypeOffer, SDP: "x"},
		{Type: webrtc.SDPTypeAnswer, SDP: candidateSDP},
	}
	for _, compress := range []bool{true, false} {
		c := New(compress)
		for _, d := range descs {
			payload, err := c.Encode(d)
			require.NoError(t, err)
			got, err := c.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, d.Type, got.Type)
			assert.Equal(t, d.SDP, got.SDP)
		}
	}
}

func TestCompressedPayloadIsBase64(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: candidateSDP}
	payload, err := New(true).Encode(desc)
	require.NoError(t, err)
	assert.NotEqual(t, byte('{'), payload[0])
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 2)
	// zlib header: deflate method, header checksum
	assert.Equal(t, byte(0x08), raw[0]&0x0f)
	assert.Zero(t, (uint16(raw[0])<<8|uint16(raw[1]))%31)

	plain, err := New(false).Encode(desc)
	require.NoError(t, err)
	assert.Less(t, len(payload), len(plain))
}

func TestDecodeAcceptsEitherForm(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
	plain, err := New(false).Encode(desc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, "{"))

	// a compressing peer still reads a peer that does not compress
	got, err := New(true).Decode(plain)
	require.NoError(t, err)
	assert.Equal(t, desc.SDP, got.SDP)
}

func TestDecodeMalformed(t *testing.T) {
	c := New(true)
	cases := map[string]string{
		"empty":       "",
		"not base64":  "%%%not-base64%%%",
		"not zlib":    base64.StdEncoding.EncodeToString([]byte("plain bytes")),
		"bad json":    `{"type": "offer", "sdp": `,
		"bad type":    `{"type": "rollback", "sdp": "v=0"}`,
		"missing sdp": `{"type": "answer"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(payload)
			require.Error(t, err)
			var codecErr *CodecError
			assert.True(t, errors.As(err, &codecErr))
			assert.Equal(t, "decode", codecErr.Op)
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := New(true).Encode(webrtc.SessionDescription{Type: webrtc.SDPTypePranswer, SDP: testSDP})
	var codecErr *CodecError
	require.True(t, errors.As(err, &codecErr))
	assert.Equal(t, "encode", codecErr.Op)

	_, err = New(false).Encode(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	assert.ErrorIs(t, err, errMissingSDP)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	c := New(true)
	huge := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: strings.Repeat("a", MaxDecodedBytes+10)}
	payload, err := c.Encode(huge)
	require.NoError(t, err)

	_, err = c.Decode(payload)
	assert.ErrorIs(t, err, errTooLarge)
}
