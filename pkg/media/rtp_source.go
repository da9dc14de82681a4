package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync/atomic"

	"github.com/kw-m/webrtc-direct/pkg/util"
	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// RTPSource is a local track fed by RTP packets arriving on a UDP port, for
// media produced outside this process, eg:
//
//	ffmpeg -re -i video.mp4 -c:v libvpx -f rtp rtp://127.0.0.1:5004
type RTPSource struct {
	*webrtc.TrackLocalStaticRTP

	conn       *net.UDPConn
	packets    atomic.Uint64
	exitSignal *util.UnblockSignal
	log        *log.Entry
}

// ParseRTPURL turns "rtp://host:port" into the udp address to listen on.
func ParseRTPURL(rtpURL string) (*net.UDPAddr, error) {
	u, err := url.Parse(rtpURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "rtp" {
		return nil, fmt.Errorf("media source %q must start with rtp://", rtpURL)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("media source %q has no port", rtpURL)
	}
	return net.ResolveUDPAddr("udp", u.Host)
}

// NewRTPSource starts listening on rtpURL right away. Packets that arrive
// before the track is added to a peer connection are dropped.
func NewRTPSource(rtpURL string, mimeType string, trackID string, streamID string, logger *log.Entry) (*RTPSource, error) {
	if logger == nil {
		logger = log.WithField("prefix", "media")
	}
	addr, err := ParseRTPURL(rtpURL)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mimeType}, trackID, streamID)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &MediaAccessError{Err: err}
	}

	src := &RTPSource{
		TrackLocalStaticRTP: track,
		conn:                conn,
		exitSignal:          util.NewUnblockSignal(),
		log:                 logger.WithField("rtp_media_src", conn.LocalAddr().String()),
	}
	src.log.Info("Listening for rtp packets, mime type ", mimeType)
	go src.readLoop(src.WriteRTP)
	return src, nil
}

// Addr is the address the source listens on.
func (s *RTPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Packets counts the rtp packets written to the track so far.
func (s *RTPSource) Packets() uint64 {
	return s.packets.Load()
}

// readLoop runs until conn is closed. A peer connection going away while the
// track is still bound is not the end of the source: the track may be bound
// again by the next call.
func (s *RTPSource) readLoop(writeRTP func(*rtp.Packet) error) {
	defer s.exitSignal.Trigger()

	inbound := make([]byte, 1600) // UDP MTU
	for {
		n, _, err := s.conn.ReadFrom(inbound)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("Error reading media source: ", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(inbound[:n]); err != nil {
			s.log.Debug("Dropping datagram that is not rtp: ", err)
			continue
		}
		if err := writeRTP(&pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				// The peer connection has been closed.
				s.log.Debug("PeerConnection closed, dropping packet")
			} else {
				s.log.Error(err)
			}
			continue
		}
		s.packets.Add(1)
	}
}

// Close stops listening. Closing a LocalStream holding the source closes it too.
func (s *RTPSource) Close() error {
	err := s.conn.Close()
	s.exitSignal.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// RTPCapturer hands out its sources as the local stream of every media call.
type RTPCapturer struct {
	StreamID string
	Sources  []*RTPSource
}

func (c *RTPCapturer) Capture(ctx context.Context) (*LocalStream, error) {
	if len(c.Sources) == 0 {
		return nil, &MediaAccessError{Err: ErrNoCaptureDevices}
	}
	tracks := make([]webrtc.TrackLocal, 0, len(c.Sources))
	for _, src := range c.Sources {
		tracks = append(tracks, src)
	}
	return NewLocalStream(c.StreamID, tracks...), nil
}
