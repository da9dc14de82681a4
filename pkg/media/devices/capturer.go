// Package devices captures camera and microphone tracks through
// pion/mediadevices. It needs cgo (libvpx, x264 and libopus).
package devices

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kw-m/webrtc-direct/pkg/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"

	// register the camera and microphone adapters
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

type Options struct {
	Video bool
	Audio bool

	Width     int
	Height    int
	FrameRate float32

	VideoBitRate int
}

func DefaultOptions() Options {
	return Options{
		Video:        true,
		Audio:        true,
		Width:        640,
		Height:       480,
		FrameRate:    30,
		VideoBitRate: 1_000_000, // 1mbps
	}
}

// Capturer opens the local camera/microphone on each Capture call.
type Capturer struct {
	opts          Options
	codecSelector *mediadevices.CodecSelector
	log           *log.Entry
}

func NewCapturer(opts Options, logger *log.Entry) (*Capturer, error) {
	if logger == nil {
		logger = log.WithField("prefix", "media")
	}

	// configure vp8 codec specific parameters
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8Params.BitRate = opts.VideoBitRate
	vp8Params.ErrorResilient = vpx.ErrorResilientPartitions
	vp8Params.LagInFrames = 1

	// configure h264 codec specific parameters
	x264Params, err := x264.NewParams()
	if err != nil {
		return nil, err
	}
	x264Params.Preset = x264.PresetMedium
	x264Params.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Capturer{
		opts: opts,
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8Params, &x264Params),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: logger,
	}, nil
}

// PopulateMediaEngine registers the capture codecs so peer connections
// negotiate something the encoders can produce.
func (c *Capturer) PopulateMediaEngine(mediaEngine *webrtc.MediaEngine) {
	c.codecSelector.Populate(mediaEngine)
}

func (c *Capturer) Capture(ctx context.Context) (*media.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &media.MediaAccessError{Err: err}
	}
	if !c.opts.Video && !c.opts.Audio {
		return nil, &media.MediaAccessError{Err: fmt.Errorf("neither video nor audio requested")}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.codecSelector}
	if c.opts.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormat(frame.FormatI420)
			mc.Width = prop.Int(c.opts.Width)
			mc.Height = prop.Int(c.opts.Height)
			mc.FrameRate = prop.Float(c.opts.FrameRate)
		}
	}
	if c.opts.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		c.log.Warn("Could not open capture devices: ", err)
		return nil, &media.MediaAccessError{Err: err}
	}

	local := media.NewLocalStream("local-" + uuid.NewString())
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			c.log.Debugf("Track (ID: %s) ended with error: %v", track.ID(), err)
		})
		local.Tracks = append(local.Tracks, track)
	}
	c.log.Infof("Captured %d local tracks", len(local.Tracks))
	return local, nil
}
