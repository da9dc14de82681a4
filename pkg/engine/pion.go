package engine

import (
	"context"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// PionFactory creates pion/webrtc peer connections.
type PionFactory struct {
	api           *webrtc.API
	configuration webrtc.Configuration
	gatherTimeout time.Duration
	log           *log.Entry
}

// NewPionFactory builds a factory whose connections use configuration (ice
// servers etc). mediaEngine carries the codecs offered for media calls; when
// nil the pion default codecs are registered.
func NewPionFactory(configuration webrtc.Configuration, mediaEngine *webrtc.MediaEngine, gatherTimeout time.Duration, logger *log.Entry) (*PionFactory, error) {
	if mediaEngine == nil {
		mediaEngine = &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = log.WithField("prefix", "engine")
	}
	return &PionFactory{
		api:           webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		configuration: configuration,
		gatherTimeout: gatherTimeout,
		log:           logger,
	}, nil
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.configuration)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{pc: pc, gatherTimeout: f.gatherTimeout, log: f.log}, nil
}

type pionPeerConnection struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	log           *log.Entry
}

func (p *pionPeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription waits for ICE gathering to finish so the description
// carries every candidate; candidates are never trickled through the relay.
func (p *pionPeerConnection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if p.gatherTimeout > 0 {
		timer := time.NewTimer(p.gatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-gatherComplete:
	case <-timeout:
		p.log.Debug("ICE gathering timed out, sending the candidates found so far")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *pionPeerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Read incoming RTCP packets so interceptors (NACK etc) keep working
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeerConnection) CreateDataChannel(label string) (DataChannel, error) {
	return p.pc.CreateDataChannel(label, nil)
}

func (p *pionPeerConnection) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *pionPeerConnection) OnTrack(f func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
