package webrtc_direct

import (
	"context"
	"errors"

	"github.com/kw-m/webrtc-direct/pkg/engine"
	"github.com/kw-m/webrtc-direct/pkg/negotiation"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// AllPeers as a SendMessageToPeers target addresses every session.
const AllPeers = "*"

// Call starts a session with target. Without media a data channel is
// negotiated; with media the local capture is attached instead, and a capture
// failure returns a *media.MediaAccessError before anything is sent.
// Call returns once the offer is on its way; watch OnSessionState or the
// event stream for the answer.
func (c *PeerClient) Call(ctx context.Context, target string, useMedia bool) error {
	if c.stopSignal.HasTriggered() {
		return ErrClientClosed
	}
	opts := negotiation.CallOptions{DataChannel: !useMedia}
	if useMedia {
		stream, err := c.ensureLocalStream(ctx)
		if err != nil {
			c.Log.WithField("peer", target).Warn("Call aborted, no local media: ", err)
			return err
		}
		opts.Tracks = stream.Tracks
	}

	c.Log.WithFields(log.Fields{"peer": target, "media": useMedia}).Info("Calling peer")
	_, err := c.negotiator.Call(ctx, target, opts)
	return err
}

// SendMessage sends data on every open data channel. Sessions whose channel
// is missing or not open yet are skipped silently, so with no open channel
// this does nothing and returns nil.
func (c *PeerClient) SendMessage(data []byte) error {
	return c.SendMessageToPeers([]string{AllPeers}, data)
}

// SendMessageTo is SendMessage restricted to one peer.
func (c *PeerClient) SendMessageTo(peer string, data []byte) error {
	return c.SendMessageToPeers([]string{peer}, data)
}

// SendMessageToPeers sends data to each listed peer, or to every peer when the
// list holds AllPeers. The same silent skip rule as SendMessage applies.
func (c *PeerClient) SendMessageToPeers(peers []string, data []byte) error {
	var errs []error
	for _, dc := range c.openChannels(peers) {
		if c.config.IncludeMessagesInLogs {
			c.Log.Debugf("Sending message on %s: %s", dc.Label(), string(data))
		}
		if err := dc.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *PeerClient) openChannels(peers []string) []engine.DataChannel {
	var sessions []*negotiation.Session
	for _, peer := range peers {
		if peer == AllPeers {
			sessions = c.negotiator.Sessions()
			break
		}
		if s := c.negotiator.Session(peer); s != nil {
			sessions = append(sessions, s)
		}
	}

	channels := make([]engine.DataChannel, 0, len(sessions))
	for _, s := range sessions {
		dc := s.DataChannel()
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		channels = append(channels, dc)
	}
	return channels
}

// Hangup ends the session with peer.
func (c *PeerClient) Hangup(peer string) error {
	c.Log.WithField("peer", peer).Info("Hanging up")
	return c.negotiator.Hangup(peer)
}
