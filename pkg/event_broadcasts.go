package webrtc_direct

import (
	"encoding/base64"

	"github.com/kw-m/webrtc-direct/pkg/negotiation"
	"google.golang.org/protobuf/types/known/structpb"
)

type EventType string

const (
	EventRelayConnected    EventType = "relay-connected"
	EventRelayDisconnected EventType = "relay-disconnected"
	EventRelayError        EventType = "relay-error"
	EventSessionState      EventType = "session-state"
	EventChannelOpen       EventType = "channel-open"
	EventChannelClosed     EventType = "channel-closed"
	EventMessageReceived   EventType = "message-received"
	EventRemoteTrack       EventType = "remote-track"
	EventSessionEnded      EventType = "session-ended"
)

// PeerEvent is one entry of the client's event stream. Only the fields that
// make sense for Type are set.
type PeerEvent struct {
	Type    EventType
	Peer    string
	Relay   string
	State   string
	Payload []byte
	Message string
}

// ToStruct renders the event for the grpc event stream. Payload is base64 encoded.
func (e *PeerEvent) ToStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{"type": string(e.Type)}
	if e.Peer != "" {
		fields["peer"] = e.Peer
	}
	if e.Relay != "" {
		fields["relay"] = e.Relay
	}
	if e.State != "" {
		fields["state"] = e.State
	}
	if e.Payload != nil {
		fields["payload"] = base64.StdEncoding.EncodeToString(e.Payload)
	}
	if e.Message != "" {
		fields["message"] = e.Message
	}
	return structpb.NewStruct(fields)
}

// PeerEventFromStruct is the inverse of ToStruct.
func PeerEventFromStruct(s *structpb.Struct) (*PeerEvent, error) {
	fields := s.GetFields()
	evt := &PeerEvent{
		Type:    EventType(fields["type"].GetStringValue()),
		Peer:    fields["peer"].GetStringValue(),
		Relay:   fields["relay"].GetStringValue(),
		State:   fields["state"].GetStringValue(),
		Message: fields["message"].GetStringValue(),
	}
	if payload, ok := fields["payload"]; ok {
		data, err := base64.StdEncoding.DecodeString(payload.GetStringValue())
		if err != nil {
			return nil, err
		}
		evt.Payload = data
	}
	return evt, nil
}

func (c *PeerClient) sendRelayConnectedEvent(relayURL string) {
	c.eventStream.Push(&PeerEvent{Type: EventRelayConnected, Relay: relayURL})
}

func (c *PeerClient) sendRelayDisconnectedEvent(relayURL string, err error) {
	c.eventStream.Push(&PeerEvent{Type: EventRelayDisconnected, Relay: relayURL, Message: errString(err)})
}

func (c *PeerClient) sendRelayErrorEvent(relayURL string, err error) {
	c.eventStream.Push(&PeerEvent{Type: EventRelayError, Relay: relayURL, Message: errString(err)})
}

func (c *PeerClient) sendSessionStateEvent(peer string, state negotiation.State) {
	c.eventStream.Push(&PeerEvent{Type: EventSessionState, Peer: peer, State: state.String()})
}

func (c *PeerClient) sendChannelOpenEvent(peer string, label string) {
	c.eventStream.Push(&PeerEvent{Type: EventChannelOpen, Peer: peer, Message: label})
}

func (c *PeerClient) sendChannelClosedEvent(peer string, label string) {
	c.eventStream.Push(&PeerEvent{Type: EventChannelClosed, Peer: peer, Message: label})
}

func (c *PeerClient) sendMessageReceivedEvent(peer string, payload []byte) {
	c.eventStream.Push(&PeerEvent{Type: EventMessageReceived, Peer: peer, Payload: payload})
}

func (c *PeerClient) sendRemoteTrackEvent(peer string, trackID string, kind string) {
	c.eventStream.Push(&PeerEvent{Type: EventRemoteTrack, Peer: peer, Message: trackID, State: kind})
}

func (c *PeerClient) sendSessionEndedEvent(peer string, reason error) {
	c.eventStream.Push(&PeerEvent{Type: EventSessionEnded, Peer: peer, Message: errString(reason)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
