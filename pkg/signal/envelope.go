package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Action string

const (
	ActionRegister   Action = "register"
	ActionRegistered Action = "registered"
	ActionSend       Action = "send"
	ActionReceive    Action = "receive"
	ActionError      Action = "error"
)

// SignalKind says which half of the offer/answer exchange an envelope carries.
type SignalKind string

const (
	KindOffer  SignalKind = "offer"
	KindAnswer SignalKind = "answer"
)

type ErrorCode string

const (
	CodeIDTaken         ErrorCode = "id-taken"
	CodePeerUnavailable ErrorCode = "peer-unavailable"
	CodeBadMessage      ErrorCode = "bad-message"
	CodeNotRegistered   ErrorCode = "not-registered"
)

// Envelope is the unit exchanged with the relay. Data is opaque to the relay,
// it only routes by Target.
type Envelope struct {
	Action  Action     `json:"action"`
	ID      string     `json:"id,omitempty"`
	From    string     `json:"from,omitempty"`
	Target  string     `json:"target,omitempty"`
	Kind    SignalKind `json:"kind,omitempty"`
	Data    string     `json:"data,omitempty"`
	Code    ErrorCode  `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}

func NewRegister(id string) Envelope {
	return Envelope{Action: ActionRegister, ID: id}
}

func NewRegistered(id string) Envelope {
	return Envelope{Action: ActionRegistered, ID: id}
}

func NewSend(from, target string, kind SignalKind, data string) Envelope {
	return Envelope{Action: ActionSend, From: from, Target: target, Kind: kind, Data: data}
}

func NewReceive(from, target string, kind SignalKind, data string) Envelope {
	return Envelope{Action: ActionReceive, From: from, Target: target, Kind: kind, Data: data}
}

// NewError builds a relay error. subject is the identity the error is about:
// the requested id for id-taken, the missing target for peer-unavailable.
func NewError(code ErrorCode, subject string, message string) Envelope {
	env := Envelope{Action: ActionError, Code: code, Message: message}
	if code == CodePeerUnavailable {
		env.Target = subject
	} else {
		env.ID = subject
	}
	return env
}

func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// ParseEnvelope strictly decodes one envelope: unknown fields, trailing data
// and envelopes that fail Validate are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Action {
	case ActionRegister, ActionRegistered:
		if e.ID == "" {
			return fmt.Errorf("%s envelope missing id", e.Action)
		}
		if e.Target != "" || e.Data != "" || e.Kind != "" || e.Code != "" {
			return fmt.Errorf("%s envelope has unexpected fields", e.Action)
		}
	case ActionSend, ActionReceive:
		if e.Target == "" {
			return fmt.Errorf("%s envelope missing target", e.Action)
		}
		if e.Data == "" {
			return fmt.Errorf("%s envelope missing data", e.Action)
		}
		if e.Kind != KindOffer && e.Kind != KindAnswer {
			return fmt.Errorf("%s envelope has kind=%q", e.Action, e.Kind)
		}
		if e.Action == ActionReceive && e.From == "" {
			return fmt.Errorf("receive envelope missing from")
		}
		if e.ID != "" || e.Code != "" {
			return fmt.Errorf("%s envelope has unexpected fields", e.Action)
		}
	case ActionError:
		switch e.Code {
		case CodeIDTaken, CodePeerUnavailable, CodeBadMessage, CodeNotRegistered:
		default:
			return fmt.Errorf("error envelope has code=%q", e.Code)
		}
		if e.Data != "" || e.Kind != "" {
			return fmt.Errorf("error envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported action %q", e.Action)
	}
	return nil
}
