// Package codec turns session descriptions into the opaque text payloads that
// travel through the signaling relay, and back.
//
// A payload is either the description's JSON text, or that JSON deflated with
// zlib framing and base64 encoded. Decode accepts both, so peers with
// different compression settings still understand each other.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	webrtc "github.com/pion/webrtc/v3"
)

// MaxDecodedBytes bounds how much a single payload may inflate to.
const MaxDecodedBytes = 1 << 20

var (
	errEmptyPayload = errors.New("empty payload")
	errTooLarge     = fmt.Errorf("decoded payload exceeds %d bytes", MaxDecodedBytes)
	errMissingSDP   = errors.New("session description has no sdp")
)

// CodecError reports a payload that could not be encoded or decoded.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string {
	return "codec: " + e.Op + ": " + e.Err.Error()
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

type Codec struct {
	// Compress enables zlib+base64 framing on Encode.
	Compress bool
	// Level is the zlib compression level, zlib.DefaultCompression when zero.
	Level int
}

func New(compress bool) *Codec {
	return &Codec{Compress: compress, Level: zlib.DefaultCompression}
}

// wireDescription pins the json layout independently of the webrtc library's own marshalling.
type wireDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (c *Codec) Encode(desc webrtc.SessionDescription) (string, error) {
	if err := validate(desc); err != nil {
		return "", &CodecError{Op: "encode", Err: err}
	}
	raw, err := json.Marshal(wireDescription{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return "", &CodecError{Op: "encode", Err: err}
	}
	if !c.Compress {
		return string(raw), nil
	}

	level := c.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return "", &CodecError{Op: "encode", Err: err}
	}
	if _, err := w.Write(raw); err != nil {
		return "", &CodecError{Op: "encode", Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &CodecError{Op: "encode", Err: err}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (c *Codec) Decode(payload string) (webrtc.SessionDescription, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return webrtc.SessionDescription{}, &CodecError{Op: "decode", Err: errEmptyPayload}
	}

	var raw []byte
	if payload[0] == '{' {
		raw = []byte(payload)
	} else {
		inflated, err := inflate(payload)
		if err != nil {
			return webrtc.SessionDescription{}, &CodecError{Op: "decode", Err: err}
		}
		raw = inflated
	}

	var wire wireDescription
	if err := json.Unmarshal(raw, &wire); err != nil {
		return webrtc.SessionDescription{}, &CodecError{Op: "decode", Err: err}
	}
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(wire.Type), SDP: wire.SDP}
	if err := validate(desc); err != nil {
		return webrtc.SessionDescription{}, &CodecError{Op: "decode", Err: err}
	}
	return desc, nil
}

func inflate(payload string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if len(out) > MaxDecodedBytes {
		return nil, errTooLarge
	}
	return out, nil
}

func validate(desc webrtc.SessionDescription) error {
	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
	default:
		return fmt.Errorf("unsupported session description type %q", desc.Type.String())
	}
	if desc.SDP == "" {
		return errMissingSDP
	}
	return nil
}
