package config

import (
	"time"

	webrtc "github.com/pion/webrtc/v3"
)

// configuration for a webrtc-direct peer client
type ClientConfig struct {

	// Identity: the name this client registers with on the relay. Other peers call this client by this name.
	// if empty, an identity is generated from BaseIdentity (see UseMemorableIdentity).
	// Default: "" (generated)
	Identity string

	// BaseIdentity: prefix used when generating an identity because Identity is empty.
	// Default: "peer-"
	BaseIdentity string

	// Use a longer but more memorable name (eg: peer-Misty-River) in place of a random uuid suffix when generating the identity.
	// Default: false
	UseMemorableIdentity bool

	// RelayURLs: ordered list of signaling relay base urls (ws:// or wss://) to try, first reachable one wins.
	// Default: ["wss://quick-ferret-74.deno.dev"]
	RelayURLs []string

	// SignalPath: path appended to each relay url when opening the websocket.
	// Default: "/ws"
	SignalPath string

	// DialTimeoutMs: how long to wait for the websocket handshake with a single relay before moving to the next one.
	// Default: 5000
	DialTimeoutMs int

	// RegisterTimeoutMs: how long to wait for the relay to acknowledge (or reject) our identity.
	// Relays that never acknowledge are treated as having accepted the registration once this elapses.
	// Default: 2000
	RegisterTimeoutMs int

	// CompressPayloads: deflate + base64 the session descriptions before handing them to the relay.
	// Decoding accepts both forms regardless of this setting.
	// Default: true
	CompressPayloads bool

	// DataChannelLabel: label of the data channel created when calling a peer without media.
	// Default: "chat"
	DataChannelLabel string

	// AnswerWithMedia: if true, capture local camera/microphone and attach the tracks when answering an incoming call.
	// Default: false
	AnswerWithMedia bool

	// ICEGatheringTimeoutMs: upper bound on waiting for ICE candidate gathering before a description is sent.
	// Default: 3000
	ICEGatheringTimeoutMs int

	//Configuration: struct passed to pion RTCPeerConnection. This contains any custom ICE/TURN server configuration.
	// Default: { 'iceServers': [{ 'urls': 'stun:stun.l.google.com:19302' }], 'sdpSemantics': 'unified-plan' }
	Configuration webrtc.Configuration

	// Whether or not to start the grpc control server so another process can drive this client.
	// Default: false
	StartGRPCServer bool

	// GRPCServerAddress: listen address of the grpc control server.
	// Default: "localhost:9023"
	GRPCServerAddress string

	// LogLevel: The log verbosity to use. Must be one of: critical, error, warn, info, debug. (debug is most verbose)
	// Default: "info"
	LogLevel string

	// LogFile: if set, logs are also appended to this file.
	// Default: ""
	LogFile string

	// IncludeMessagesInLogs: If true, data channel messages sent and received are included in the logs, careful with using this in production.
	// Default: false
	IncludeMessagesInLogs bool
}

// configuration for the webrtc-direct signaling relay
type RelayServerConfig struct {
	// ListenAddress: host:port the relay http server binds to.
	// Default: ":8080"
	ListenAddress string

	// SignalPath: path the websocket endpoint is served on.
	// Default: "/ws"
	SignalPath string

	// MaxMessageBytes: largest envelope the relay accepts from a client.
	// Default: 65536
	MaxMessageBytes int64

	// LogLevel: see ClientConfig.LogLevel
	// Default: "info"
	LogLevel string

	// LogFile: see ClientConfig.LogFile
	LogFile string
}

func GetDefaultClientConfig() ClientConfig {
	return ClientConfig{
		Identity:              "",
		BaseIdentity:          "peer-",
		UseMemorableIdentity:  false,
		RelayURLs:             []string{"wss://quick-ferret-74.deno.dev"},
		SignalPath:            "/ws",
		DialTimeoutMs:         5000,
		RegisterTimeoutMs:     2000,
		CompressPayloads:      true,
		DataChannelLabel:      "chat",
		AnswerWithMedia:       false,
		ICEGatheringTimeoutMs: 3000,
		Configuration: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		StartGRPCServer:       false,
		GRPCServerAddress:     "localhost:9023",
		LogLevel:              "info",
		LogFile:               "",
		IncludeMessagesInLogs: false,
	}
}

func GetDefaultRelayServerConfig() RelayServerConfig {
	return RelayServerConfig{
		ListenAddress:   ":8080",
		SignalPath:      "/ws",
		MaxMessageBytes: 64 * 1024,
		LogLevel:        "info",
	}
}

func (c *ClientConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

func (c *ClientConfig) RegisterTimeout() time.Duration {
	return time.Duration(c.RegisterTimeoutMs) * time.Millisecond
}

func (c *ClientConfig) ICEGatheringTimeout() time.Duration {
	return time.Duration(c.ICEGatheringTimeoutMs) * time.Millisecond
}
