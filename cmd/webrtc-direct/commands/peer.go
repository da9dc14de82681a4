package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	webrtc_direct "github.com/kw-m/webrtc-direct/pkg"
	"github.com/kw-m/webrtc-direct/pkg/config"
	"github.com/kw-m/webrtc-direct/pkg/media"
	"github.com/kw-m/webrtc-direct/pkg/negotiation"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CaptureDevices opens the local camera and microphone for --media and
// --answer-media. main sets it, which keeps the cgo capture drivers out of
// this package.
var CaptureDevices func(lo *log.Entry) (media.Capturer, *webrtc.MediaEngine, error)

//NewPeerCmd returns the command that registers a peer and chats over stdin/stdout
func NewPeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Register on a relay, optionally call another peer, and send stdin lines to connected peers",
		RunE:  runPeer,
	}
	cmd.Flags().String("id", "", "Identity to register (generated when empty)")
	cmd.Flags().StringSlice("relay", nil, "Relay url to try, repeat for fallbacks in order")
	cmd.Flags().String("call", "", "Identity of a peer to call once registered")
	cmd.Flags().Bool("media", false, "Capture camera and microphone for calls instead of opening a data channel")
	cmd.Flags().String("rtp-video", "", "Take video from rtp packets (vp8) sent to this rtp://host:port instead of the camera")
	cmd.Flags().String("rtp-audio", "", "Take audio from rtp packets (opus) sent to this rtp://host:port instead of the microphone")
	cmd.Flags().Bool("answer-media", false, "Attach camera and microphone when answering calls")
	cmd.Flags().Bool("grpc", false, "Start the grpc control server")
	cmd.Flags().String("grpc-address", config.GetDefaultClientConfig().GRPCServerAddress, "Listen address of the grpc control server")
	return cmd
}

// peerActions are the per-run choices that have no place in ClientConfig.
type peerActions struct {
	Call     string
	Media    bool
	RTPVideo string
	RTPAudio string
}

func loadPeerConfig(cmd *cobra.Command) (config.ClientConfig, peerActions, error) {
	v, err := bindFlags(cmd)
	if err != nil {
		return config.ClientConfig{}, peerActions{}, err
	}

	actions := peerActions{
		Call:     v.GetString("call"),
		Media:    v.GetBool("media"),
		RTPVideo: v.GetString("rtp-video"),
		RTPAudio: v.GetString("rtp-audio"),
	}

	cfg := config.GetDefaultClientConfig()
	if path := v.GetString("config"); path != "" {
		if cfg, err = config.ReadConfigFile(path); err != nil {
			return cfg, actions, err
		}
	}
	if given(cmd, "id") {
		cfg.Identity = v.GetString("id")
	}
	if relays := v.GetStringSlice("relay"); given(cmd, "relay") && len(relays) > 0 {
		cfg.RelayURLs = relays
	}
	if given(cmd, "answer-media") {
		cfg.AnswerWithMedia = v.GetBool("answer-media")
	}
	if given(cmd, "grpc") {
		cfg.StartGRPCServer = v.GetBool("grpc")
	}
	if given(cmd, "grpc-address") {
		cfg.GRPCServerAddress = v.GetString("grpc-address")
	}
	if given(cmd, "log") {
		cfg.LogLevel = v.GetString("log")
	}
	if given(cmd, "log-file") {
		cfg.LogFile = v.GetString("log-file")
	}
	return cfg, actions, nil
}

func runPeer(cmd *cobra.Command, args []string) error {
	cfg, actions, err := loadPeerConfig(cmd)
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFile)
	opts := []webrtc_direct.Option{webrtc_direct.WithLogger(logger)}

	// capture is only set up when something can use it
	if actions.RTPVideo != "" || actions.RTPAudio != "" {
		capturer, err := newRTPCapturer(actions.RTPVideo, actions.RTPAudio, logger.WithField("prefix", "media"))
		if err != nil {
			return err
		}
		defer func() {
			for _, src := range capturer.Sources {
				src.Close()
			}
		}()
		opts = append(opts, webrtc_direct.WithCapturer(capturer))
	} else if actions.Media || cfg.AnswerWithMedia {
		if CaptureDevices == nil {
			return errors.New("camera and microphone capture is not available in this build, use --rtp-video/--rtp-audio")
		}
		capturer, mediaEngine, err := CaptureDevices(logger.WithField("prefix", "media"))
		if err != nil {
			return err
		}
		opts = append(opts, webrtc_direct.WithCapturer(capturer), webrtc_direct.WithMediaEngine(mediaEngine))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := webrtc_direct.NewPeerClient(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	client.OnMessage(func(peer string, data []byte) {
		fmt.Fprintf(out, "%s: %s\n", peer, string(data))
	})
	client.OnChannelOpen(func(peer string) {
		fmt.Fprintf(out, "* connected to %s\n", peer)
	})
	client.OnRemoteStream(func(peer string, stream *media.RemoteStream) {
		fmt.Fprintf(out, "* %s is sending %d track(s)\n", peer, len(stream.Tracks()))
	})
	client.OnSessionState(func(peer string, state negotiation.State) {
		if state == negotiation.Failed {
			fmt.Fprintf(out, "* session with %s failed\n", peer)
		}
	})
	client.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "* relay error: %v\n", err)
	})
	fmt.Fprintf(out, "* registered as %s on %s\n", client.Identity(), client.RelayURL())

	if actions.Call != "" {
		if err := client.Call(ctx, actions.Call, actions.Media); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	systemExitCalled := exitSignal()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := client.SendMessage([]byte(line)); err != nil {
				client.Log.Warn("Send failed: ", err)
			}
		case <-client.Done():
			return nil
		case <-systemExitCalled:
			client.Log.Info("ctrl+c or other system interrupt received, exiting.")
			return nil
		}
	}
}

func newRTPCapturer(videoURL string, audioURL string, lo *log.Entry) (*media.RTPCapturer, error) {
	capturer := &media.RTPCapturer{StreamID: "rtp"}
	if videoURL != "" {
		src, err := media.NewRTPSource(videoURL, webrtc.MimeTypeVP8, "video", capturer.StreamID, lo)
		if err != nil {
			return nil, err
		}
		capturer.Sources = append(capturer.Sources, src)
	}
	if audioURL != "" {
		src, err := media.NewRTPSource(audioURL, webrtc.MimeTypeOpus, "audio", capturer.StreamID, lo)
		if err != nil {
			for _, s := range capturer.Sources {
				s.Close()
			}
			return nil, err
		}
		capturer.Sources = append(capturer.Sources, src)
	}
	return capturer, nil
}
