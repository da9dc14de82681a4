package main

import (
	"os"

	"github.com/kw-m/webrtc-direct/cmd/webrtc-direct/commands"
	"github.com/kw-m/webrtc-direct/pkg/media"
	"github.com/kw-m/webrtc-direct/pkg/media/devices"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

func captureDevices(lo *log.Entry) (media.Capturer, *webrtc.MediaEngine, error) {
	capturer, err := devices.NewCapturer(devices.DefaultOptions(), lo)
	if err != nil {
		return nil, nil, err
	}
	mediaEngine := &webrtc.MediaEngine{}
	capturer.PopulateMediaEngine(mediaEngine)
	return capturer, mediaEngine, nil
}

func main() {
	commands.CaptureDevices = captureDevices

	rootCmd := commands.RootCmd
	rootCmd.AddCommand(
		commands.NewRelayCmd(),
		commands.NewPeerCmd(),
	)

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
