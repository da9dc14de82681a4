package commands

import (
	"github.com/kw-m/webrtc-direct/pkg/config"
	"github.com/kw-m/webrtc-direct/pkg/relayserver"
	"github.com/spf13/cobra"
)

//NewRelayCmd returns the command that runs a signaling relay
func NewRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a signaling relay",
		RunE:  runRelay,
	}
	cmd.Flags().StringP("listen", "l", config.GetDefaultRelayServerConfig().ListenAddress, "Listen IP:Port for the relay")
	cmd.Flags().String("path", config.GetDefaultRelayServerConfig().SignalPath, "Websocket endpoint path")
	return cmd
}

func loadRelayConfig(cmd *cobra.Command) (config.RelayServerConfig, error) {
	v, err := bindFlags(cmd)
	if err != nil {
		return config.RelayServerConfig{}, err
	}

	cfg := config.GetDefaultRelayServerConfig()
	if path := v.GetString("config"); path != "" {
		if cfg, err = config.ReadRelayServerConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if given(cmd, "listen") {
		cfg.ListenAddress = v.GetString("listen")
	}
	if given(cmd, "path") {
		cfg.SignalPath = v.GetString("path")
	}
	if given(cmd, "log") {
		cfg.LogLevel = v.GetString("log")
	}
	if given(cmd, "log-file") {
		cfg.LogFile = v.GetString("log-file")
	}
	return cfg, nil
}

// runRelay serves the relay until a SIGINT or SIGTERM
func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadRelayConfig(cmd)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFile)
	lo := logger.WithField("prefix", "relay")

	server := relayserver.New(cfg, lo)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-exitSignal():
		lo.Info("ctrl+c or other system interrupt received, exiting.")
	}
	return server.Close()
}
