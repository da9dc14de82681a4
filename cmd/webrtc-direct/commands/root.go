package commands

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//RootCmd is the root command for webrtc-direct
var RootCmd = &cobra.Command{
	Use:              "webrtc-direct",
	Short:            "Direct WebRTC sessions between named peers",
	TraverseChildren: true,
}

func init() {
	RootCmd.PersistentFlags().String("config", "", "Path to a json config file, flags override its values")
	RootCmd.PersistentFlags().String("log", "", "debug, info, warn, error, critical")
	RootCmd.PersistentFlags().String("log-file", "", "Also append logs to this file")
}

const envPrefix = "WEBRTC_DIRECT"

var envKeyReplacer = strings.NewReplacer("-", "_")

// bindFlags registers the command's flags (and the persistent ones from the
// root) with a fresh viper instance. Every flag can also come from the
// environment, eg: --log-file from WEBRTC_DIRECT_LOG_FILE.
func bindFlags(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	return v, nil
}

// given reports whether key was passed on the command line or set in the
// environment. viper.IsSet is true for any bound flag, defaults included, so
// it cannot tell a flag default from a value the user chose.
func given(cmd *cobra.Command, key string) bool {
	if cmd.Flags().Changed(key) {
		return true
	}
	_, ok := os.LookupEnv(envPrefix + "_" + strings.ToUpper(envKeyReplacer.Replace(key)))
	return ok
}

// exitSignal fires on ctrl+c or any other request from the OS to stop.
func exitSignal() chan os.Signal {
	systemExitCalled := make(chan os.Signal, 1)
	signal.Notify(systemExitCalled, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)
	return systemExitCalled
}
