package config

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLogLevel(t *testing.T) {
	lvl, err := StringToLogLevel("DEBUG")
	assert.NoError(t, err)
	assert.Equal(t, log.DebugLevel, lvl)

	lvl, err = StringToLogLevel("critical")
	assert.NoError(t, err)
	assert.Equal(t, log.PanicLevel, lvl)

	lvl, err = StringToLogLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, log.WarnLevel, lvl)
}

func TestReadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"Identity": "alice",
		"RelayURLs": ["ws://10.0.0.1:8080", "ws://10.0.0.2:8080"],
		"CompressPayloads": false
	}`), 0644))

	cfg, err := ReadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity)
	assert.Equal(t, []string{"ws://10.0.0.1:8080", "ws://10.0.0.2:8080"}, cfg.RelayURLs)
	assert.False(t, cfg.CompressPayloads)

	// untouched fields keep their defaults
	defaults := GetDefaultClientConfig()
	assert.Equal(t, defaults.SignalPath, cfg.SignalPath)
	assert.Equal(t, defaults.DataChannelLabel, cfg.DataChannelLabel)
	assert.Equal(t, defaults.Configuration.ICEServers, cfg.Configuration.ICEServers)
}

func TestReadConfigFileErrors(t *testing.T) {
	_, err := ReadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Identity": `), 0644))
	_, err = ReadConfigFile(path)
	assert.Error(t, err)
}

func TestReadRelayServerConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ListenAddress": "127.0.0.1:9999"}`), 0644))

	cfg, err := ReadRelayServerConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddress)
	assert.Equal(t, "/ws", cfg.SignalPath)
	assert.EqualValues(t, 64*1024, cfg.MaxMessageBytes)
}

func TestNewLoggerWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.log")
	logger := NewLogger("debug", path)
	logger.WithField("prefix", "test").Info("hello log file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello log file")
}
