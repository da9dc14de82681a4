package config

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

func StringToLogLevel(s string) (log.Level, error) {
	s = strings.ToLower(s)
	switch s {
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	case "critical":
		return log.PanicLevel, nil
	default:
		return log.WarnLevel, errors.New("Invalid log level: " + s)
	}
}

// ReadConfigFile reads a json client config file on top of the defaults, so
// the file only needs to contain the fields that differ.
func ReadConfigFile(configFilePath string) (ClientConfig, error) {
	config := GetDefaultClientConfig()
	err := readJsonFile(configFilePath, &config)
	return config, err
}

// ReadRelayServerConfigFile is ReadConfigFile for the relay server.
func ReadRelayServerConfigFile(configFilePath string) (RelayServerConfig, error) {
	config := GetDefaultRelayServerConfig()
	err := readJsonFile(configFilePath, &config)
	return config, err
}

func readJsonFile(configFilePath string, into interface{}) error {
	// read our json file as a byte array.
	jsonConfigBytes, err := os.ReadFile(configFilePath)
	if err != nil {
		return err
	}

	// unmarshal over the defaults already present in 'into'
	return json.Unmarshal(jsonConfigBytes, into)
}

// NewLogger builds the logrus logger shared by every component. Components
// derive their entries with WithField("prefix", <component name>).
func NewLogger(level string, logFile string) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})

	lvl, err := StringToLogLevel(level)
	if err != nil {
		logger.Warn(err)
	}
	logger.SetLevel(lvl)

	if logFile != "" {
		pathMap := lfshook.PathMap{}
		for _, l := range log.AllLevels {
			pathMap[l] = logFile
		}
		logger.Hooks.Add(lfshook.NewHook(pathMap, &log.TextFormatter{DisableQuote: true}))
	}
	return logger
}

// DiscardLogger returns an entry that writes nowhere, handy for tests.
func DiscardLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}
