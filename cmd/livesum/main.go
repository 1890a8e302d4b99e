package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

var overrides config.Overrides

var rootCmd = &cobra.Command{
	Use:           "livesum",
	Short:         "Live speech transcription with rolling summaries",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default .env)")
	rootCmd.PersistentFlags().StringVar(&overrides.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&overrides.AudioSource, "source", "", "Audio source: device or file")
	serveCmd.Flags().StringVar(&overrides.AudioDevice, "device", "", "Capture device name or ID")
	serveCmd.Flags().StringVar(&overrides.AudioFile, "file", "", "WAV or FLAC file to replay instead of a device")
	serveCmd.Flags().StringVar(&overrides.RecognizerURL, "recognizer-url", "", "Vosk server websocket URL")
	serveCmd.Flags().StringVar(&overrides.Summarizer, "summarizer", "", "Summarizer backend: ollama, openai or none")
	serveCmd.Flags().StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "MQTT broker URL for the event mirror")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("livesum failed")
	}
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.With().Timestamp().Logger().Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(overrides)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
