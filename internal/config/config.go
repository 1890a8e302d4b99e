package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string `env:"AUTH_TOKEN"`
	CORSOrigins string `env:"CORS_ORIGINS"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	AudioSource  string        `env:"AUDIO_SOURCE" envDefault:"device"`
	AudioDevice  string        `env:"AUDIO_DEVICE"`
	AudioFile    string        `env:"AUDIO_FILE"`
	SampleRate   int           `env:"SAMPLE_RATE" envDefault:"16000"`
	FrameSize    int           `env:"FRAME_SIZE" envDefault:"4096"`
	RestartDelay time.Duration `env:"RESTART_DELAY" envDefault:"3s"`
	AutoStart    bool          `env:"AUTO_START" envDefault:"true"`

	RecognizerURL     string        `env:"RECOGNIZER_URL" envDefault:"ws://localhost:2700"`
	RecognizerTimeout time.Duration `env:"RECOGNIZER_TIMEOUT" envDefault:"10s"`

	Summarizer    string `env:"SUMMARIZER" envDefault:"ollama"`
	OllamaURL     string `env:"OLLAMA_URL" envDefault:"http://localhost:11434/api/generate"`
	OllamaModel   string `env:"OLLAMA_MODEL" envDefault:"gemma3:4b"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	SummaryPrompt       string        `env:"SUMMARY_PROMPT"`
	SummaryStream       bool          `env:"SUMMARY_STREAM" envDefault:"false"`
	SummaryTimeout      time.Duration `env:"SUMMARY_TIMEOUT" envDefault:"60s"`
	SummaryContextChars int           `env:"SUMMARY_CONTEXT_CHARS" envDefault:"2000"`
	SummaryQueueSize    int           `env:"SUMMARY_QUEUE_SIZE" envDefault:"32"`

	SSERingSize      int `env:"SSE_RING_SIZE" envDefault:"256"`
	SubscriberBuffer int `env:"SUBSCRIBER_BUFFER" envDefault:"64"`

	// Event mirror; disabled when MQTTBrokerURL is empty.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"livesum/events"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"livesum"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	AudioSource   string
	AudioDevice   string
	AudioFile     string
	RecognizerURL string
	Summarizer    string
	MQTTBrokerURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.AudioSource != "" {
		cfg.AudioSource = overrides.AudioSource
	}
	if overrides.AudioDevice != "" {
		cfg.AudioDevice = overrides.AudioDevice
	}
	if overrides.AudioFile != "" {
		cfg.AudioFile = overrides.AudioFile
		if overrides.AudioSource == "" {
			cfg.AudioSource = "file"
		}
	}
	if overrides.RecognizerURL != "" {
		cfg.RecognizerURL = overrides.RecognizerURL
	}
	if overrides.Summarizer != "" {
		cfg.Summarizer = overrides.Summarizer
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.AudioSource = strings.ToLower(c.AudioSource)
	c.Summarizer = strings.ToLower(c.Summarizer)

	switch c.AudioSource {
	case "device":
	case "file":
		if c.AudioFile == "" {
			return fmt.Errorf("AUDIO_SOURCE=file requires AUDIO_FILE")
		}
	default:
		return fmt.Errorf("invalid AUDIO_SOURCE %q (want device or file)", c.AudioSource)
	}

	switch c.Summarizer {
	case "ollama", "none":
	case "openai":
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			return fmt.Errorf("SUMMARIZER=openai requires OPENAI_API_KEY or OPENAI_BASE_URL")
		}
	default:
		return fmt.Errorf("invalid SUMMARIZER %q (want ollama, openai or none)", c.Summarizer)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	// Frames carry whole 16-bit samples.
	if c.FrameSize <= 0 || c.FrameSize%2 != 0 {
		return fmt.Errorf("FRAME_SIZE must be a positive even number of bytes, got %d", c.FrameSize)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("RESTART_DELAY must not be negative")
	}
	if c.SummaryContextChars < 0 {
		return fmt.Errorf("SUMMARY_CONTEXT_CHARS must not be negative")
	}
	if c.SummaryQueueSize <= 0 {
		return fmt.Errorf("SUMMARY_QUEUE_SIZE must be positive, got %d", c.SummaryQueueSize)
	}
	if c.SSERingSize < 0 || c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SSE_RING_SIZE must not be negative and SUBSCRIBER_BUFFER must be positive")
	}
	return nil
}

// CORSOriginList splits CORS_ORIGINS on commas. Empty means any origin.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
