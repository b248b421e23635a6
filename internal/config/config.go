package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the tutor service and the
// terminal client.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	GeminiAPIKey    string
	GeminiWSBaseURL string

	// LiveTransport is auto, websocket, genai or mock.
	LiveTransport    string
	LiveModel        string
	LiveVoice        string
	LiveFrameSamples int
	InputSampleRate  int
	OutputSampleRate int
	SendQueue        int
	// Backpressure is drop or block.
	Backpressure     string
	SendBlockTimeout time.Duration
	// InboundFPS caps browser audio messages per second on a relay socket.
	InboundFPS int

	TutorFlashModel string
	TutorProModel   string
	TutorImageModel string
}

// LoadEnvFile reads KEY=VALUE pairs from the given files (".env" when none
// are given) without overriding variables already set. Missing files are
// ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "cumeo"),
		AllowAnyOrigin:   false,
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiWSBaseURL:  envOrDefault("GEMINI_WS_BASE_URL", "wss://generativelanguage.googleapis.com"),
		LiveTransport:    strings.ToLower(envOrDefault("LIVE_TRANSPORT", "auto")),
		LiveModel:        envOrDefault("LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-12-2025"),
		LiveVoice:        envOrDefault("LIVE_VOICE", "Kore"),
		LiveFrameSamples: 4096,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		SendQueue:        32,
		Backpressure:     strings.ToLower(envOrDefault("LIVE_BACKPRESSURE", "drop")),
		SendBlockTimeout: 120 * time.Millisecond,
		InboundFPS:       50,
		TutorFlashModel:  envOrDefault("TUTOR_FLASH_MODEL", "gemini-3-flash-preview"),
		TutorProModel:    envOrDefault("TUTOR_PRO_MODEL", "gemini-3-pro-preview"),
		TutorImageModel:  envOrDefault("TUTOR_IMAGE_MODEL", "gemini-2.5-flash-image"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveFrameSamples, err = intFromEnv("LIVE_FRAME_SAMPLES", cfg.LiveFrameSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("LIVE_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("LIVE_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.SendQueue, err = intFromEnv("LIVE_SEND_QUEUE", cfg.SendQueue)
	if err != nil {
		return Config{}, err
	}
	cfg.SendBlockTimeout, err = durationFromEnv("LIVE_SEND_BLOCK_TIMEOUT", cfg.SendBlockTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InboundFPS, err = intFromEnv("LIVE_INBOUND_FPS", cfg.InboundFPS)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch cfg.LiveTransport {
	case "auto", "websocket", "genai", "mock":
	default:
		return Config{}, fmt.Errorf("LIVE_TRANSPORT must be one of auto, websocket, genai, mock")
	}
	switch cfg.Backpressure {
	case "drop", "block":
	default:
		return Config{}, fmt.Errorf("LIVE_BACKPRESSURE must be drop or block")
	}
	if cfg.LiveFrameSamples <= 0 {
		return Config{}, fmt.Errorf("LIVE_FRAME_SAMPLES must be positive")
	}
	if cfg.InputSampleRate <= 0 || cfg.OutputSampleRate <= 0 {
		return Config{}, fmt.Errorf("LIVE_INPUT_SAMPLE_RATE and LIVE_OUTPUT_SAMPLE_RATE must be positive")
	}
	if cfg.SendQueue <= 0 {
		return Config{}, fmt.Errorf("LIVE_SEND_QUEUE must be positive")
	}
	if cfg.SendBlockTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_SEND_BLOCK_TIMEOUT must be positive")
	}
	if cfg.InboundFPS <= 0 {
		return Config{}, fmt.Errorf("LIVE_INBOUND_FPS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
