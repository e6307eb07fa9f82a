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

// Config contains all runtime settings for the voice service and CLI.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	LogLevel  string
	LogFormat string

	OpenAIAPIKey         string
	RealtimeBaseURL      string
	RealtimeModel        string
	RealtimeVoice        string
	RealtimeInstructions string
	TranscriptionModel   string
	// TokenIssuerURL points clients at a remote token endpoint. When empty the
	// process mints tokens itself with OpenAIAPIKey.
	TokenIssuerURL string

	MaxSessionDuration time.Duration
	ICEGatherTimeout   time.Duration
	NextQuestionDelay  time.Duration
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration
	STUNURLs           []string
	MicrophoneFile     string

	DatabaseURL string
}

// LoadDotEnv loads variables from the given files (".env" when none) without
// overriding the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
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
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "memorylane"),
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeBaseURL:          envOrDefault("REALTIME_BASE_URL", "https://api.openai.com/v1/realtime"),
		RealtimeModel:            envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:            envOrDefault("REALTIME_VOICE", "alloy"),
		RealtimeInstructions:     envOrDefault("REALTIME_INSTRUCTIONS", "You are a warm, patient interviewer helping someone record their life stories. Keep replies short and ask one follow-up at a time."),
		TranscriptionModel:       envOrDefault("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		TokenIssuerURL:           stringsTrimSpace("TOKEN_ISSUER_URL"),
		MicrophoneFile:           stringsTrimSpace("VOICE_MICROPHONE_FILE"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		STUNURLs:                 listFromEnv("VOICE_STUN_URLS", []string{"stun:stun.l.google.com:19302"}),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MaxSessionDuration:       30 * time.Minute,
		ICEGatherTimeout:         3 * time.Second,
		NextQuestionDelay:        1500 * time.Millisecond,
		VADThreshold:             0.5,
		VADPrefixPadding:         300 * time.Millisecond,
		VADSilenceDuration:       500 * time.Millisecond,
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
	cfg.MaxSessionDuration, err = durationFromEnv("VOICE_MAX_SESSION_DURATION", cfg.MaxSessionDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEGatherTimeout, err = durationFromEnv("VOICE_ICE_GATHER_TIMEOUT", cfg.ICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NextQuestionDelay, err = durationFromEnv("VOICE_NEXT_QUESTION_DELAY", cfg.NextQuestionDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VOICE_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPrefixPadding, err = durationFromEnv("VOICE_VAD_PREFIX_PADDING", cfg.VADPrefixPadding)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceDuration, err = durationFromEnv("VOICE_VAD_SILENCE_DURATION", cfg.VADSilenceDuration)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxSessionDuration < 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_SESSION_DURATION must be >= 0")
	}
	if cfg.ICEGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_ICE_GATHER_TIMEOUT must be positive")
	}
	if cfg.NextQuestionDelay < 0 {
		return Config{}, fmt.Errorf("VOICE_NEXT_QUESTION_DELAY must be >= 0")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VOICE_VAD_THRESHOLD must be within [0, 1]")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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

// listFromEnv splits a comma separated value, dropping blanks. A set but
// blank variable yields an empty list.
func listFromEnv(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
