package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion backend.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	AuthToken      string

	OpenAIAPIKey          string
	OpenAIRealtimeURL     string
	OpenAIRealtimeModel   string
	OpenAIEmbeddingModel  string
	OpenAIExtractionModel string

	DefaultVoice          string
	TranscriptionLanguage string

	InstructionTimeout     time.Duration
	UpstreamConnectTimeout time.Duration
	WelcomeDelay           time.Duration

	DatabaseURL string
	RedisURL    string

	RAGTopKUser int
	RAGTopKApp  int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "aura"),
		AllowAnyOrigin:   false,
		AuthToken:        stringsTrimSpace("APP_WS_AUTH_TOKEN"),

		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL: envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		// Speech-to-speech model for the upstream link.
		OpenAIRealtimeModel:   envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		OpenAIEmbeddingModel:  envOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		OpenAIExtractionModel: envOrDefault("OPENAI_EXTRACTION_MODEL", "gpt-4o-mini"),

		DefaultVoice: envOrDefault("APP_DEFAULT_VOICE", "shimmer"),
		// Explicit language hint speeds up whisper transcription noticeably.
		TranscriptionLanguage: envOrDefault("APP_TRANSCRIPTION_LANGUAGE", "ru"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
		RedisURL:    stringsTrimSpace("REDIS_URL"),

		RAGTopKUser: 3,
		RAGTopKApp:  2,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		InstructionTimeout:       10 * time.Second,
		UpstreamConnectTimeout:   15 * time.Second,
		WelcomeDelay:             time.Second,
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
	cfg.InstructionTimeout, err = durationFromEnv("APP_INSTRUCTION_TIMEOUT", cfg.InstructionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamConnectTimeout, err = durationFromEnv("APP_UPSTREAM_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WelcomeDelay, err = durationFromEnv("APP_WELCOME_DELAY", cfg.WelcomeDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGTopKUser, err = intFromEnv("APP_RAG_TOP_K_USER", cfg.RAGTopKUser)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGTopKApp, err = intFromEnv("APP_RAG_TOP_K_APP", cfg.RAGTopKApp)
	if err != nil {
		return Config{}, err
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_UPSTREAM_CONNECT_TIMEOUT must be positive")
	}
	if cfg.RAGTopKUser <= 0 {
		return Config{}, fmt.Errorf("APP_RAG_TOP_K_USER must be positive")
	}
	if cfg.RAGTopKApp <= 0 {
		return Config{}, fmt.Errorf("APP_RAG_TOP_K_APP must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
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
