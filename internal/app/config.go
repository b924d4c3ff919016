package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/luminalpark/3cx-translator/internal/language"
	"github.com/luminalpark/3cx-translator/internal/relay"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	SentryDSN   string
	Environment string

	// Translation provider
	Provider     string // "gemini" or "openai"
	GeminiAPIKey string
	GeminiModel  string
	GeminiVoice  string
	OpenAIAPIKey string
	OpenAIURL    string
	OpenAIModel  string
	OpenAIVoice  string

	// Provider-side voice activity detection
	VADThreshold       float64
	VADPrefixPaddingMs int
	VADSilenceMs       int

	// Session defaults
	TurnDetection    string
	PeriodicInterval time.Duration
	SourceLang       string
	TargetLang       string
	Streaming        bool
	ClientSampleRate int
	QueueSize        int
	MaxBufferSeconds int

	// Timeouts
	ReadyTimeout    time.Duration
	ResponseTimeout time.Duration
	IdleTimeout     time.Duration
	BatchTimeout    time.Duration

	// Client authentication
	AuthToken string
	JWTSecret string
	JWTExpiry time.Duration
}

// ConfigurationError reports a setting the server cannot start without.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8001"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		Environment: getenv("ENVIRONMENT", "development"),

		// Translation provider
		Provider:     strings.ToLower(getenv("PROVIDER", "gemini")),
		GeminiAPIKey: getenv("GEMINI_API_KEY", ""),
		GeminiModel:  getenv("GEMINI_MODEL", "gemini-2.0-flash-exp"),
		GeminiVoice:  getenv("GEMINI_VOICE", "Kore"),
		OpenAIAPIKey: getenv("OPENAI_API_KEY", ""),
		OpenAIURL:    getenv("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIModel:  getenv("OPENAI_MODEL", "gpt-4o-realtime-preview"),
		OpenAIVoice:  getenv("OPENAI_VOICE", "alloy"),

		// VAD tuning (clamped to the ranges the providers accept)
		VADThreshold:       getenvFloatClamped("VAD_THRESHOLD", 0.5, 0.0, 1.0),
		VADPrefixPaddingMs: getenvIntClamped("VAD_PREFIX_PADDING_MS", 300, 0, 2000),
		VADSilenceMs:       getenvIntClamped("VAD_SILENCE_DURATION_MS", 500, 100, 5000),

		// Session defaults
		TurnDetection:    strings.ToLower(getenv("TURN_DETECTION", "auto")),
		PeriodicInterval: time.Duration(getenvIntClamped("PERIODIC_INTERVAL_MS", 3000, 500, 30000)) * time.Millisecond,
		SourceLang:       language.Normalize(getenv("DEFAULT_SOURCE_LANG", language.Auto)),
		TargetLang:       language.Normalize(getenv("DEFAULT_TARGET_LANG", "it")),
		Streaming:        getenvBool("DEFAULT_STREAMING", false),
		ClientSampleRate: getenvIntClamped("CLIENT_SAMPLE_RATE", 16000, 8000, 48000),
		QueueSize:        getenvIntClamped("QUEUE_SIZE", 256, 8, 4096),
		MaxBufferSeconds: getenvIntClamped("MAX_BUFFER_SECONDS", 30, 1, 300),

		// Timeouts
		ReadyTimeout:    getenvDuration("READY_TIMEOUT", 2*time.Second),
		ResponseTimeout: getenvDuration("RESPONSE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getenvDuration("PROVIDER_IDLE_TIMEOUT", 5*time.Minute),
		BatchTimeout:    getenvDuration("BATCH_TIMEOUT", 30*time.Second),

		// Client authentication
		AuthToken: os.Getenv("AUTH_TOKEN"),
		JWTSecret: os.Getenv("JWT_SECRET"), // No fallback for security
		JWTExpiry: getenvDuration("JWT_EXPIRY", time.Hour),
	}
}

// Validate checks the settings needed before serving.
func (c Config) Validate() error {
	switch c.Provider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return &ConfigurationError{Key: "GEMINI_API_KEY", Reason: "required when PROVIDER=gemini"}
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return &ConfigurationError{Key: "OPENAI_API_KEY", Reason: "required when PROVIDER=openai"}
		}
	default:
		return &ConfigurationError{Key: "PROVIDER", Reason: fmt.Sprintf("unknown provider %q", c.Provider)}
	}
	if !language.ValidSource(c.SourceLang) {
		return &ConfigurationError{Key: "DEFAULT_SOURCE_LANG", Reason: fmt.Sprintf("unsupported language %q", c.SourceLang)}
	}
	if !language.ValidTarget(c.TargetLang) {
		return &ConfigurationError{Key: "DEFAULT_TARGET_LANG", Reason: fmt.Sprintf("unsupported language %q", c.TargetLang)}
	}
	if _, ok := relay.ParseMode(c.TurnDetection); !ok {
		return &ConfigurationError{Key: "TURN_DETECTION", Reason: fmt.Sprintf("unknown mode %q", c.TurnDetection)}
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped reads an int and clamps it to [lo, hi]. Unset or
// invalid values yield def.
func getenvIntClamped(k string, def, lo, hi int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// getenvFloatClamped reads a float and clamps it to [lo, hi]. Unset or
// invalid values yield def.
func getenvFloatClamped(k string, def, lo, hi float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go durations ("2s") or plain seconds ("2").
func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
