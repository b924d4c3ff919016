package app

import (
	"errors"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	t.Setenv("TEST_ENV_VAR", "custom_value")

	if got := getenv("TEST_ENV_VAR", "default"); got != "custom_value" {
		t.Errorf("getenv(set) = %q, want %q", got, "custom_value")
	}
	if got := getenv("TEST_ENV_VAR_NOTSET", "default"); got != "default" {
		t.Errorf("getenv(unset) = %q, want %q", got, "default")
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   int
		lo    int
		hi    int
		want  int
	}{
		{"within range", "500", 100, 0, 1000, 500},
		{"below min", "-100", 100, 0, 1000, 0},
		{"above max", "5000", 100, 0, 1000, 1000},
		{"unset", "", 300, 0, 1000, 300},
		{"invalid", "abc", 300, 0, 1000, 300},
		{"exactly min", "200", 500, 200, 800, 200},
		{"exactly max", "800", 500, 200, 800, 800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT", tt.value)
			got := getenvIntClamped("TEST_INT", tt.def, tt.lo, tt.hi)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%q, %d, %d, %d) = %d, want %d",
					tt.value, tt.def, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   float64
		want  float64
	}{
		{"within range", "0.7", 0.5, 0.7},
		{"below min", "-0.5", 0.5, 0.0},
		{"above max", "1.5", 0.5, 1.0},
		{"unset", "", 0.25, 0.25},
		{"invalid", "not_a_float", 0.5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_FLOAT", tt.value)
			got := getenvFloatClamped("TEST_FLOAT", tt.def, 0.0, 1.0)
			if got != tt.want {
				t.Errorf("getenvFloatClamped(%q, %f) = %f, want %f", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"false", true, false},
		{"", true, true},
		{"yes please", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			if got := getenvBool("TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("getenvBool(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"2s", 2 * time.Second},
		{"1500ms", 1500 * time.Millisecond},
		{"3", 3 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"", time.Minute},
		{"-1s", time.Minute},
		{"0", time.Minute},
		{"soon", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getenvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getenvDuration(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HTTP_ADDR", "PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL", "OPENAI_API_KEY",
		"OPENAI_REALTIME_URL", "TURN_DETECTION", "PERIODIC_INTERVAL_MS", "DEFAULT_SOURCE_LANG",
		"DEFAULT_TARGET_LANG", "DEFAULT_STREAMING", "CLIENT_SAMPLE_RATE", "QUEUE_SIZE",
		"READY_TIMEOUT", "RESPONSE_TIMEOUT", "PROVIDER_IDLE_TIMEOUT", "VAD_THRESHOLD",
		"VAD_SILENCE_DURATION_MS", "AUTH_TOKEN", "JWT_SECRET", "JWT_EXPIRY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":8001" {
		t.Errorf("HTTPAddr = %q, want :8001", cfg.HTTPAddr)
	}
	if cfg.Provider != "gemini" || cfg.GeminiModel != "gemini-2.0-flash-exp" || cfg.GeminiVoice != "Kore" {
		t.Errorf("provider defaults = %q %q %q", cfg.Provider, cfg.GeminiModel, cfg.GeminiVoice)
	}
	if cfg.OpenAIURL != "wss://api.openai.com/v1/realtime" {
		t.Errorf("OpenAIURL = %q", cfg.OpenAIURL)
	}
	if cfg.SourceLang != "auto" || cfg.TargetLang != "it" {
		t.Errorf("languages = %q -> %q, want auto -> it", cfg.SourceLang, cfg.TargetLang)
	}
	if cfg.TurnDetection != "auto" || cfg.PeriodicInterval != 3*time.Second {
		t.Errorf("turn detection = %q every %v", cfg.TurnDetection, cfg.PeriodicInterval)
	}
	if cfg.Streaming {
		t.Error("Streaming should default to false")
	}
	if cfg.ClientSampleRate != 16000 || cfg.QueueSize != 256 {
		t.Errorf("ClientSampleRate = %d, QueueSize = %d", cfg.ClientSampleRate, cfg.QueueSize)
	}
	if cfg.ReadyTimeout != 2*time.Second || cfg.ResponseTimeout != 30*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.ReadyTimeout, cfg.ResponseTimeout)
	}
	if cfg.VADThreshold != 0.5 || cfg.VADPrefixPaddingMs != 300 || cfg.VADSilenceMs != 500 {
		t.Errorf("VAD = %v %d %d", cfg.VADThreshold, cfg.VADPrefixPaddingMs, cfg.VADSilenceMs)
	}
	if cfg.JWTExpiry != time.Hour {
		t.Errorf("JWTExpiry = %v, want 1h", cfg.JWTExpiry)
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEFAULT_SOURCE_LANG", "German")
	t.Setenv("DEFAULT_TARGET_LANG", "EN")
	t.Setenv("TURN_DETECTION", "Periodic")
	t.Setenv("PERIODIC_INTERVAL_MS", "100")
	t.Setenv("DEFAULT_STREAMING", "true")
	t.Setenv("VAD_SILENCE_DURATION_MS", "99999")
	t.Setenv("READY_TIMEOUT", "5s")

	cfg := LoadConfigFromEnv()

	if cfg.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", cfg.Provider)
	}
	if cfg.SourceLang != "de" || cfg.TargetLang != "en" {
		t.Errorf("languages = %q -> %q, want de -> en", cfg.SourceLang, cfg.TargetLang)
	}
	if cfg.TurnDetection != "periodic" {
		t.Errorf("TurnDetection = %q, want periodic", cfg.TurnDetection)
	}
	if cfg.PeriodicInterval != 500*time.Millisecond {
		t.Errorf("PeriodicInterval = %v, want clamped to 500ms", cfg.PeriodicInterval)
	}
	if !cfg.Streaming {
		t.Error("Streaming should be true")
	}
	if cfg.VADSilenceMs != 5000 {
		t.Errorf("VADSilenceMs = %d, want clamped to 5000", cfg.VADSilenceMs)
	}
	if cfg.ReadyTimeout != 5*time.Second {
		t.Errorf("ReadyTimeout = %v, want 5s", cfg.ReadyTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Provider:      "gemini",
		GeminiAPIKey:  "key",
		SourceLang:    "auto",
		TargetLang:    "it",
		TurnDetection: "auto",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing gemini key", func(c *Config) { c.GeminiAPIKey = "" }, "GEMINI_API_KEY"},
		{"missing openai key", func(c *Config) { c.Provider = "openai" }, "OPENAI_API_KEY"},
		{"unknown provider", func(c *Config) { c.Provider = "azure" }, "PROVIDER"},
		{"unsupported source", func(c *Config) { c.SourceLang = "xx" }, "DEFAULT_SOURCE_LANG"},
		{"auto target", func(c *Config) { c.TargetLang = "auto" }, "DEFAULT_TARGET_LANG"},
		{"unknown mode", func(c *Config) { c.TurnDetection = "always" }, "TURN_DETECTION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantKey == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want *ConfigurationError", err)
			}
			if cfgErr.Key != tt.wantKey {
				t.Errorf("ConfigurationError.Key = %q, want %q", cfgErr.Key, tt.wantKey)
			}
		})
	}
}
