// Package costs provides cost calculation for provider usage.
package costs

import (
	"os"
	"strconv"
)

// Pricing constants (in cents per minute of audio).
// Defaults follow the providers' public realtime audio rates and can be
// overridden via environment variables.
var (
	// GeminiInputCentsPerMinute is the cost per minute of audio sent to Gemini Live.
	// Default: $0.0060/min = 0.6 cents/min
	GeminiInputCentsPerMinute = getEnvFloat("COST_GEMINI_INPUT_CENTS_PER_MIN", 0.6)

	// GeminiOutputCentsPerMinute is the cost per minute of audio produced by Gemini Live.
	// Default: $0.0240/min = 2.4 cents/min
	GeminiOutputCentsPerMinute = getEnvFloat("COST_GEMINI_OUTPUT_CENTS_PER_MIN", 2.4)

	// OpenAIInputCentsPerMinute is the cost per minute of audio sent to OpenAI Realtime.
	// Default: $0.06/min = 6 cents/min
	OpenAIInputCentsPerMinute = getEnvFloat("COST_OPENAI_INPUT_CENTS_PER_MIN", 6.0)

	// OpenAIOutputCentsPerMinute is the cost per minute of audio produced by OpenAI Realtime.
	// Default: $0.24/min = 24 cents/min
	OpenAIOutputCentsPerMinute = getEnvFloat("COST_OPENAI_OUTPUT_CENTS_PER_MIN", 24.0)

	// MinBillableSeconds is the minimum audio billed per direction once any audio flowed.
	MinBillableSeconds = getEnvInt("COST_MIN_BILLABLE_SECONDS", 1)
)

// SessionUsage contains the raw audio metrics of a session.
type SessionUsage struct {
	Provider           string  // "gemini" or "openai"
	InputAudioSeconds  float64 // Audio sent to the provider
	OutputAudioSeconds float64 // Translated audio received
}

// SessionCosts contains the calculated costs for a session in cents.
type SessionCosts struct {
	InputCostCents  int
	OutputCostCents int
	TotalCostCents  int
}

// CalculateSessionCosts computes the provider costs of a session.
// Unknown providers cost nothing.
func CalculateSessionCosts(u SessionUsage) SessionCosts {
	var inRate, outRate float64
	switch u.Provider {
	case "gemini":
		inRate, outRate = GeminiInputCentsPerMinute, GeminiOutputCentsPerMinute
	case "openai":
		inRate, outRate = OpenAIInputCentsPerMinute, OpenAIOutputCentsPerMinute
	default:
		return SessionCosts{}
	}

	inMinutes := billable(u.InputAudioSeconds) / 60.0
	outMinutes := billable(u.OutputAudioSeconds) / 60.0

	costs := SessionCosts{
		InputCostCents:  roundToInt(inMinutes * inRate),
		OutputCostCents: roundToInt(outMinutes * outRate),
	}
	costs.TotalCostCents = costs.InputCostCents + costs.OutputCostCents

	return costs
}

func billable(seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	if floor := float64(MinBillableSeconds); seconds < floor {
		return floor
	}
	return seconds
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvInt returns an environment variable as int, or the default if not set.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
