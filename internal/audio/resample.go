// Package audio provides PCM16 mono helpers shared by the relay and the
// provider channels.
package audio

import (
	"errors"
	"math"
)

// Sample rates used across the relay.
const (
	ClientRate       = 16000 // browser / softphone side
	GeminiInputRate  = 16000
	GeminiOutputRate = 24000
	OpenAIRate       = 24000 // OpenAI Realtime pcm16 in and out
)

// ErrInvalidRate is returned when a sample rate is zero or negative.
var ErrInvalidRate = errors.New("audio: sample rate must be positive")

// ResampledLen returns round(n * outRate / inRate).
func ResampledLen(n, inRate, outRate int) int {
	if n <= 0 || inRate <= 0 || outRate <= 0 {
		return 0
	}
	num := int64(n) * int64(outRate)
	return int((2*num + int64(inRate)) / (2 * int64(inRate)))
}

// Resample converts mono samples from inRate to outRate using linear
// interpolation. The output has ResampledLen(len(samples), inRate, outRate)
// samples. When the rates match the input slice is returned as is.
// An empty input yields an empty output and no error.
func Resample(samples []int16, inRate, outRate int) ([]int16, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, ErrInvalidRate
	}
	if inRate == outRate {
		return samples, nil
	}
	if len(samples) == 0 {
		return []int16{}, nil
	}

	outLen := ResampledLen(len(samples), inRate, outRate)
	out := make([]int16, outLen)
	if outLen == 0 {
		return out, nil
	}

	step := float64(inRate) / float64(outRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = clip16(a + (b-a)*frac)
	}
	return out, nil
}

// ResamplePCM16 is Resample over little-endian PCM16 bytes. A trailing odd
// byte is dropped.
func ResamplePCM16(pcm []byte, inRate, outRate int) ([]byte, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, ErrInvalidRate
	}
	if inRate == outRate {
		return pcm, nil
	}
	out, err := Resample(BytesToSamples(pcm), inRate, outRate)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(out), nil
}

func clip16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
