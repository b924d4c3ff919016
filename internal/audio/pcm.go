package audio

import (
	"encoding/binary"
	"time"
)

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Duration returns the playback length of byteLen bytes of PCM16 mono at rate.
func Duration(byteLen, rate int) time.Duration {
	if rate <= 0 || byteLen <= 0 {
		return 0
	}
	samples := int64(byteLen / 2)
	return time.Duration(samples * int64(time.Second) / int64(rate))
}

// BytesFor returns the PCM16 mono byte length of d at rate.
func BytesFor(d time.Duration, rate int) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(d)*int64(rate)/int64(time.Second)) * 2
}
