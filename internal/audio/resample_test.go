package audio

import (
	"errors"
	"testing"
	"time"
)

func TestResample_ZeroBufferStaysZero(t *testing.T) {
	rates := []int{8000, 16000, 22050, 24000, 44100, 48000}
	lengths := []int{1, 2, 3, 160, 320, 799, 800, 4801}

	for _, in := range rates {
		for _, out := range rates {
			for _, n := range lengths {
				got, err := Resample(make([]int16, n), in, out)
				if err != nil {
					t.Fatalf("Resample(%d, %d->%d) error: %v", n, in, out, err)
				}
				want := ResampledLen(n, in, out)
				if in == out {
					want = n
				}
				if len(got) != want {
					t.Errorf("Resample(%d, %d->%d) len = %d, want %d", n, in, out, len(got), want)
				}
				for i, s := range got {
					if s != 0 {
						t.Errorf("Resample(%d, %d->%d)[%d] = %d, want 0", n, in, out, i, s)
						break
					}
				}
			}
		}
	}
}

func TestResampledLen(t *testing.T) {
	tests := []struct {
		n, in, out int
		want       int
	}{
		{800, 16000, 24000, 1200},
		{1200, 24000, 16000, 800},
		{1, 24000, 16000, 1}, // 0.667 rounds up
		{1, 48000, 8000, 0},  // 0.167 rounds down
		{3, 16000, 8000, 2},  // 1.5 rounds half up
		{441, 44100, 16000, 160},
		{0, 16000, 24000, 0},
	}

	for _, tt := range tests {
		if got := ResampledLen(tt.n, tt.in, tt.out); got != tt.want {
			t.Errorf("ResampledLen(%d, %d, %d) = %d, want %d", tt.n, tt.in, tt.out, got, tt.want)
		}
	}
}

func TestResample_IdentityWhenRatesMatch(t *testing.T) {
	in := []int16{1, -2, 300, -32768, 32767, 0, 42}
	got, err := Resample(in, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample error: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], in[i])
		}
	}
}

func TestResample_InvalidRate(t *testing.T) {
	tests := []struct{ in, out int }{
		{0, 16000},
		{16000, 0},
		{-1, 16000},
		{16000, -24000},
	}
	for _, tt := range tests {
		if _, err := Resample([]int16{1, 2, 3}, tt.in, tt.out); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("Resample(%d->%d) err = %v, want ErrInvalidRate", tt.in, tt.out, err)
		}
		if _, err := ResamplePCM16([]byte{1, 2}, tt.in, tt.out); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("ResamplePCM16(%d->%d) err = %v, want ErrInvalidRate", tt.in, tt.out, err)
		}
	}
}

func TestResample_EmptyInput(t *testing.T) {
	got, err := Resample(nil, 16000, 24000)
	if err != nil {
		t.Fatalf("Resample(nil) error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Resample(nil) len = %d, want 0", len(got))
	}
}

func TestResample_ConstantSignalPreserved(t *testing.T) {
	in := make([]int16, 480)
	for i := range in {
		in[i] = 12345
	}
	got, err := Resample(in, 24000, 16000)
	if err != nil {
		t.Fatalf("Resample error: %v", err)
	}
	if len(got) != 320 {
		t.Fatalf("len = %d, want 320", len(got))
	}
	for i, s := range got {
		if s != 12345 {
			t.Fatalf("got[%d] = %d, want 12345", i, s)
		}
	}
}

func TestResample_ExtremesStayInRange(t *testing.T) {
	in := []int16{32767, -32768, 32767, -32768, 32767}
	got, err := Resample(in, 8000, 48000)
	if err != nil {
		t.Fatalf("Resample error: %v", err)
	}
	if len(got) != 30 {
		t.Fatalf("len = %d, want 30", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got[0] = %d, want 32767", got[0])
	}
}

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 256}
	b := SamplesToBytes(samples)
	if len(b) != 12 {
		t.Fatalf("SamplesToBytes len = %d, want 12", len(b))
	}
	if b[2] != 0x01 || b[3] != 0x00 {
		t.Errorf("sample 1 not little-endian: % x", b[2:4])
	}
	back := BytesToSamples(append(b, 0x7f))
	if len(back) != len(samples) {
		t.Fatalf("BytesToSamples len = %d, want %d", len(back), len(samples))
	}
	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("back[%d] = %d, want %d", i, back[i], samples[i])
		}
	}
}

func TestResamplePCM16_Lengths(t *testing.T) {
	pcm := make([]byte, 1600) // 800 samples
	up, err := ResamplePCM16(pcm, 16000, 24000)
	if err != nil {
		t.Fatalf("ResamplePCM16 error: %v", err)
	}
	if len(up) != 2400 {
		t.Errorf("16k->24k len = %d, want 2400", len(up))
	}
	down, err := ResamplePCM16(up, 24000, 16000)
	if err != nil {
		t.Fatalf("ResamplePCM16 error: %v", err)
	}
	if len(down) != 1600 {
		t.Errorf("24k->16k len = %d, want 1600", len(down))
	}
}

func TestDurationAndBytesFor(t *testing.T) {
	if got := Duration(32000, 16000); got != time.Second {
		t.Errorf("Duration(32000, 16000) = %v, want 1s", got)
	}
	if got := Duration(1600, 16000); got != 50*time.Millisecond {
		t.Errorf("Duration(1600, 16000) = %v, want 50ms", got)
	}
	if got := BytesFor(100*time.Millisecond, 16000); got != 3200 {
		t.Errorf("BytesFor(100ms, 16000) = %d, want 3200", got)
	}
	if got := Duration(100, 0); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
}
