package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/livevoice/pkg/audio"
)

func TestPCMFloatRoundTrip(t *testing.T) {
	t.Parallel()

	const tol = 1.0/32768 + 1e-7
	for i := -1000; i <= 1000; i++ {
		x := float32(i) / 1000
		got := audio.PCMToFloat(audio.FloatToPCM([]float32{x}))
		if len(got) != 1 {
			t.Fatalf("round trip of %v produced %d samples", x, len(got))
		}
		if d := math.Abs(float64(got[0] - x)); d > tol {
			t.Errorf("round trip of %v = %v (error %g)", x, got[0], d)
		}
	}
}

func TestFloatToPCM_Clamps(t *testing.T) {
	t.Parallel()

	pcm := audio.FloatToPCM([]float32{2, -2, float32(math.NaN()), 1, -1})
	got := audio.AudioFrame{Data: pcm}.Samples()
	want := []int16{32767, -32768, 0, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPCMToFloat_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()

	got := audio.PCMToFloat([]byte{0x00, 0x40, 0x01})
	if len(got) != 1 || got[0] != 0.5 {
		t.Errorf("PCMToFloat = %v, want [0.5]", got)
	}
}

func TestResample_Length(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		n        int
		from, to int
		want     int
	}{
		{"48k to 16k", 960, 48000, 16000, 320},
		{"16k to 24k", 320, 16000, 24000, 480},
		{"24k to 48k", 480, 24000, 48000, 960},
		{"44.1k to 16k", 441, 44100, 16000, 160},
		{"same rate", 100, 16000, 16000, 100},
		{"too short", 2, 48000, 16000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := audio.Resample(make([]float32, tt.n), tt.from, tt.to)
			if len(out) != tt.want {
				t.Errorf("len = %d, want %d", len(out), tt.want)
			}
		})
	}
}

func TestResample_ConstantPreserved(t *testing.T) {
	t.Parallel()

	for _, rates := range [][2]int{{48000, 16000}, {16000, 24000}, {44100, 16000}, {24000, 48000}} {
		in := make([]float32, 4410)
		for i := range in {
			in[i] = 0.3
		}
		out := audio.Resample(in, rates[0], rates[1])
		for i, v := range out {
			if v != 0.3 {
				t.Fatalf("%d->%d: sample %d = %v, want 0.3", rates[0], rates[1], i, v)
			}
		}
		if rms := audio.RMSLevel(out); math.Abs(rms-0.3) > 0.3*0.05 {
			t.Errorf("%d->%d: RMS = %v, want within 5%% of 0.3", rates[0], rates[1], rms)
		}
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	out := audio.Resample([]float32{0, 1}, 1, 2)
	want := []float32{0, 0.5, 1, 1}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResample_InvalidRate(t *testing.T) {
	t.Parallel()

	if out := audio.Resample([]float32{1, 2}, 0, 16000); out != nil {
		t.Errorf("Resample with zero rate = %v, want nil", out)
	}
}

func TestRMSLevel(t *testing.T) {
	t.Parallel()

	ones := make([]float32, 160)
	for i := range ones {
		ones[i] = 1
	}
	if got := audio.RMSLevel(make([]float32, 160)); got != 0 {
		t.Errorf("RMSLevel(zeros) = %v, want 0", got)
	}
	if got := audio.RMSLevel(ones); math.Abs(got-1) > 1e-6 {
		t.Errorf("RMSLevel(ones) = %v, want 1", got)
	}
	if got := audio.RMSLevel(nil); got != 0 {
		t.Errorf("RMSLevel(nil) = %v, want 0", got)
	}

	prev := 0.0
	for _, amp := range []float32{0.01, 0.1, 0.5, 0.9} {
		s := []float32{amp, -amp, amp, -amp}
		got := audio.RMSLevel(s)
		if got <= prev {
			t.Errorf("RMSLevel not monotonic: amplitude %v gave %v after %v", amp, got, prev)
		}
		prev = got
	}
}

func TestRMSLevelPCM_MatchesFloat(t *testing.T) {
	t.Parallel()

	samples := []float32{0.25, -0.5, 0.125, 0}
	pcm := audio.FloatToPCM(samples)
	a := audio.RMSLevel(audio.PCMToFloat(pcm))
	b := audio.RMSLevelPCM(pcm)
	if math.Abs(a-b) > 1e-9 {
		t.Errorf("RMSLevelPCM = %v, RMSLevel = %v", b, a)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := audio.FloatToPCM([]float32{0.1, -0.2, 0.3})
	enc := audio.EncodeBase64(pcm)
	dec, err := audio.DecodeBase64(enc)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if string(dec) != string(pcm) {
		t.Errorf("round trip mismatch: %v vs %v", dec, pcm)
	}
	if _, err := audio.DecodeBase64("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
