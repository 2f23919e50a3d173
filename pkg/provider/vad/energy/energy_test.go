package energy_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/livevoice/pkg/provider/vad"
	"github.com/MrWong99/livevoice/pkg/provider/vad/energy"
)

// frame returns one 20 ms frame at 16 kHz with every sample set to v.
func frame(v int16) []byte {
	b := make([]byte, 640)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(v))
	}
	return b
}

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func process(t *testing.T, s vad.SessionHandle, f []byte, n int) []vad.VADEventType {
	t.Helper()
	out := make([]vad.VADEventType, 0, n)
	for range n {
		ev, err := s.ProcessFrame(f)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		out = append(out, ev.Type)
	}
	return out
}

func count(evs []vad.VADEventType, want vad.VADEventType) int {
	n := 0
	for _, e := range evs {
		if e == want {
			n++
		}
	}
	return n
}

var testCfg = vad.Config{
	SampleRate:       16000,
	FrameSizeMs:      20,
	SpeechThreshold:  0.1,
	SilenceThreshold: 0.05,
	SpeechFrames:     3,
	SilenceFrames:    5,
}

const (
	loud  int16 = 8000 // ~0.24
	mid   int16 = 2500 // ~0.076, between thresholds
	quiet int16 = 0
)

func TestSession_Hysteresis(t *testing.T) {
	t.Parallel()
	s := newSession(t, testCfg)

	if evs := process(t, s, frame(quiet), 150); count(evs, vad.VADSilence) != 150 {
		t.Fatalf("silence produced %v", evs)
	}

	evs := process(t, s, frame(loud), 3)
	want := []vad.VADEventType{vad.VADSilence, vad.VADSilence, vad.VADSpeechStart}
	for i := range want {
		if evs[i] != want[i] {
			t.Fatalf("activation run = %v, want %v", evs, want)
		}
	}

	// Levels between the thresholds hold speech.
	if evs := process(t, s, frame(mid), 20); count(evs, vad.VADSpeechContinue) != 20 {
		t.Fatalf("mid level during speech = %v", evs)
	}

	evs = process(t, s, frame(quiet), 5)
	if evs[4] != vad.VADSpeechEnd || count(evs, vad.VADSpeechContinue) != 4 {
		t.Fatalf("release run = %v", evs)
	}
	if evs := process(t, s, frame(mid), 10); count(evs, vad.VADSilence) != 10 {
		t.Fatalf("mid level during silence = %v", evs)
	}
}

func TestSession_ShortBurstDoesNotStart(t *testing.T) {
	t.Parallel()
	s := newSession(t, testCfg)

	for range 10 {
		evs := process(t, s, frame(loud), 2)
		evs = append(evs, process(t, s, frame(quiet), 1)...)
		if count(evs, vad.VADSpeechStart) != 0 {
			t.Fatalf("burst of two frames started speech")
		}
	}
}

func TestSession_ReportsLevel(t *testing.T) {
	t.Parallel()
	s := newSession(t, testCfg)

	ev, err := s.ProcessFrame(frame(16384))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Probability < 0.49 || ev.Probability > 0.51 {
		t.Errorf("Probability = %v, want ~0.5", ev.Probability)
	}
}

func TestSession_FrameSizeMismatch(t *testing.T) {
	t.Parallel()
	s := newSession(t, testCfg)
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatal("want error for short frame")
	}
}

func TestSession_ResetAndReconfigure(t *testing.T) {
	t.Parallel()
	s := newSession(t, testCfg)

	process(t, s, frame(loud), 3)
	s.Reset()
	if evs := process(t, s, frame(loud), 2); count(evs, vad.VADSilence) != 2 {
		t.Fatalf("after Reset = %v", evs)
	}

	cfg := testCfg
	cfg.SpeechFrames = 1
	if err := s.Reconfigure(cfg); err != nil {
		t.Fatal(err)
	}
	if evs := process(t, s, frame(loud), 1); evs[0] != vad.VADSpeechStart {
		t.Fatalf("after Reconfigure = %v", evs)
	}

	bad := testCfg
	bad.SilenceThreshold = 0.5
	if err := s.Reconfigure(bad); err == nil {
		t.Fatal("want error for silence threshold above speech threshold")
	}
}

func TestSession_Closed(t *testing.T) {
	t.Parallel()
	s := newSession(t, testCfg)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(frame(quiet)); !errors.Is(err, energy.ErrClosed) {
		t.Fatalf("ProcessFrame after Close = %v, want ErrClosed", err)
	}
}

func TestEngine_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := energy.New().NewSession(vad.Config{SampleRate: -1, SpeechFrames: -2})
	if err == nil {
		t.Fatal("want error")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := vad.Config{}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.FrameBytes() != 640 {
		t.Errorf("FrameBytes = %d, want 640", cfg.FrameBytes())
	}
}
