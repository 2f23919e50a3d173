package vad

// VADEvent is the detection result for a single frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the detector's score for the frame in [0, 1]. For the
	// energy detector it is the frame's RMS level.
	Probability float64
}

// VADEventType enumerates detection states.
type VADEventType int

const (
	// VADSilence indicates no speech.
	VADSilence VADEventType = iota

	// VADSpeechStart is reported on the frame that completes the activation run.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd is reported on the frame that completes the release run.
	VADSpeechEnd
)

func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "silence"
	}
}
