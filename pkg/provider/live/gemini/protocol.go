package gemini

import "encoding/json"

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
	SessionResumption        *sessionResumption   `json:"sessionResumption,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	Disabled bool `json:"disabled"`
}

type sessionResumption struct {
	// Handle is empty for a fresh session, which still asks the server to
	// issue resumption updates.
	Handle string `json:"handle,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio         *blob     `json:"audio,omitempty"`
	ActivityStart *struct{} `json:"activityStart,omitempty"`
	ActivityEnd   *struct{} `json:"activityEnd,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete           *json.RawMessage  `json:"setupComplete,omitempty"`
	ServerContent           *serverContent    `json:"serverContent,omitempty"`
	GoAway                  *goAway           `json:"goAway,omitempty"`
	SessionResumptionUpdate *resumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	Error                   *geminiError      `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

type goAway struct {
	// TimeLeft is a protobuf Duration in its JSON form, e.g. "10s".
	TimeLeft string `json:"timeLeft"`
}

type resumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}
