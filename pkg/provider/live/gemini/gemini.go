// Package gemini implements [live.Transport] for Google's Gemini Live API.
//
// Each Negotiate dials one WebSocket to the BidiGenerateContent endpoint,
// sends the setup message and waits for setupComplete. Audio travels as
// base64 PCM inside JSON frames; decoding happens here so callers only ever
// see raw PCM.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var (
	_ live.Transport = (*Transport)(nil)
	_ live.Conn      = (*conn)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultSetupTimeout = 10 * time.Second
	keepaliveInterval   = 20 * time.Second
	keepaliveTimeout    = 5 * time.Second

	// Model audio chunks are far larger than the websocket default read limit.
	readLimit = 16 << 20
)

var inputMIMEType = fmt.Sprintf("audio/pcm;rate=%d", audio.InputSampleRate)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the model used when [live.SessionConfig.Model] is empty.
func WithModel(model string) Option {
	return func(t *Transport) {
		if model != "" {
			t.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(t *Transport) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithSetupTimeout bounds the wait for setupComplete after dialling.
func WithSetupTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.setupTimeout = d
		}
	}
}

// ── Transport ─────────────────────────────────────────────────────────────────

// Transport dials Gemini Live sessions.
type Transport struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a Transport authenticating with apiKey.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Negotiate implements [live.Transport]. Every failure is a *[live.ConnectError].
func (t *Transport) Negotiate(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	cfg = cfg.WithDefaults()
	if !cfg.Modality.Valid() || !cfg.VADMode.Valid() {
		return nil, &live.ConnectError{
			Reason: live.ConnectUnsupportedConfig,
			Err:    fmt.Errorf("gemini: modality %q / vad %q", cfg.Modality, cfg.VADMode),
		}
	}

	endpoint := t.baseURL + endpointPath + "?key=" + url.QueryEscape(t.apiKey)
	ws, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, classifyDial(resp, err)
	}
	ws.SetReadLimit(readLimit)
	live.Dialed(ctx)

	c := newConn(ws)
	if err := c.writeJSON(ctx, t.setup(cfg)); err != nil {
		c.closeWith(websocket.StatusInternalError, "setup failed")
		return nil, &live.ConnectError{Reason: live.ConnectNetwork, Err: fmt.Errorf("gemini: send setup: %w", err)}
	}
	if err := c.awaitSetup(ctx, t.setupTimeout); err != nil {
		c.closeWith(websocket.StatusNormalClosure, "setup failed")
		return nil, err
	}

	go c.keepaliveLoop()
	return c, nil
}

func (t *Transport) setup(cfg live.SessionConfig) setupMessage {
	model := cfg.Model
	if model == "" {
		model = t.model
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	s := setupConfig{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{strings.ToUpper(string(cfg.Modality))},
		},
		InputAudioTranscription: &struct{}{},
		SessionResumption:       &sessionResumption{Handle: cfg.ResumeToken},
	}
	if cfg.Modality == live.ModalityAudio {
		s.OutputAudioTranscription = &struct{}{}
		if cfg.Voice != "" {
			s.GenerationConfig.SpeechConfig = &speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
			}
		}
	}
	if cfg.Instructions != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.VADMode == live.VADClient {
		s.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: automaticActivityDetection{Disabled: true},
		}
	}
	return setupMessage{Setup: s}
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws *websocket.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{ws: ws, ctx: ctx, cancel: cancel}
}

// awaitSetup reads until setupComplete arrives.
func (c *conn) awaitSetup(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return classifyClose(fmt.Errorf("gemini: await setup: %w", err))
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return &live.ConnectError{Reason: live.ConnectUnsupportedConfig, Err: fmt.Errorf("gemini: decode setup reply: %w", err)}
		}
		if msg.Error != nil {
			return classifyServerError(msg.Error)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (c *conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.writeJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{
		Audio: &blob{MIMEType: inputMIMEType, Data: audio.EncodeBase64(pcm)},
	}})
}

func (c *conn) SendText(ctx context.Context, text string, turnComplete bool) error {
	return c.writeJSON(ctx, clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: turnComplete,
	}})
}

func (c *conn) SendActivity(ctx context.Context, start bool) error {
	in := realtimeInput{}
	if start {
		in.ActivityStart = &struct{}{}
	} else {
		in.ActivityEnd = &struct{}{}
	}
	return c.writeJSON(ctx, realtimeInputMessage{RealtimeInput: in})
}

// Receive implements [live.Conn]. Frames that carry nothing actionable, such
// as usage metadata, are skipped.
func (c *conn) Receive(ctx context.Context) (live.Message, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return live.Message{}, fmt.Errorf("gemini: receive: %w", net.ErrClosed)
			}
			return live.Message{}, classifyClose(fmt.Errorf("gemini: receive: %w", err))
		}
		msg := decode(data)
		if !msg.Empty() {
			return msg, nil
		}
	}
}

func (c *conn) Close() error {
	c.closeWith(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (c *conn) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// keepaliveLoop pings the server until the connection closes.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

// decode turns one server frame into a message. Undecodable frames become a
// message carrying only a protocol error.
func decode(data []byte) live.Message {
	var sm serverMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return malformed(fmt.Errorf("gemini: decode: %w", err))
	}

	var m live.Message
	if sm.Error != nil {
		m.Err = &live.ProtocolError{
			Reason: live.ProtocolServerError,
			Err:    fmt.Errorf("gemini: server error %d %s: %s", sm.Error.Code, sm.Error.Status, sm.Error.Message),
		}
	}
	if sc := sm.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			var text strings.Builder
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					pcm, err := audio.DecodeBase64(p.InlineData.Data)
					if err != nil {
						return malformed(fmt.Errorf("gemini: decode audio part: %w", err))
					}
					m.Audio = append(m.Audio, pcm...)
				}
				text.WriteString(p.Text)
			}
			m.Text = text.String()
		}
		if t := sc.InputTranscription; t != nil {
			m.Input = &live.TranscriptDelta{Text: t.Text, Finished: t.Finished}
		}
		if t := sc.OutputTranscription; t != nil {
			m.Output = &live.TranscriptDelta{Text: t.Text, Finished: t.Finished}
		}
		m.TurnComplete = sc.TurnComplete
		m.Interrupted = sc.Interrupted
	}
	if u := sm.SessionResumptionUpdate; u != nil {
		m.Resumption = &live.ResumptionUpdate{Token: u.NewHandle, Resumable: u.Resumable}
	}
	if g := sm.GoAway; g != nil {
		left, err := time.ParseDuration(g.TimeLeft)
		if err != nil && g.TimeLeft != "" {
			return malformed(fmt.Errorf("gemini: decode goAway timeLeft %q: %w", g.TimeLeft, err))
		}
		m.GoAway = &live.GoAway{TimeLeft: left}
	}
	return m
}

func malformed(err error) live.Message {
	return live.Message{Err: &live.ProtocolError{Reason: live.ProtocolMalformedEvent, Err: err}}
}

// ── Error classification ──────────────────────────────────────────────────────

// classifyDial maps a failed WebSocket handshake to a connect reason using
// the HTTP status of the upgrade response when there is one.
func classifyDial(resp *http.Response, err error) error {
	reason := live.ConnectNetwork
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			reason = live.ConnectAuth
		case resp.StatusCode == http.StatusTooManyRequests:
			reason = live.ConnectQuota
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
			reason = live.ConnectUnsupportedConfig
		}
	}
	return &live.ConnectError{Reason: reason, Err: fmt.Errorf("gemini: dial: %w", err)}
}

// classifyClose maps a read failure to a connect reason using the close
// frame the server sent, if any.
func classifyClose(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return &live.ConnectError{Reason: live.ConnectNetwork, Err: err}
	}
	reason := live.ConnectNetwork
	switch ce.Code {
	case websocket.StatusPolicyViolation:
		reason = live.ConnectAuth
		if isQuota(ce.Reason) {
			reason = live.ConnectQuota
		}
	case websocket.StatusInvalidFramePayloadData, websocket.StatusUnsupportedData:
		reason = live.ConnectUnsupportedConfig
	case websocket.StatusInternalError, websocket.StatusTryAgainLater:
		if isQuota(ce.Reason) {
			reason = live.ConnectQuota
		}
	}
	return &live.ConnectError{Reason: reason, Err: err}
}

func classifyServerError(ge *geminiError) error {
	err := fmt.Errorf("gemini: server error %d %s: %s", ge.Code, ge.Status, ge.Message)
	reason := live.ConnectUnsupportedConfig
	switch {
	case ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden || ge.Status == "PERMISSION_DENIED" || ge.Status == "UNAUTHENTICATED":
		reason = live.ConnectAuth
	case ge.Code == http.StatusTooManyRequests || isQuota(ge.Status):
		reason = live.ConnectQuota
	case ge.Code >= 500:
		reason = live.ConnectNetwork
	}
	return &live.ConnectError{Reason: reason, Err: err}
}

func isQuota(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "quota") || strings.Contains(s, "resource_exhausted") || strings.Contains(s, "rate limit")
}
