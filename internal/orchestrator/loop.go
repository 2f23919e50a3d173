package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/guardrail"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	"github.com/MrWong99/livevoice/pkg/telemetry"
	"github.com/MrWong99/livevoice/pkg/transcript"
)

// loopState is touched only by the run loop.
type loopState struct {
	handle *session.Handle

	// attempt identifies the in-flight connect or reconnect. Results carrying
	// an older value are ignored.
	attempt  uint64
	cancelOp context.CancelFunc
	pending  chan<- error
	started  time.Time

	resumeState State

	// discarding drops agent output of a turn the user talked over.
	discarding bool
	playSeq    uint64

	vad      vad.SessionHandle
	speech   bool
	vadWarn  bool
	muted    bool
	loaded   bool
	live     bool
	escalate bool
	dropped  uint64
}

// ── Messages ─────────────────────────────────────────────────────────────────

type connectCmd struct{ reply chan<- error }

type disconnectCmd struct{ reply chan<- error }

type textCmd struct {
	text  string
	res   guardrail.Result
	reply chan<- textReply
}

type textReply struct {
	h   *session.Handle
	err error
}

type textFailed struct{ h *session.Handle }

type muteCmd struct{ muted bool }

type vadCmd struct {
	cfg   vad.Config
	reply chan<- error
}

type dialedMsg struct{ id uint64 }

type connectResult struct {
	id       uint64
	h        *session.Handle
	err      error
	loaded   bool
	restored []transcript.Entry
}

type reconnectResult struct {
	id  uint64
	h   *session.Handle
	err error
}

type serverMsg struct {
	h  *session.Handle
	ev session.ServerEvent
}

type guardDone struct {
	id  string
	res guardrail.Result
}

type escalationMsg struct{ reason string }

// ── Loop ─────────────────────────────────────────────────────────────────────

func (o *Orchestrator) run() {
	defer close(o.done)
	frames := o.deps.Capture.Frames()
	for {
		select {
		case <-o.ctx.Done():
			o.shutdown()
			return
		case msg := <-o.inbox:
			o.dispatch(msg)
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			o.onFrame(f)
		}
	}
}

func (o *Orchestrator) dispatch(msg any) {
	switch m := msg.(type) {
	case connectCmd:
		o.onConnect(m)
	case disconnectCmd:
		o.disconnect()
		m.reply <- nil
	case textCmd:
		o.onText(m)
	case textFailed:
		if m.h == o.lp.handle && o.State() == Thinking {
			o.transition(Listening)
		}
	case muteCmd:
		o.onMute(m.muted)
	case vadCmd:
		m.reply <- o.onVAD(m.cfg)
	case dialedMsg:
		if m.id == o.lp.attempt && o.State() == Connecting {
			o.transition(Negotiating)
		}
	case connectResult:
		o.onConnectResult(m)
	case reconnectResult:
		o.onReconnectResult(m)
	case serverMsg:
		o.onServer(m)
	case guardDone:
		o.completeEntry(m.id, m.res)
	case escalationMsg:
		o.onEscalation(m.reason)
	}
}

func (o *Orchestrator) shutdown() {
	if st := o.State(); st != Idle && st != Closed {
		o.disconnect()
	}
	o.reply(ErrClosed)
}

// reply answers a pending Connect.
func (o *Orchestrator) reply(err error) {
	if o.lp.pending != nil {
		o.lp.pending <- err
		o.lp.pending = nil
	}
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (o *Orchestrator) transition(to State) {
	from := o.State()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		slog.Error("orchestrator: illegal transition", "session_key", o.cfg.SessionKey, "from", from, "to", to)
		return
	}
	o.state.Store(int32(to))
	slog.Debug("orchestrator: state changed", "session_key", o.cfg.SessionKey, "from", from, "to", to)
	o.emit(Event{Kind: EventState, State: to, Prev: from})
	o.telemetry(telemetry.Event{Kind: telemetry.KindStateTransition, From: from.String(), To: to.String()})
	o.enter(from, to)
}

// enter runs the side effects of arriving in to.
func (o *Orchestrator) enter(from, to State) {
	switch {
	case to.Conversational() && !from.Conversational():
		if err := o.deps.Capture.Start(); err != nil {
			o.fail(err)
			return
		}
		if err := o.deps.Playback.Start(); err != nil {
			o.fail(err)
			return
		}
		if !o.lp.live {
			o.lp.live = true
			o.telemetry(telemetry.Event{Kind: telemetry.KindSessionStarted})
		}
	case to == Reconnecting || to == Closed || to == Failed:
		o.stopCapture()
	}
	if (to == Closed || to == Failed) && o.lp.live {
		o.lp.live = false
		o.telemetry(telemetry.Event{Kind: telemetry.KindSessionEnded})
	}
}

func (o *Orchestrator) stopCapture() {
	if err := o.deps.Capture.Stop(); err != nil {
		slog.Warn("orchestrator: capture stop failed", "session_key", o.cfg.SessionKey, "err", err)
	}
	o.level.Store(0)
	o.lp.speech = false
	if o.lp.vad != nil {
		o.lp.vad.Reset()
	}
}

// teardown abandons the session and any in-flight attempt.
func (o *Orchestrator) teardown() {
	o.lp.attempt++
	if o.lp.cancelOp != nil {
		o.lp.cancelOp()
		o.lp.cancelOp = nil
	}
	o.lp.handle = nil
	o.lp.discarding = false
	if err := o.deps.Session.Close(); err != nil {
		slog.Warn("orchestrator: session close failed", "session_key", o.cfg.SessionKey, "err", err)
	}
}

func (o *Orchestrator) disconnect() {
	if o.State() == Closed {
		return
	}
	o.stopCapture()
	o.deps.Playback.Flush()
	o.teardown()
	o.reply(fmt.Errorf("orchestrator: connect: %w", context.Canceled))
	o.transition(Closed)
}

func (o *Orchestrator) fail(err error) {
	fr := failureOf(err)
	o.failure.Store(fr)
	slog.Warn("orchestrator: conversation failed", "session_key", o.cfg.SessionKey, "reason", fr.Kind, "err", fr.Err)

	o.teardown()
	o.deps.Playback.Flush()
	if CanTransition(o.State(), Failed) {
		o.transition(Failed)
	}
	o.emit(Event{Kind: EventFailure, State: o.State(), Failure: fr})
	o.telemetry(telemetry.Event{Kind: telemetry.KindFailure, Outcome: string(fr.Kind)})
	o.reply(fr)
}

// ── Connect and reconnect ────────────────────────────────────────────────────

func (o *Orchestrator) onConnect(cmd connectCmd) {
	switch o.State() {
	case Idle, Closed, Failed:
	default:
		cmd.reply <- ErrAlreadyConnected
		return
	}

	o.lp.attempt++
	id := o.lp.attempt
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.ConnectTimeout)
	o.lp.cancelOp = cancel
	o.lp.pending = cmd.reply
	o.lp.started = o.now()
	o.lp.discarding = false
	o.lp.escalate = false
	o.failure.Store(nil)

	o.transition(Connecting)
	go o.connect(ctx, cancel, id, o.cfg.Live, o.deps.Store != nil && !o.lp.loaded)
}

func (o *Orchestrator) connect(ctx context.Context, cancel context.CancelFunc, id uint64, cfg live.SessionConfig, load bool) {
	defer cancel()
	res := connectResult{id: id}
	if load {
		lctx, lcancel := context.WithTimeout(ctx, o.cfg.HookTimeout)
		entries, err := o.deps.Store.Load(lctx, o.cfg.SessionKey)
		lcancel()
		if err != nil {
			slog.Warn("orchestrator: transcript load failed", "session_key", o.cfg.SessionKey, "err", err)
		} else {
			res.loaded, res.restored = true, entries
		}
	}
	dctx := live.WithDialed(ctx, func() { o.post(dialedMsg{id: id}) })
	res.h, res.err = o.deps.Session.Connect(dctx, cfg)
	o.post(res)
}

func (o *Orchestrator) onConnectResult(r connectResult) {
	if r.id != o.lp.attempt {
		return
	}
	o.lp.cancelOp = nil
	if r.loaded {
		o.lp.loaded = true
		o.restore(r.restored)
	}

	elapsed := o.now().Sub(o.lp.started)
	if r.err != nil {
		o.telemetry(telemetry.Event{Kind: telemetry.KindConnect, Outcome: "failed", Duration: elapsed})
		o.fail(r.err)
		return
	}
	o.telemetry(telemetry.Event{Kind: telemetry.KindConnect, Outcome: "ok", Duration: elapsed})

	if o.State() == Connecting {
		o.transition(Negotiating)
	}
	if err := o.adopt(r.h); err != nil {
		o.fail(err)
		return
	}
	o.transition(Listening)
	if o.State() == Listening {
		o.reply(nil)
	}
}

// adopt makes h the current handle and starts forwarding its events.
func (o *Orchestrator) adopt(h *session.Handle) error {
	o.lp.handle = h
	if h.Config().VADMode == live.VADClient && o.lp.vad == nil {
		s, err := o.deps.VAD.NewSession(o.cfg.VAD)
		if err != nil {
			return fmt.Errorf("orchestrator: vad session: %w", err)
		}
		o.lp.vad = s
	}
	go o.pump(h)
	return nil
}

func (o *Orchestrator) pump(h *session.Handle) {
	for ev := range o.deps.Session.Events(h) {
		if !o.post(serverMsg{h: h, ev: ev}) {
			return
		}
	}
}

func (o *Orchestrator) onDisconnected(ev session.Disconnected) {
	st := o.State()
	if !st.Conversational() {
		return
	}
	slog.Warn("orchestrator: session lost, reconnecting", "session_key", o.cfg.SessionKey, "state", st, "reason", ev.Reason, "err", ev.Err)

	last := o.lp.handle
	o.lp.handle = nil
	o.lp.resumeState = st
	o.transition(Reconnecting)

	o.lp.attempt++
	id := o.lp.attempt
	ctx, cancel := context.WithCancel(o.ctx)
	o.lp.cancelOp = cancel
	go func() {
		defer cancel()
		h, err := o.deps.Session.Reconnect(ctx, last)
		o.post(reconnectResult{id: id, h: h, err: err})
	}()
}

func (o *Orchestrator) onReconnectResult(r reconnectResult) {
	if r.id != o.lp.attempt || o.State() != Reconnecting {
		return
	}
	o.lp.cancelOp = nil
	if r.err != nil {
		o.telemetry(telemetry.Event{Kind: telemetry.KindReconnect, Outcome: "failed"})
		o.fail(r.err)
		return
	}
	if err := o.adopt(r.h); err != nil {
		o.fail(err)
		return
	}

	target, outcome := o.lp.resumeState, "resumed"
	if !r.h.Resumed() {
		target, outcome = Listening, "fresh"
		if o.lp.resumeState == Speaking {
			o.deps.Playback.Flush()
		}
		o.lp.discarding = false
		o.emit(Event{Kind: EventWarning, State: Reconnecting, Text: "remote context was lost; continuing without it"})
	}
	slog.Info("orchestrator: session restored", "session_key", o.cfg.SessionKey, "outcome", outcome, "state", target)
	o.telemetry(telemetry.Event{Kind: telemetry.KindReconnect, Outcome: outcome})
	o.transition(target)
}

// ── Audio ────────────────────────────────────────────────────────────────────

func (o *Orchestrator) onFrame(f audio.AudioFrame) {
	if d := o.deps.Capture.Dropped(); d > o.lp.dropped {
		o.telemetry(telemetry.Event{Kind: telemetry.KindDroppedFrames, Count: int(d - o.lp.dropped)})
		o.lp.dropped = d
	}
	h := o.lp.handle
	if h == nil || o.lp.muted || !o.State().Conversational() {
		return
	}
	o.level.Store(math.Float64bits(audio.RMSLevelPCM(f.Data)))

	if o.lp.vad == nil || h.Config().VADMode != live.VADClient {
		o.deps.Session.SendAudio(h, f)
		return
	}

	ev, err := o.lp.vad.ProcessFrame(f.Data)
	if err != nil && !o.lp.vadWarn {
		o.lp.vadWarn = true
		slog.Warn("orchestrator: vad failed on frame", "session_key", o.cfg.SessionKey, "err", err)
	}
	if ev.Type == vad.VADSpeechStart && !o.lp.speech {
		if o.State() == Speaking {
			o.bargeIn()
		}
		o.lp.speech = true
		o.activity(h, true)
	}
	o.deps.Session.SendAudio(h, f)
	if ev.Type == vad.VADSpeechEnd && o.lp.speech {
		o.endSpeech(h)
	}
}

// endSpeech closes a client detected user turn.
func (o *Orchestrator) endSpeech(h *session.Handle) {
	o.lp.speech = false
	o.lp.discarding = false
	o.activity(h, false)
	if o.State() == Listening {
		o.transition(Thinking)
	}
}

func (o *Orchestrator) activity(h *session.Handle, start bool) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.HookTimeout)
	defer cancel()
	if err := o.deps.Session.SendActivity(ctx, h, start); err != nil {
		slog.Debug("orchestrator: activity marker not sent", "session_key", o.cfg.SessionKey, "start", start, "err", err)
	}
}

// bargeIn stops the agent mid-reply.
func (o *Orchestrator) bargeIn() {
	o.deps.Playback.Flush()
	o.lp.discarding = true
	o.telemetry(telemetry.Event{Kind: telemetry.KindBargeIn})
	slog.Debug("orchestrator: barge-in", "session_key", o.cfg.SessionKey)
	o.transition(Listening)
}

func (o *Orchestrator) onMute(muted bool) {
	o.lp.muted = muted
	if !muted {
		return
	}
	o.level.Store(0)
	if o.lp.speech && o.lp.handle != nil {
		o.endSpeech(o.lp.handle)
	}
	if o.lp.vad != nil {
		o.lp.vad.Reset()
	}
}

func (o *Orchestrator) onVAD(cfg vad.Config) error {
	o.cfg.VAD = cfg
	if o.lp.vad == nil {
		return nil
	}
	if err := o.lp.vad.Reconfigure(cfg); err != nil {
		return fmt.Errorf("orchestrator: set vad: %w", err)
	}
	return nil
}

// ── Server events ────────────────────────────────────────────────────────────

func (o *Orchestrator) onServer(m serverMsg) {
	if m.h == nil || m.h != o.lp.handle {
		return
	}
	switch ev := m.ev.(type) {
	case session.PartialTranscript:
		if ev.Role == transcript.RoleAgent {
			if o.lp.discarding {
				return
			}
			o.toSpeaking()
		}
		o.emit(Event{Kind: EventPartial, State: o.State(), Role: ev.Role, Text: ev.Text})
	case session.AudioChunk:
		if o.lp.discarding {
			return
		}
		o.toSpeaking()
		if o.State() != Speaking {
			return
		}
		o.lp.playSeq++
		frame := audio.AudioFrame{Data: ev.Data, SampleRate: audio.OutputSampleRate, Channels: 1, Seq: o.lp.playSeq}
		if err := o.deps.Playback.Enqueue(frame); err != nil {
			slog.Debug("orchestrator: playback rejected frame", "seq", frame.Seq, "err", err)
		}
	case session.FinalTranscript:
		if ev.Role == transcript.RoleUser {
			o.lp.discarding = false
			if o.State() == Listening {
				o.transition(Thinking)
			}
		}
		o.finalize(ev.Role, ev.Text)
	case session.TurnComplete:
		o.lp.discarding = false
		if st := o.State(); st == Thinking || st == Speaking {
			o.transition(Listening)
		}
	case session.Interrupted:
		if o.State() == Speaking {
			o.bargeIn()
		} else {
			o.lp.discarding = false
		}
	case session.Disconnected:
		o.onDisconnected(ev)
	}
}

func (o *Orchestrator) toSpeaking() {
	if o.State() == Listening {
		o.transition(Thinking)
	}
	if o.State() == Thinking {
		o.transition(Speaking)
	}
}

// ── Transcript ───────────────────────────────────────────────────────────────

func (o *Orchestrator) onText(cmd textCmd) {
	h := o.lp.handle
	if h == nil || !o.State().Conversational() {
		cmd.reply <- textReply{err: ErrNotConnected}
		return
	}

	if cmd.res.Action == guardrail.Block {
		e := o.appendEntry(transcript.RoleUser, blockMessage(cmd.res), true)
		o.guardTelemetry(guardrail.Input, cmd.res)
		o.emit(Event{Kind: EventFinal, State: o.State(), Role: e.Role, Entry: &e})
		o.afterFinal()
		cmd.reply <- textReply{err: ErrBlocked}
		return
	}

	e := o.appendEntry(transcript.RoleUser, cmd.text, false)
	o.telemetry(telemetry.Event{Kind: telemetry.KindTurn, Role: string(e.Role)})
	if cmd.res.Action == guardrail.Warn {
		o.guardTelemetry(guardrail.Input, cmd.res)
		o.emit(Event{Kind: EventWarning, State: o.State(), Text: cmd.res.Message, Entry: &e})
	}
	o.emit(Event{Kind: EventFinal, State: o.State(), Role: e.Role, Entry: &e})
	o.afterFinal()

	if o.State() == Speaking {
		o.bargeIn()
	}
	if o.State() == Listening {
		o.transition(Thinking)
	}
	cmd.reply <- textReply{h: h}
}

// finalize records a spoken entry and hands it to the guardrail. The entry
// keeps its place in the transcript but stays hidden until the verdict.
func (o *Orchestrator) finalize(role transcript.Role, text string) {
	e := o.appendPending(role, text)
	o.telemetry(telemetry.Event{Kind: telemetry.KindTurn, Role: string(role)})
	if o.deps.Guardrail == nil {
		o.completeEntry(e.ID, guardrail.Result{Action: guardrail.Allow})
		return
	}
	dir := guardrail.Output
	if role == transcript.RoleUser {
		dir = guardrail.Input
	}
	go func() {
		res := o.check(o.ctx, text, dir)
		o.post(guardDone{id: e.ID, res: res})
	}()
}

// completeEntry publishes a pending entry with its final text.
func (o *Orchestrator) completeEntry(id string, res guardrail.Result) {
	e, ok := o.settle(id, res)
	if !ok {
		return
	}

	dir := guardrail.Output
	if e.Role == transcript.RoleUser {
		dir = guardrail.Input
	}
	switch res.Action {
	case guardrail.Block:
		o.guardTelemetry(dir, res)
		if e.Role == transcript.RoleAgent && o.State() == Speaking {
			o.deps.Playback.Flush()
			o.lp.discarding = true
		}
	case guardrail.Warn:
		o.guardTelemetry(dir, res)
		o.emit(Event{Kind: EventWarning, State: o.State(), Text: res.Message, Entry: &e})
	}
	o.emit(Event{Kind: EventFinal, State: o.State(), Role: e.Role, Entry: &e})
	o.afterFinal()
}

// afterFinal saves the transcript and consults the handoff evaluator.
func (o *Orchestrator) afterFinal() {
	if o.persist == nil && (o.deps.Handoff == nil || o.lp.escalate) {
		return
	}
	snapshot := o.Transcript()
	if o.persist != nil {
		o.persist.submit(snapshot)
	}
	if o.deps.Handoff == nil || o.lp.escalate {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.HookTimeout)
		defer cancel()
		d, err := o.deps.Handoff.ShouldEscalate(ctx, snapshot)
		if err != nil {
			slog.Warn("orchestrator: handoff evaluation failed", "session_key", o.cfg.SessionKey, "err", err)
			return
		}
		if d.Escalate {
			o.post(escalationMsg{reason: d.Reason})
		}
	}()
}

func (o *Orchestrator) onEscalation(reason string) {
	if o.lp.escalate {
		return
	}
	o.lp.escalate = true
	slog.Info("orchestrator: escalation recommended", "session_key", o.cfg.SessionKey, "reason", reason)
	o.emit(Event{Kind: EventEscalation, State: o.State(), Text: reason})
	o.telemetry(telemetry.Event{Kind: telemetry.KindEscalation, Outcome: reason})
}

func (o *Orchestrator) guardTelemetry(dir guardrail.Direction, res guardrail.Result) {
	slog.Info("orchestrator: guardrail fired", "session_key", o.cfg.SessionKey, "direction", dir, "action", res.Action, "rule", res.Rule)
	o.telemetry(telemetry.Event{Kind: telemetry.KindGuardrail, Role: string(dir), Outcome: string(res.Action)})
}

func blockMessage(res guardrail.Result) string {
	if res.Message != "" {
		return res.Message
	}
	return guardrail.DefaultBlockMessage
}

func (o *Orchestrator) appendEntry(role transcript.Role, text string, blocked bool) transcript.Entry {
	e := transcript.Entry{
		ID:          o.newID(),
		Role:        role,
		Text:        text,
		TimestampMs: o.now().UnixMilli(),
		Blocked:     blocked,
	}
	o.tmu.Lock()
	o.entries = append(o.entries, e)
	o.tmu.Unlock()
	return e
}

// appendPending reserves a transcript slot for an entry the guardrail has
// not ruled on yet.
func (o *Orchestrator) appendPending(role transcript.Role, text string) transcript.Entry {
	e := transcript.Entry{
		ID:          o.newID(),
		Role:        role,
		Text:        text,
		TimestampMs: o.now().UnixMilli(),
	}
	o.tmu.Lock()
	if o.pending == nil {
		o.pending = make(map[string]struct{})
	}
	o.pending[e.ID] = struct{}{}
	o.entries = append(o.entries, e)
	o.tmu.Unlock()
	return e
}

// settle writes the verdict into a pending entry and makes it visible. The
// text is final before anyone can read it.
func (o *Orchestrator) settle(id string, res guardrail.Result) (transcript.Entry, bool) {
	o.tmu.Lock()
	defer o.tmu.Unlock()
	if _, ok := o.pending[id]; !ok {
		return transcript.Entry{}, false
	}
	delete(o.pending, id)
	for i := len(o.entries) - 1; i >= 0; i-- {
		if o.entries[i].ID != id {
			continue
		}
		if res.Action == guardrail.Block {
			o.entries[i].Text, o.entries[i].Blocked = blockMessage(res), true
		}
		return o.entries[i], true
	}
	return transcript.Entry{}, false
}

// restore puts stored entries ahead of anything recorded so far.
func (o *Orchestrator) restore(stored []transcript.Entry) {
	if len(stored) == 0 {
		return
	}
	o.tmu.Lock()
	defer o.tmu.Unlock()
	seen := make(map[string]bool, len(o.entries))
	for _, e := range o.entries {
		seen[e.ID] = true
	}
	merged := make([]transcript.Entry, 0, len(stored)+len(o.entries))
	for _, e := range stored {
		if !seen[e.ID] {
			merged = append(merged, e)
		}
	}
	o.entries = append(merged, o.entries...)
	slog.Info("orchestrator: transcript restored", "session_key", o.cfg.SessionKey, "entries", len(merged))
}
