package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/transcript"
)

type outKind int

const (
	outAudio outKind = iota
	outText
	outActivity
)

// outbound is one queued upstream write. result is nil for audio.
type outbound struct {
	kind   outKind
	pcm    []byte
	text   string
	flag   bool
	result chan error
}

func (o outbound) reply(err error) {
	if o.result != nil {
		o.result <- err
	}
}

// link owns one live.Conn: a writer goroutine drains the outbound queue and a
// reader goroutine decodes server messages into [ServerEvent] values.
type link struct {
	conn   live.Conn
	gen    uint64
	cfg    Config
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	out    chan outbound
	events chan ServerEvent
	done   chan struct{}
	once   sync.Once

	claimed atomic.Bool

	mu      sync.Mutex
	token   string
	tokenAt time.Time

	// Reader state.
	user  strings.Builder
	agent strings.Builder
}

func newLink(conn live.Conn, gen uint64, cfg Config, now func() time.Time) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		conn:   conn,
		gen:    gen,
		cfg:    cfg,
		now:    now,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, cfg.OutboundQueue),
		events: make(chan ServerEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

func (l *link) start(current func() bool) {
	go l.writeLoop(current)
	go l.readLoop()
}

// close tears the link down and waits for the reader to finish. Safe to call
// more than once and from any goroutine except the reader.
func (l *link) close() {
	l.once.Do(func() {
		l.cancel()
		_ = l.conn.Close()
	})
	<-l.done
}

func (l *link) alive() bool { return l.ctx.Err() == nil }

// claim reports whether this is the first call, i.e. the caller owns the
// event sequence.
func (l *link) claim() bool { return l.claimed.CompareAndSwap(false, true) }

func (l *link) resumption() (string, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token, l.tokenAt
}

func (l *link) setResumption(token string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token, l.tokenAt = token, at
}

// ── Writing ──────────────────────────────────────────────────────────────────

// enqueue blocks until o is queued, ctx ends or the link dies.
func (l *link) enqueue(ctx context.Context, o outbound) error {
	select {
	case l.out <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// tryEnqueue queues o without blocking.
func (l *link) tryEnqueue(o outbound) bool {
	if !l.alive() {
		return false
	}
	select {
	case l.out <- o:
		return true
	default:
		return false
	}
}

func (l *link) writeLoop(current func() bool) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case o := <-l.out:
			if !current() {
				o.reply(ErrStaleHandle)
				continue
			}
			err := l.write(o)
			if err != nil && o.result == nil {
				slog.Debug("session: write failed", "generation", l.gen, "kind", o.kind, "err", err)
			}
			o.reply(err)
		}
	}
}

func (l *link) write(o outbound) error {
	switch o.kind {
	case outText:
		return l.conn.SendText(l.ctx, o.text, o.flag)
	case outActivity:
		return l.conn.SendActivity(l.ctx, o.flag)
	default:
		return l.conn.SendAudio(l.ctx, o.pcm)
	}
}

// ── Reading ──────────────────────────────────────────────────────────────────

func (l *link) readLoop() {
	defer close(l.done)
	defer close(l.events)
	defer func() {
		l.cancel()
		_ = l.conn.Close()
	}()

	malformed := 0
	for {
		msg, err := l.conn.Receive(l.ctx)
		if err != nil {
			if !l.alive() {
				return
			}
			reason := disconnectReason(err)
			slog.Info("session: link dropped", "generation", l.gen, "reason", reason, "err", err)
			l.emit(Disconnected{Reason: reason, Err: err})
			return
		}

		if perr := msg.Err; perr != nil {
			if perr.Reason != live.ProtocolMalformedEvent {
				slog.Warn("session: server reported error", "generation", l.gen, "err", perr)
				continue
			}
			malformed++
			slog.Warn("session: skipping malformed event",
				"generation", l.gen,
				"consecutive", malformed,
				"err", perr,
			)
			if malformed >= l.cfg.MalformedThreshold {
				l.emit(Disconnected{Reason: DisconnectMalformed, Err: perr})
				return
			}
			continue
		}
		malformed = 0

		if !l.dispatch(msg) {
			return
		}
	}
}

// dispatch turns msg into events. It returns false when the link must end.
func (l *link) dispatch(msg live.Message) bool {
	if r := msg.Resumption; r != nil {
		if r.Resumable && r.Token != "" {
			l.setResumption(r.Token, l.now())
		}
	}

	if in := msg.Input; in != nil {
		if in.Text != "" {
			l.user.WriteString(in.Text)
			if !l.emit(PartialTranscript{Role: transcript.RoleUser, Text: l.user.String()}) {
				return false
			}
		}
		if in.Finished && !l.finalize(transcript.RoleUser) {
			return false
		}
	}

	agentText := msg.Text
	if msg.Output != nil {
		agentText += msg.Output.Text
	}
	if agentText != "" || len(msg.Audio) > 0 {
		// The model replying ends the user's turn.
		if !l.finalize(transcript.RoleUser) {
			return false
		}
	}
	if agentText != "" {
		l.agent.WriteString(agentText)
		if !l.emit(PartialTranscript{Role: transcript.RoleAgent, Text: l.agent.String()}) {
			return false
		}
	}
	if len(msg.Audio) > 0 && !l.emit(AudioChunk{Data: msg.Audio}) {
		return false
	}

	if msg.Interrupted {
		if !l.finalize(transcript.RoleAgent) || !l.emit(Interrupted{}) {
			return false
		}
	}
	if msg.TurnComplete {
		if !l.finalize(transcript.RoleUser) || !l.finalize(transcript.RoleAgent) || !l.emit(TurnComplete{}) {
			return false
		}
	}

	if g := msg.GoAway; g != nil {
		slog.Info("session: server going away", "generation", l.gen, "time_left", g.TimeLeft)
		l.emit(Disconnected{Reason: DisconnectGoAway})
		return false
	}
	return true
}

// finalize emits the aggregated text for role, if any, and resets it.
func (l *link) finalize(role transcript.Role) bool {
	b := &l.user
	if role == transcript.RoleAgent {
		b = &l.agent
	}
	text := strings.TrimSpace(b.String())
	b.Reset()
	if text == "" {
		return true
	}
	return l.emit(FinalTranscript{Role: role, Text: text})
}

// emit delivers ev unless the link is being torn down.
func (l *link) emit(ev ServerEvent) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func disconnectReason(err error) DisconnectReason {
	var ce *live.ConnectError
	if errors.As(err, &ce) && ce.Reason != live.ConnectNetwork {
		return DisconnectClosedByServer
	}
	return DisconnectNetwork
}
