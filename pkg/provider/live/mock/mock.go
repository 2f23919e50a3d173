// Package mock provides a scriptable [live.Transport] for tests.
//
// Transport hands out [Conn] values in order; tests push server messages into
// a Conn and inspect what the session sent:
//
//	tr := &mock.Transport{}
//	conn := mock.NewConn()
//	tr.Enqueue(conn)
//	c, _ := tr.Negotiate(ctx, cfg)
//	conn.Push(live.Message{TurnComplete: true})
//	conn.Drop(io.ErrUnexpectedEOF) // Receive now fails
package mock

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var (
	_ live.Transport = (*Transport)(nil)
	_ live.Conn      = (*Conn)(nil)
)

// ─── Transport ────────────────────────────────────────────────────────────────

// Transport is a mock [live.Transport].
type Transport struct {
	mu    sync.Mutex
	conns []*Conn
	errs  []error

	// Err, if non-nil, is returned once the queued results run out.
	Err error

	// OnNegotiate, if set, is called for every Negotiate before any queued
	// result is used. A non-nil Conn or error it returns wins.
	OnNegotiate func(ctx context.Context, cfg live.SessionConfig) (*Conn, error)

	// NegotiateCalls records every config passed to Negotiate.
	NegotiateCalls []live.SessionConfig

	// Issued records every Conn handed out.
	Issued []*Conn
}

// Enqueue queues conns to be returned by successive Negotiate calls.
func (t *Transport) Enqueue(conns ...*Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns = append(t.conns, conns...)
}

// EnqueueErr queues errors to be returned by successive Negotiate calls.
// Queued errors are consumed before queued conns.
func (t *Transport) EnqueueErr(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, errs...)
}

// Negotiate implements [live.Transport]. It reports [live.Dialed] before
// consulting OnNegotiate and the queues. With nothing queued and Err nil it
// returns a fresh Conn.
func (t *Transport) Negotiate(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &live.ConnectError{Reason: live.ConnectNetwork, Err: err}
	}
	t.mu.Lock()
	t.NegotiateCalls = append(t.NegotiateCalls, cfg)
	hook := t.OnNegotiate
	t.mu.Unlock()
	live.Dialed(ctx)

	if hook != nil {
		c, err := hook(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if c != nil {
			t.record(c)
			return c, nil
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return nil, err
	}
	if len(t.conns) > 0 {
		c := t.conns[0]
		t.conns = t.conns[1:]
		t.Issued = append(t.Issued, c)
		return c, nil
	}
	if t.Err != nil {
		return nil, t.Err
	}
	c := NewConn()
	t.Issued = append(t.Issued, c)
	return c, nil
}

func (t *Transport) record(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Issued = append(t.Issued, c)
}

// Calls returns a copy of NegotiateCalls.
func (t *Transport) Calls() []live.SessionConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]live.SessionConfig(nil), t.NegotiateCalls...)
}

// Conns returns a copy of Issued.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.Issued...)
}

// Last returns the most recently issued Conn, or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Issued) == 0 {
		return nil
	}
	return t.Issued[len(t.Issued)-1]
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

// TextCall records one SendText.
type TextCall struct {
	Text         string
	TurnComplete bool
}

// Conn is a mock [live.Conn].
type Conn struct {
	incoming chan live.Message
	dropped  chan struct{}
	closed   chan struct{}

	dropOnce  sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	dropErr error

	// SendErr, if non-nil, is returned by every Send method.
	SendErr error

	// OnText and OnActivity let tests script replies. They run on the
	// sending goroutine and may call Push.
	OnText     func(c *Conn, text string, turnComplete bool)
	OnActivity func(c *Conn, start bool)

	Audio      [][]byte
	Texts      []TextCall
	Activities []bool
}

// NewConn returns an open Conn with room for 256 unread messages.
func NewConn() *Conn {
	return &Conn{
		incoming: make(chan live.Message, 256),
		dropped:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Push queues a server message for Receive.
func (c *Conn) Push(msgs ...live.Message) {
	for _, m := range msgs {
		c.incoming <- m
	}
}

// Drop makes Receive fail with err once queued messages are drained. A nil
// err drops with a network [live.ConnectError].
func (c *Conn) Drop(err error) {
	if err == nil {
		err = &live.ConnectError{Reason: live.ConnectNetwork, Err: errors.New("mock: connection reset")}
	}
	c.dropOnce.Do(func() {
		c.mu.Lock()
		c.dropErr = err
		c.mu.Unlock()
		close(c.dropped)
	})
}

// SendAudio implements [live.Conn].
func (c *Conn) SendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErrLocked(); err != nil {
		return err
	}
	c.Audio = append(c.Audio, append([]byte(nil), pcm...))
	return nil
}

// SendText implements [live.Conn].
func (c *Conn) SendText(_ context.Context, text string, turnComplete bool) error {
	c.mu.Lock()
	if err := c.sendErrLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.Texts = append(c.Texts, TextCall{Text: text, TurnComplete: turnComplete})
	hook := c.OnText
	c.mu.Unlock()
	if hook != nil {
		hook(c, text, turnComplete)
	}
	return nil
}

// SendActivity implements [live.Conn].
func (c *Conn) SendActivity(_ context.Context, start bool) error {
	c.mu.Lock()
	if err := c.sendErrLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.Activities = append(c.Activities, start)
	hook := c.OnActivity
	c.mu.Unlock()
	if hook != nil {
		hook(c, start)
	}
	return nil
}

func (c *Conn) sendErrLocked() error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	return c.SendErr
}

// Receive implements [live.Conn]. Queued messages are delivered before a drop
// takes effect.
func (c *Conn) Receive(ctx context.Context) (live.Message, error) {
	select {
	case m := <-c.incoming:
		return m, nil
	default:
	}
	select {
	case m := <-c.incoming:
		return m, nil
	case <-c.dropped:
		c.mu.Lock()
		defer c.mu.Unlock()
		return live.Message{}, c.dropErr
	case <-c.closed:
		return live.Message{}, net.ErrClosed
	case <-ctx.Done():
		return live.Message{}, ctx.Err()
	}
}

// Close implements [live.Conn].
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SentAudio returns a copy of every PCM chunk sent.
func (c *Conn) SentAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.Audio...)
}

// SentTexts returns a copy of every text turn sent.
func (c *Conn) SentTexts() []TextCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TextCall(nil), c.Texts...)
}

// SentActivities returns a copy of every activity marker sent.
func (c *Conn) SentActivities() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.Activities...)
}
