// Package telemetry defines the fire-and-forget event sink the orchestrator
// reports to, and a bounded asynchronous dispatcher so that a slow sink can
// never stall the audio path.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an [Event].
type Kind string

const (
	KindSessionStarted  Kind = "session_started"
	KindSessionEnded    Kind = "session_ended"
	KindStateTransition Kind = "state_transition"
	KindTurn            Kind = "turn"
	KindBargeIn         Kind = "barge_in"
	KindReconnect       Kind = "reconnect"
	KindConnect         Kind = "connect"
	KindGuardrail       Kind = "guardrail"
	KindEscalation      Kind = "escalation"
	KindFailure         Kind = "failure"
	KindDroppedFrames   Kind = "dropped_frames"
)

// Event is one telemetry record. Fields irrelevant to the Kind are zero.
type Event struct {
	Kind       Kind
	SessionKey string
	Time       time.Time

	// From and To are state names for KindStateTransition.
	From, To string

	// Role is the transcript role for KindTurn and the guardrail direction
	// for KindGuardrail.
	Role string

	// Attempt is the reconnect attempt number for KindReconnect.
	Attempt int

	// Outcome is a short result label, e.g. "resumed", "fresh", "exhausted",
	// "block", "warn" or a failure reason.
	Outcome string

	// Count is a quantity, e.g. frames dropped.
	Count int

	// Duration is a latency, e.g. connect time.
	Duration time.Duration
}

// Sink receives events. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Emit implements [Sink].
func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
type Nop struct{}

// Emit implements [Sink].
func (Nop) Emit(Event) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit implements [Sink].
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// DefaultQueueSize is the capacity of an [Async] queue.
const DefaultQueueSize = 256

// Async forwards events to a sink from its own goroutine. Emit never blocks:
// when the queue is full the event is dropped and counted.
type Async struct {
	sink    Sink
	queue   chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts a dispatcher in front of sink. size <= 0 selects
// [DefaultQueueSize].
func NewAsync(sink Sink, size int) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	a := &Async{
		sink:  sink,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit implements [Sink].
func (a *Async) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1) == 1 {
			slog.Warn("telemetry: queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting events and waits until queued events are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		a.deliver(e)
	}
}

func (a *Async) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry: sink panicked", "kind", e.Kind, "panic", r)
		}
	}()
	a.sink.Emit(e)
}

var (
	_ Sink = Nop{}
	_ Sink = SinkFunc(nil)
	_ Sink = Multi(nil)
	_ Sink = (*Async)(nil)
)
