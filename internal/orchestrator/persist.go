package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/transcript"
)

// persister saves transcript snapshots from its own goroutine. Only the latest
// pending snapshot is kept; saves are upserts so skipping intermediate ones
// loses nothing. While the breaker is open the snapshot stays pending for the
// next attempt.
type persister struct {
	store   transcript.Store
	key     string
	timeout time.Duration
	breaker *resilience.Breaker

	mu      sync.Mutex
	pending []transcript.Entry
	has     bool

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newPersister(store transcript.Store, key string, timeout time.Duration, breaker *resilience.Breaker) *persister {
	p := &persister{
		store:   store,
		key:     key,
		timeout: timeout,
		breaker: breaker,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) submit(entries []transcript.Entry) {
	p.mu.Lock()
	p.pending, p.has = entries, true
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// close saves whatever is pending and stops the goroutine.
func (p *persister) close() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.signal:
			p.flush()
		case <-p.stop:
			p.flush()
			return
		}
	}
}

func (p *persister) flush() {
	p.mu.Lock()
	entries, ok := p.pending, p.has
	p.pending, p.has = nil, false
	p.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.store.Save(ctx, p.key, entries)
	})
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrOpen):
		slog.Debug("orchestrator: transcript save deferred", "session_key", p.key)
		p.requeue(entries)
	default:
		slog.Warn("orchestrator: transcript save failed", "session_key", p.key, "entries", len(entries), "err", err)
		p.requeue(entries)
	}
}

// requeue keeps entries pending unless a newer snapshot arrived meanwhile.
// Nothing is signalled; the next submit retries.
func (p *persister) requeue(entries []transcript.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has {
		p.pending, p.has = entries, true
	}
}
