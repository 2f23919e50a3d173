package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// Attempt describes one finished reconnection attempt.
type Attempt struct {
	// N is the 1-based attempt number within one Reconnect call.
	N int

	// Resumed is set when the attempt continued the remote context.
	Resumed bool

	// Fresh is set when the attempt fell back to a new remote context.
	Fresh bool

	// Err is nil for the successful attempt.
	Err error
}

// Reconnect replaces last with a working handle. Each attempt first tries to
// resume last's remote context; when the server no longer knows the token
// (expired, not found, rejected) it falls back to a fresh Connect with the
// same config, and later attempts stay fresh. Between attempts it waits with
// exponential, jittered backoff starting at BaseDelay and capped at MaxDelay.
//
// Auth, quota and unsupported-config failures stop immediately and are
// returned as *[live.ConnectError]. When MaxAttempts retryable failures
// accumulate the error wraps [ErrReconnectExhausted].
func (p *Protocol) Reconnect(ctx context.Context, last *Handle) (*Handle, error) {
	var cfg live.SessionConfig
	if last != nil {
		cfg = last.Config()
	}
	fresh := last == nil

	delay := p.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := p.jitter(delay)
			slog.Info("session: reconnect backoff",
				"attempt", attempt,
				"max_attempts", p.cfg.MaxAttempts,
				"backoff", wait,
			)
			if err := p.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("session: reconnect: %w", err)
			}
			delay = min(delay*2, p.cfg.MaxDelay)
		}

		if !fresh {
			h, err := p.Resume(ctx, last)
			if err == nil {
				p.attempted(Attempt{N: attempt, Resumed: true})
				return h, nil
			}
			if terminal(err) {
				p.attempted(Attempt{N: attempt, Err: err})
				return nil, unwrapConnect(err)
			}
			var re *live.ResumeError
			if !errors.As(err, &re) || re.Reason == live.ResumeNetwork {
				lastErr = err
				p.attempted(Attempt{N: attempt, Err: err})
				slog.Warn("session: resume attempt failed", "attempt", attempt, "err", err)
				if ctx.Err() != nil {
					return nil, fmt.Errorf("session: reconnect: %w", ctx.Err())
				}
				continue
			}
			slog.Info("session: remote context lost, starting fresh", "reason", re.Reason)
			fresh = true
		}

		h, err := p.Connect(ctx, cfg)
		if err == nil {
			p.attempted(Attempt{N: attempt, Fresh: true})
			return h, nil
		}
		p.attempted(Attempt{N: attempt, Err: err})
		if terminal(err) || errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err
		slog.Warn("session: reconnect attempt failed", "attempt", attempt, "err", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("session: reconnect: %w", ctx.Err())
		}
	}

	slog.Error("session: reconnect failed after max attempts", "max_attempts", p.cfg.MaxAttempts, "err", lastErr)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, p.cfg.MaxAttempts, lastErr)
}

func (p *Protocol) attempted(a Attempt) {
	if p.onAttempt != nil {
		p.onAttempt(a)
	}
}

// terminal reports whether err rules out any further attempt. A rejected
// resumption token is not terminal; rejected credentials or quota are.
func terminal(err error) bool {
	var ce *live.ConnectError
	if !errors.As(err, &ce) {
		return false
	}
	var re *live.ResumeError
	if errors.As(err, &re) {
		return ce.Reason == live.ConnectAuth || ce.Reason == live.ConnectQuota
	}
	return !ce.Retryable()
}

func unwrapConnect(err error) error {
	var ce *live.ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return err
}

