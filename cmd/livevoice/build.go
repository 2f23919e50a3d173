package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/orchestrator"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/miniaudio"
	"github.com/MrWong99/livevoice/pkg/guardrail/phrase"
	"github.com/MrWong99/livevoice/pkg/handoff"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	"github.com/MrWong99/livevoice/pkg/provider/vad/energy"
	"github.com/MrWong99/livevoice/pkg/telemetry"
	"github.com/MrWong99/livevoice/pkg/transcript/postgres"
)

func registerBuiltins(reg *config.Registry) {
	reg.RegisterTransport("gemini", func(c config.LiveConfig) (live.Transport, error) {
		var opts []gemini.Option
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		if c.SetupTimeout > 0 {
			opts = append(opts, gemini.WithSetupTimeout(c.SetupTimeout))
		}
		return gemini.New(c.APIKey, opts...), nil
	})

	reg.RegisterVAD("energy", func() (vad.Engine, error) { return energy.New(), nil })

	for _, name := range reg.TransportNames() {
		slog.Debug("registered transport", "name", name)
	}
}

// stack owns everything one conversation needs. Close releases it in
// dependency order.
type stack struct {
	mctx     *miniaudio.Context
	capture  *audio.Capture
	playback *audio.Playback
	proto    *session.Protocol
	store    *postgres.Store
	orch     *orchestrator.Orchestrator
}

func build(ctx context.Context, cfg *config.Config, reg *config.Registry, sink telemetry.Sink) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	// ── Live transport and session ────────────────────────────────────────────
	transport, err := reg.CreateTransport(cfg.Live)
	if err != nil {
		return nil, err
	}
	s.proto = session.New(transport, cfg.Session, session.WithAttemptHook(func(a session.Attempt) {
		if a.Err != nil {
			slog.Warn("reconnect attempt failed", "attempt", a.N, "err", a.Err)
			return
		}
		slog.Info("reconnected", "attempt", a.N, "resumed", a.Resumed, "fresh", a.Fresh)
	}))

	// ── Audio devices ─────────────────────────────────────────────────────────
	if s.mctx, err = miniaudio.NewContext(); err != nil {
		return nil, err
	}
	in, err := s.mctx.NewInput(miniaudio.DeviceConfig{
		Name:       cfg.Audio.CaptureDevice,
		SampleRate: audio.InputSampleRate,
		Channels:   1,
	})
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Audio.DropPolicy.Policy(cfg.Audio.ReplayBacklog)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	s.capture = audio.NewCapture(in,
		audio.WithFrameDuration(cfg.Audio.FrameDuration()),
		audio.WithDropPolicy(policy),
		audio.WithQueueFrames(cfg.Audio.QueueFrames),
	)

	out, err := s.mctx.NewOutput(miniaudio.DeviceConfig{
		Name:       cfg.Audio.PlaybackDevice,
		SampleRate: audio.OutputSampleRate,
		Channels:   1,
	})
	if err != nil {
		return nil, err
	}
	var popts []audio.PlaybackOption
	if cfg.Audio.MaxBuffered > 0 {
		popts = append(popts, audio.WithMaxBuffered(cfg.Audio.MaxBuffered))
	}
	s.playback = audio.NewPlayback(out, popts...)

	// ── Hooks ─────────────────────────────────────────────────────────────────
	deps := orchestrator.Deps{
		Session:   s.proto,
		Capture:   s.capture,
		Playback:  s.playback,
		Telemetry: sink,
	}
	if cfg.Live.VADMode == live.VADClient {
		if deps.VAD, err = reg.CreateVAD(cfg.VAD.Engine); err != nil {
			return nil, err
		}
	}
	if len(cfg.Guardrail.Rules) > 0 {
		var gopts []phrase.Option
		if cfg.Guardrail.PhoneticThreshold > 0 {
			gopts = append(gopts, phrase.WithPhoneticThreshold(cfg.Guardrail.PhoneticThreshold))
		}
		deps.Guardrail = phrase.New(cfg.Guardrail.PhraseRules(), gopts...)
	}
	if cfg.Handoff.Enabled() {
		deps.Handoff = handoff.PhraseEvaluator{Phrases: cfg.Handoff.Phrases, MaxUserTurns: cfg.Handoff.MaxUserTurns}
	}
	if cfg.Store.PostgresDSN != "" {
		if s.store, err = postgres.NewStore(ctx, cfg.Store.PostgresDSN); err != nil {
			return nil, err
		}
		deps.Store = s.store
	}

	// ── Orchestrator ──────────────────────────────────────────────────────────
	s.orch, err = orchestrator.New(orchestrator.Config{
		SessionKey:     cfg.Server.SessionKey,
		Live:           cfg.Live.SessionConfig(),
		VAD:            cfg.VAD.Config,
		ConnectTimeout: cfg.Live.ConnectTimeout,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return s, nil
}

// checkers are the readiness probes of the admin server.
func (s *stack) checkers() []health.Checker {
	cs := []health.Checker{{Name: "conversation", Check: s.orch.Ready}}
	if s.store != nil {
		cs = append(cs, health.Checker{Name: "transcripts", Check: s.store.Ping})
	}
	return cs
}

// Close releases the stack. The orchestrator goes first so nothing reads the
// capture channel once it is closed.
func (s *stack) Close() {
	var errs []error
	if s.orch != nil {
		errs = append(errs, s.orch.Close())
	}
	if s.proto != nil {
		errs = append(errs, s.proto.Close())
	}
	if s.capture != nil {
		errs = append(errs, s.capture.Close())
	}
	if s.playback != nil {
		errs = append(errs, s.playback.Close())
	}
	if s.mctx != nil {
		errs = append(errs, s.mctx.Close())
	}
	if s.store != nil {
		s.store.Close()
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
}
