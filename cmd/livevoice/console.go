package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/livevoice/internal/orchestrator"
	"github.com/MrWong99/livevoice/pkg/transcript"
)

// Conversation is what the console drives.
type Conversation interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	SetMuted(muted bool)
	Transcript() []transcript.Entry
}

var _ Conversation = (*orchestrator.Orchestrator)(nil)

// console reads commands and chat lines from r until ctx ends, r is drained
// or the user quits.
func console(ctx context.Context, r io.Reader, conv Conversation, autoConnect bool) error {
	if autoConnect {
		connect(ctx, conv)
	}

	// The scanner cannot be interrupted; it is left behind on shutdown.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, conv, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, conv Conversation, line string) (quit bool) {
	switch line {
	case "":
	case "/quit", "/q":
		return true
	case "/connect":
		connect(ctx, conv)
	case "/disconnect":
		if err := conv.Disconnect(ctx); err != nil {
			slog.Warn("disconnect failed", "err", err)
		}
	case "/mute":
		conv.SetMuted(true)
		fmt.Println("[muted]")
	case "/unmute":
		conv.SetMuted(false)
		fmt.Println("[unmuted]")
	case "/transcript":
		for _, e := range conv.Transcript() {
			fmt.Printf("  %s: %s\n", e.Role, e.Text)
		}
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Printf("[unknown command %s]\n", line)
			return false
		}
		switch err := conv.SendText(ctx, line); {
		case err == nil:
		case errors.Is(err, orchestrator.ErrBlocked):
			fmt.Println("[message blocked]")
		case errors.Is(err, orchestrator.ErrNotConnected):
			fmt.Println("[not connected; type /connect]")
		default:
			slog.Warn("send failed", "err", err)
		}
	}
	return false
}

func connect(ctx context.Context, conv Conversation) {
	err := conv.Connect(ctx)
	if err == nil {
		return
	}
	var fr *orchestrator.FailureReason
	switch {
	case errors.As(err, &fr) && fr.PermissionDenied():
		fmt.Println("[microphone access denied; grant it and type /connect]")
	case errors.As(err, &fr) && fr.Retryable():
		fmt.Println("[connection failed; type /connect to retry]")
	case errors.Is(err, orchestrator.ErrAlreadyConnected):
	default:
		slog.Error("connect failed", "err", err)
	}
}

// render prints events until the channel is closed.
func render(events <-chan orchestrator.Event) {
	partial := false
	endPartial := func() {
		if partial {
			fmt.Println()
			partial = false
		}
	}
	for ev := range events {
		switch ev.Kind {
		case orchestrator.EventState:
			slog.Debug("state changed", "from", ev.Prev, "to", ev.State)
			if ev.State == orchestrator.Reconnecting {
				endPartial()
				fmt.Println("[reconnecting…]")
			}
		case orchestrator.EventPartial:
			if ev.Role != transcript.RoleAgent {
				continue
			}
			// Partials carry the whole turn so far; redraw the line.
			fmt.Printf("\r%s: %s", ev.Role, ev.Text)
			partial = true
		case orchestrator.EventFinal:
			endPartial()
			if ev.Entry != nil && ev.Entry.Role == transcript.RoleUser {
				fmt.Printf("you: %s\n", ev.Entry.Text)
			} else if ev.Entry != nil && ev.Entry.Blocked {
				fmt.Printf("%s: %s\n", ev.Entry.Role, ev.Entry.Text)
			}
		case orchestrator.EventWarning:
			endPartial()
			fmt.Printf("[warning] %s\n", ev.Text)
		case orchestrator.EventEscalation:
			endPartial()
			fmt.Printf("[handoff suggested] %s\n", ev.Text)
		case orchestrator.EventFailure:
			endPartial()
			fmt.Printf("[failed] %v\n", ev.Failure)
		}
	}
}
