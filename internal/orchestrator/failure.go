package orchestrator

import (
	"errors"
	"fmt"

	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var (
	// ErrNotConnected is returned by operations that need a live conversation.
	ErrNotConnected = errors.New("orchestrator: not connected")

	// ErrAlreadyConnected is returned by Connect outside Idle, Closed and Failed.
	ErrAlreadyConnected = errors.New("orchestrator: already connected")

	// ErrBlocked is returned by SendText when the guardrail blocked the text.
	ErrBlocked = errors.New("orchestrator: blocked by guardrail")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator: closed")
)

// FailureKind classifies why a conversation failed.
type FailureKind string

const (
	FailureAuth               FailureKind = "auth"
	FailureQuota              FailureKind = "quota"
	FailureNetwork            FailureKind = "network"
	FailureUnsupportedConfig  FailureKind = "unsupported_config"
	FailurePermissionDenied   FailureKind = "permission_denied"
	FailureDeviceUnavailable  FailureKind = "device_unavailable"
	FailureReconnectExhausted FailureKind = "reconnect_exhausted"
)

// FailureReason is the structured cause of a move to [Failed].
type FailureReason struct {
	Kind FailureKind
	Err  error
}

func (f *FailureReason) Error() string {
	return fmt.Sprintf("orchestrator: failed (%s): %v", f.Kind, f.Err)
}

func (f *FailureReason) Unwrap() error { return f.Err }

// PermissionDenied reports whether the user must grant device access before
// retrying.
func (f *FailureReason) PermissionDenied() bool { return f.Kind == FailurePermissionDenied }

// Retryable reports whether an explicit new Connect may succeed without the
// user changing anything.
func (f *FailureReason) Retryable() bool {
	return f.Kind == FailureNetwork || f.Kind == FailureReconnectExhausted
}

func failureOf(err error) *FailureReason {
	var fr *FailureReason
	if errors.As(err, &fr) {
		return fr
	}
	var de *audio.DeviceError
	if errors.As(err, &de) {
		if de.Reason == audio.DevicePermissionDenied {
			return &FailureReason{Kind: FailurePermissionDenied, Err: err}
		}
		return &FailureReason{Kind: FailureDeviceUnavailable, Err: err}
	}
	if errors.Is(err, session.ErrReconnectExhausted) {
		return &FailureReason{Kind: FailureReconnectExhausted, Err: err}
	}
	switch live.ConnectReasonOf(err) {
	case live.ConnectAuth:
		return &FailureReason{Kind: FailureAuth, Err: err}
	case live.ConnectQuota:
		return &FailureReason{Kind: FailureQuota, Err: err}
	case live.ConnectUnsupportedConfig:
		return &FailureReason{Kind: FailureUnsupportedConfig, Err: err}
	default:
		return &FailureReason{Kind: FailureNetwork, Err: err}
	}
}
