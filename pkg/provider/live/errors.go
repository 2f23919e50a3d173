package live

import (
	"errors"
	"fmt"
)

// ConnectReason classifies a [ConnectError].
type ConnectReason int

const (
	// ConnectNetwork covers dial failures, timeouts and dropped links. It is
	// the only retryable reason.
	ConnectNetwork ConnectReason = iota
	ConnectAuth
	ConnectQuota
	ConnectUnsupportedConfig
)

func (r ConnectReason) String() string {
	switch r {
	case ConnectNetwork:
		return "network"
	case ConnectAuth:
		return "auth"
	case ConnectQuota:
		return "quota"
	case ConnectUnsupportedConfig:
		return "unsupported_config"
	default:
		return fmt.Sprintf("ConnectReason(%d)", int(r))
	}
}

// ConnectError reports a failed or lost connection.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "live: connect: " + e.Reason.String()
	}
	return fmt.Sprintf("live: connect (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Retryable reports whether reconnecting may succeed.
func (e *ConnectError) Retryable() bool { return e.Reason == ConnectNetwork }

// ResumeReason classifies a [ResumeError].
type ResumeReason int

const (
	// ResumeExpired means the resumption token is past its expiry.
	ResumeExpired ResumeReason = iota

	// ResumeNotFound means no token is held or the server no longer knows it.
	ResumeNotFound

	// ResumeNetwork means the server could not be reached; retrying the same
	// token may succeed.
	ResumeNetwork
)

func (r ResumeReason) String() string {
	switch r {
	case ResumeExpired:
		return "expired"
	case ResumeNotFound:
		return "not_found"
	case ResumeNetwork:
		return "network"
	default:
		return fmt.Sprintf("ResumeReason(%d)", int(r))
	}
}

// ResumeError reports a failed resumption.
type ResumeError struct {
	Reason ResumeReason
	Err    error
}

func (e *ResumeError) Error() string {
	if e.Err == nil {
		return "live: resume: " + e.Reason.String()
	}
	return fmt.Sprintf("live: resume (%s): %v", e.Reason, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }

// ProtocolReason classifies a [ProtocolError].
type ProtocolReason int

const (
	// ProtocolMalformedEvent means a server message could not be decoded.
	ProtocolMalformedEvent ProtocolReason = iota

	// ProtocolServerError means the server reported an error in-band without
	// closing the connection.
	ProtocolServerError
)

func (r ProtocolReason) String() string {
	switch r {
	case ProtocolMalformedEvent:
		return "malformed_event"
	case ProtocolServerError:
		return "server_error"
	default:
		return fmt.Sprintf("ProtocolReason(%d)", int(r))
	}
}

// ProtocolError reports a server message the session skipped.
type ProtocolError struct {
	Reason ProtocolReason
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("live: protocol (%s): %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectReasonOf extracts the reason from err, defaulting to
// [ConnectNetwork] when err is not a [*ConnectError].
func ConnectReasonOf(err error) ConnectReason {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ConnectNetwork
}
