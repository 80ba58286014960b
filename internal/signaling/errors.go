package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by sends while the channel is down.
	ErrNotConnected = errors.New("signaling channel not connected")
	// ErrClosed is returned after a client-initiated Close.
	ErrClosed = errors.New("signaling channel closed")
	// ErrUnauthorized marks a credential rejected during the handshake.
	ErrUnauthorized = errors.New("credential rejected")
	// ErrSessionGone is returned by a long-poll conn whose server session expired.
	ErrSessionGone = errors.New("poll session gone")
)

// SignalingError reports a connect or authentication failure of the channel.
type SignalingError struct {
	Op        string // "connect", "auth", "exhausted"
	Transport TransportKind
	Attempt   int
	Err       error
}

func (e *SignalingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signaling %s via %s (attempt %d)", e.Op, e.Transport, e.Attempt)
	}
	return fmt.Sprintf("signaling %s via %s (attempt %d): %v", e.Op, e.Transport, e.Attempt, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// UserMessage is the text shown while the channel is unavailable.
func (e *SignalingError) UserMessage() string {
	switch e.Op {
	case "auth":
		return "Your session has expired. Please sign in again."
	case "exhausted":
		return "Unable to connect to server. Retrying in background..."
	}
	return "Connection to server lost. Attempting to reconnect..."
}
