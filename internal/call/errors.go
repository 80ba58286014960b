package call

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

var (
	// ErrBusy is returned when a call is requested while another is in progress.
	ErrBusy = errors.New("call: a call is already in progress")
	// ErrNoSession is returned by operations that need a live session.
	ErrNoSession = errors.New("call: no active call")
)

// MediaErrorKind classifies local media acquisition failures.
type MediaErrorKind int

const (
	MediaOther MediaErrorKind = iota
	MediaPermission
	MediaAbsent
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaPermission:
		return "permission denied"
	case MediaAbsent:
		return "device absent"
	}
	return "other"
}

// MediaAccessError reports that local camera or microphone could not be opened.
type MediaAccessError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

func (e *MediaAccessError) UserMessage() string {
	switch e.Kind {
	case MediaPermission:
		return "Camera or microphone access was denied. Please grant permission and try again."
	case MediaAbsent:
		return "No camera or microphone was found. Please connect a device and try again."
	}
	return "Could not access camera or microphone: " + e.Err.Error()
}

// classifyMedia wraps a capture error into a MediaAccessError.
func classifyMedia(err error) *MediaAccessError {
	var me *MediaAccessError
	if errors.As(err, &me) {
		return me
	}
	kind := MediaOther
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM),
		strings.Contains(msg, "permission"):
		kind = MediaPermission
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT),
		strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"), strings.Contains(msg, "no device"):
		kind = MediaAbsent
	}
	return &MediaAccessError{Kind: kind, Err: err}
}

// NegotiationError reports an offer/answer step that failed or was attempted
// in the wrong state.
type NegotiationError struct {
	Op    string // e.g. "create offer", "apply answer"
	State string // signaling or session state at the time
	Err   error
}

func (e *NegotiationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("negotiation: %s in state %s", e.Op, e.State)
	}
	return fmt.Sprintf("negotiation: %s in state %s: %v", e.Op, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) UserMessage() string {
	return "The call could not be set up. Please try again."
}

// ConnectivityFailure reports a peer connection that failed and did not
// recover after an ICE restart.
type ConnectivityFailure struct {
	State     string
	Restarted bool
}

func (e *ConnectivityFailure) Error() string {
	if e.Restarted {
		return fmt.Sprintf("connectivity: %s after ice restart", e.State)
	}
	return "connectivity: " + e.State
}

func (e *ConnectivityFailure) UserMessage() string {
	return "The connection to the other participant was lost."
}
