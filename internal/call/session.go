package call

import (
	"fmt"
	"time"

	"github.com/petervdpas/parley/internal/proto"
)

// State is the lifecycle state of a call session.
type State int

const (
	Idle State = iota
	Offering
	Ringing
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// canMove reports whether from → to is a legal session transition.
func canMove(from, to State) bool {
	switch from {
	case Idle:
		return to == Offering || to == Ringing
	case Offering, Ringing:
		return to == Active || to == Ended
	case Active:
		return to == Ended
	}
	return false
}

// Session is the controller's record of one call.
type Session struct {
	ID     string
	Kind   proto.CallKind
	Caller bool
	Local  proto.Participant
	Remote proto.Participant

	LocalLanguage  string
	RemoteLanguage string

	State     State
	PeerState string // last peer connection state
	Muted     bool
	CameraOff bool
	Restarted bool

	StartedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	EndReason  string
	Err        error
}

// Snapshot is an immutable copy of a Session, safe to hand to other
// goroutines.
type Snapshot struct {
	ID             string            `json:"id"`
	Kind           proto.CallKind    `json:"kind"`
	Caller         bool              `json:"caller"`
	Local          proto.Participant `json:"local"`
	Remote         proto.Participant `json:"remote"`
	LocalLanguage  string            `json:"local_language"`
	RemoteLanguage string            `json:"remote_language"`
	State          State             `json:"state"`
	PeerState      string            `json:"peer_state,omitempty"`
	Muted          bool              `json:"muted"`
	CameraOff      bool              `json:"camera_off"`
	Restarted      bool              `json:"restarted,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	AnsweredAt     time.Time         `json:"answered_at"`
	EndedAt        time.Time         `json:"ended_at"`
	EndReason      string            `json:"end_reason,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:             s.ID,
		Kind:           s.Kind,
		Caller:         s.Caller,
		Local:          s.Local,
		Remote:         s.Remote,
		LocalLanguage:  s.LocalLanguage,
		RemoteLanguage: s.RemoteLanguage,
		State:          s.State,
		PeerState:      s.PeerState,
		Muted:          s.Muted,
		CameraOff:      s.CameraOff,
		Restarted:      s.Restarted,
		StartedAt:      s.StartedAt,
		AnsweredAt:     s.AnsweredAt,
		EndedAt:        s.EndedAt,
		EndReason:      s.EndReason,
	}
	if s.Err != nil {
		snap.Error = s.Err.Error()
	}
	return snap
}

// live reports whether the session still holds resources.
func (s *Session) live() bool { return s != nil && s.State != Ended && s.State != Idle }

// move applies a transition. Illegal moves are refused.
func (s *Session) move(to State) bool {
	if !canMove(s.State, to) {
		log.Warnf("call %s: refusing transition %s → %s", short(s.ID), s.State, to)
		return false
	}
	log.Debugf("call %s: %s → %s", short(s.ID), s.State, to)
	s.State = to
	return true
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
