// Package proto defines the signaling events exchanged with the coordination
// server. Every event name maps to exactly one payload type; anything else is
// rejected at the channel boundary.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ── Event names ───────────────────────────────────────────────────────────────

// Call negotiation.
const (
	EventOffer        = "offer"        // caller → server; server → callee only for ice restarts
	EventAnswer       = "answer"       // callee → server → caller
	EventICECandidate = "iceCandidate" // either → other: trickle candidate
	EventIncomingCall = "incomingCall" // server → callee: initial offer
	EventDeclineCall  = "declineCall"  // callee → server
	EventCallDeclined = "callDeclined" // server → caller
	EventEndCall      = "endCall"      // either → server
	EventCallEnded    = "callEnded"    // server → other side
)

// Translation.
const (
	EventGetParticipantInfo    = "getCallParticipantInfo"
	EventParticipantInfo       = "callParticipantInfo"
	EventTranslateAudio        = "translateAudio"
	EventTranslateRemoteAudio  = "translateRemoteAudio"
	EventTranslatedAudio       = "translatedAudio"
	EventLocalAudioTranslated  = "localAudioTranslated"
	EventRemoteAudioTranslated = "remoteAudioTranslated"
	EventAudioTranscript       = "audioTranscript"
	EventAudioSystemReady      = "audioSystemReady"
	EventError                 = "error"
)

// Channel lifecycle. Raised locally by the channel, never sent on the wire.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
	EventState        = "state"
)

// IsLifecycle reports whether event is raised locally by the channel.
func IsLifecycle(event string) bool {
	switch event {
	case EventConnect, EventConnectError, EventDisconnect, EventState:
		return true
	}
	return false
}

// ── Envelope ──────────────────────────────────────────────────────────────────

// Envelope is the wire frame for every transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every event payload.
type Payload interface {
	Validate() error
}

// ErrUnknownEvent is returned for event names outside the closed set.
var ErrUnknownEvent = errors.New("unknown event")

var registry = map[string]func() Payload{
	EventOffer:                 func() Payload { return &Offer{} },
	EventAnswer:                func() Payload { return &Answer{} },
	EventICECandidate:          func() Payload { return &Candidate{} },
	EventIncomingCall:          func() Payload { return &IncomingCall{} },
	EventDeclineCall:           func() Payload { return &CallSignal{} },
	EventCallDeclined:          func() Payload { return &CallSignal{} },
	EventEndCall:               func() Payload { return &CallSignal{} },
	EventCallEnded:             func() Payload { return &CallSignal{} },
	EventGetParticipantInfo:    func() Payload { return &ParticipantQuery{} },
	EventParticipantInfo:       func() Payload { return &ParticipantInfo{} },
	EventTranslateAudio:        func() Payload { return &TranslateAudio{} },
	EventTranslateRemoteAudio:  func() Payload { return &TranslateAudio{} },
	EventTranslatedAudio:       func() Payload { return &TranslatedAudio{} },
	EventLocalAudioTranslated:  func() Payload { return &TranslatedAudio{} },
	EventRemoteAudioTranslated: func() Payload { return &TranslatedAudio{} },
	EventAudioTranscript:       func() Payload { return &AudioTranscript{} },
	EventAudioSystemReady:      func() Payload { return &SystemReady{} },
	EventError:                 func() Payload { return &ErrorPayload{} },
}

// Known reports whether event belongs to the wire event set.
func Known(event string) bool {
	_, ok := registry[event]
	return ok
}

// Decode parses raw into the payload type registered for event and validates it.
// An empty body decodes to the zero payload.
func Decode(event string, raw json.RawMessage) (Payload, error) {
	mk, ok := registry[event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	p := mk()
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", event, err)
	}
	return p, nil
}

// Encode validates payload against event and builds the wire envelope.
func Encode(event string, payload Payload) (Envelope, error) {
	mk, ok := registry[event]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if reflect.TypeOf(mk()) != reflect.TypeOf(payload) {
		return Envelope{}, fmt.Errorf("event %s: payload %T does not match %T", event, payload, mk())
	}
	if err := payload.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("invalid %s: %w", event, err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: b}, nil
}

// ── Shared shapes ─────────────────────────────────────────────────────────────

// CallKind is the media kind of a call.
type CallKind string

const (
	KindAudio CallKind = "audio"
	KindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool { return k == KindAudio || k == KindVideo }

// SessionDescription mirrors the W3C RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"` // offer | answer
	SDP  string `json:"sdp"`
}

func (d SessionDescription) validate(want string) error {
	if d.Type != want {
		return fmt.Errorf("description type %q, want %q", d.Type, want)
	}
	if strings.TrimSpace(d.SDP) == "" {
		return errors.New("empty sdp")
	}
	return nil
}

// ICECandidateInit mirrors the W3C RTCIceCandidateInit shape.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Participant describes one side of a call as shown to the other side.
type Participant struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"`
	Status            string `json:"status,omitempty"`
	Avatar            string `json:"avatar,omitempty"`
}

// ── Payloads ──────────────────────────────────────────────────────────────────

// Offer carries an SDP offer. Restart marks an ICE-restart renegotiation of an
// already active call.
type Offer struct {
	TargetID   string             `json:"targetId,omitempty"`
	From       string             `json:"from,omitempty"`
	Offer      SessionDescription `json:"offer"`
	Kind       CallKind           `json:"kind"`
	CallerInfo Participant        `json:"callerInfo"`
	Restart    bool               `json:"restart,omitempty"`
}

func (p *Offer) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("kind %q", p.Kind)
	}
	return p.Offer.validate("offer")
}

// Answer carries the SDP answer from the callee.
type Answer struct {
	TargetID     string             `json:"targetId,omitempty"`
	From         string             `json:"from,omitempty"`
	Answer       SessionDescription `json:"answer"`
	ReceiverInfo Participant        `json:"receiverInfo"`
}

func (p *Answer) Validate() error { return p.Answer.validate("answer") }

// Candidate carries one trickle candidate.
type Candidate struct {
	TargetID  string           `json:"targetId,omitempty"`
	From      string           `json:"from,omitempty"`
	Candidate ICECandidateInit `json:"candidate"`
}

func (p *Candidate) Validate() error {
	if strings.TrimSpace(p.Candidate.Candidate) == "" {
		return errors.New("empty candidate")
	}
	return nil
}

// IncomingCall is delivered to the callee for a new call.
type IncomingCall struct {
	From   string             `json:"from"`
	Offer  SessionDescription `json:"offer"`
	Kind   CallKind           `json:"kind"`
	Caller Participant        `json:"caller"`
}

func (p *IncomingCall) Validate() error {
	if p.From == "" {
		return errors.New("missing from")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("kind %q", p.Kind)
	}
	return p.Offer.validate("offer")
}

// CallSignal is the body of declineCall/endCall and their server echoes.
type CallSignal struct {
	TargetID string `json:"targetId,omitempty"`
	From     string `json:"from,omitempty"`
}

func (p *CallSignal) Validate() error { return nil }

// ParticipantQuery asks the server who the caller is actually connected to.
type ParticipantQuery struct {
	UserID string `json:"userId"`
}

func (p *ParticipantQuery) Validate() error {
	if p.UserID == "" {
		return errors.New("missing userId")
	}
	return nil
}

// ParticipantInfo answers a ParticipantQuery. A nil participant means unknown.
type ParticipantInfo struct {
	ParticipantInfo *Participant `json:"participantInfo"`
}

func (p *ParticipantInfo) Validate() error { return nil }

// TranslateAudio is one captured chunk sent for translation.
type TranslateAudio struct {
	Audio          string `json:"audio"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	UserID         string `json:"userId"`
	SampleRate     int    `json:"sampleRate"`
	Encoding       string `json:"encoding"`
	RequestID      string `json:"requestId"`
}

func (p *TranslateAudio) Validate() error {
	switch {
	case p.Audio == "":
		return errors.New("missing audio")
	case p.RequestID == "":
		return errors.New("missing requestId")
	case p.SampleRate <= 0:
		return fmt.Errorf("sampleRate %d", p.SampleRate)
	}
	return nil
}

// TranscriptText is an original/translated transcript pair.
type TranscriptText struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
}

// TranslatedAudio is the translation service's answer to a TranslateAudio.
type TranslatedAudio struct {
	Text      TranscriptText `json:"text"`
	Audio     string         `json:"audio,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

func (p *TranslatedAudio) Validate() error { return nil }

// AudioTranscript is an interim transcript of the original speech.
type AudioTranscript struct {
	Text    string `json:"text"`
	IsLocal bool   `json:"isLocal"`
}

func (p *AudioTranscript) Validate() error { return nil }

// SystemReady announces that the audio pipeline is running.
type SystemReady struct {
	Ready bool `json:"ready"`
}

func (p *SystemReady) Validate() error { return nil }

// ErrorPayload is a server-side error report. RequestID names the
// translation request that failed, when there is one.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func (p *ErrorPayload) Validate() error { return nil }

// NowMillis returns the current Unix time in milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
