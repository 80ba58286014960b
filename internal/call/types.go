package call

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/audio"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/signaling"
)

// Signaler is the surface the controller needs from the signaling channel.
// *signaling.Channel satisfies it.
type Signaler interface {
	On(event string, fn signaling.Handler) *signaling.Subscription
	Emit(event string, payload proto.Payload) bool
	Connected() bool
}

// Options configures a Controller.
type Options struct {
	Self          proto.Participant // local identity shown to the other side
	ICEServers    []string
	ICEPoolSize   int
	GatherTimeout time.Duration
	RestartWindow time.Duration
	Constraints   Constraints
	Clock         clock.Clock
}

// OptionsFromConfig maps the call config section onto Options.
func OptionsFromConfig(self proto.Participant, c config.Call) Options {
	return Options{
		Self:          self,
		ICEServers:    c.ICEServers,
		ICEPoolSize:   c.ICEPoolSize,
		GatherTimeout: c.GatherTimeout(),
		RestartWindow: c.RestartWindow(),
		Constraints: Constraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			Width:            c.VideoWidth,
			Height:           c.VideoHeight,
			MaxWidth:         c.VideoMaxWidth,
			MaxHeight:        c.VideoMaxHeight,
			FrameRate:        c.FrameRate,
			MaxFrameRate:     c.MaxFrameRate,
		},
	}
}

func (o Options) iceServers() []webrtc.ICEServer {
	if len(o.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: o.ICEServers}}
}

// Constraints are the fixed quality settings for local capture.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	Width, Height       int // ideal
	MaxWidth, MaxHeight int
	FrameRate           int // ideal
	MaxFrameRate        int
}

// Incoming describes a ringing call waiting for AnswerCall or DeclineCall.
type Incoming struct {
	SessionID string
	From      proto.Participant
	Kind      proto.CallKind
}

// RemoteTrack is one inbound track merged into the remote stream. Audio is
// set for audio tracks and yields decoded samples.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Audio    audio.Source
}
