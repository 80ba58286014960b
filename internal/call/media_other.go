//go:build !linux

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/proto"
)

// DefaultMediaSource returns the platform capture source. Camera and
// microphone capture is only implemented on Linux; elsewhere every call
// attempt fails with a MediaAccessError unless another source is supplied.
func DefaultMediaSource() MediaSource { return unavailableSource{} }

type unavailableSource struct{}

func (unavailableSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (unavailableSource) Acquire(context.Context, proto.CallKind, Constraints) (*LocalMedia, error) {
	return nil, &MediaAccessError{Kind: MediaAbsent, Err: errors.New("no capture backend on this platform")}
}
