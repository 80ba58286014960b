package audio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"
)

const (
	opusRate = 48000
	// 120 ms at 48 kHz is the longest Opus frame.
	opusMaxFrame = 5760
)

// RTPReader is the receive side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// OpusSource decodes an inbound Opus RTP stream into mono samples at 48 kHz.
type OpusSource struct {
	r        RTPReader
	dec      *opus.Decoder
	channels int
	pcm      []float32
	closed   atomic.Bool
	drops    int
}

// NewOpusSource wraps r, a track negotiated with the given channel count.
func NewOpusSource(r RTPReader, channels int) (*OpusSource, error) {
	if channels < 1 {
		channels = 1
	}
	dec, err := opus.NewDecoder(opusRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusSource{
		r:        r,
		dec:      dec,
		channels: channels,
		pcm:      make([]float32, opusMaxFrame*channels),
	}, nil
}

func (s *OpusSource) ReadPCM(ctx context.Context) ([]float32, int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if s.closed.Load() {
			return nil, 0, ErrClosed
		}
		pkt, _, err := s.r.ReadRTP()
		if err != nil {
			return nil, 0, err
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := s.dec.DecodeFloat32(pkt.Payload, s.pcm)
		if err != nil {
			s.drops++
			if s.drops%50 == 1 {
				log.Debugf("opus decode (seq %d): %v", pkt.SequenceNumber, err)
			}
			continue
		}
		frame := make([]float32, n*s.channels)
		copy(frame, s.pcm[:n*s.channels])
		return Downmix(frame, s.channels), opusRate, nil
	}
}

// Close stops the source. The underlying track is owned by the peer
// connection; a read blocked on it returns when the connection closes.
func (s *OpusSource) Close() error {
	s.closed.Store(true)
	return nil
}
