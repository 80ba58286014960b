package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/petervdpas/parley/internal/audio"
	"github.com/petervdpas/parley/internal/proto"
)

// MediaSource acquires local tracks. The platform default is returned by
// DefaultMediaSource; tests and headless runs use SyntheticSource.
type MediaSource interface {
	// RegisterCodecs declares the codecs the source produces.
	RegisterCodecs(m *webrtc.MediaEngine) error
	// Acquire opens local tracks for a call of the given kind.
	Acquire(ctx context.Context, kind proto.CallKind, c Constraints) (*LocalMedia, error)
}

// LocalMedia is the set of local tracks of one call.
type LocalMedia struct {
	Tracks []webrtc.TrackLocal
	// Audio is a raw tap of the local microphone, nil when the source has none.
	Audio audio.Source

	closeOnce sync.Once
	close     func()
}

// NewLocalMedia bundles tracks with the function that stops them.
func NewLocalMedia(tracks []webrtc.TrackLocal, tap audio.Source, stop func()) *LocalMedia {
	return &LocalMedia{Tracks: tracks, Audio: tap, close: stop}
}

// Close stops every local track. Safe to call more than once.
func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		if m.close != nil {
			m.close()
		}
		if m.Audio != nil {
			_ = m.Audio.Close()
		}
	})
}

func (m *LocalMedia) hasKind(k webrtc.RTPCodecType) bool {
	for _, t := range m.Tracks {
		if t.Kind() == k {
			return true
		}
	}
	return false
}

// ── Synthetic source ─────────────────────────────────────────────────────────

// SyntheticSource produces placeholder Opus and VP8 samples at real-time pace.
// It stands in for capture hardware in tests and on machines without devices.
type SyntheticSource struct {
	// Tone, when non-zero, is the amplitude of the local audio tap.
	Tone float32
}

func (SyntheticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s SyntheticSource) Acquire(ctx context.Context, kind proto.CallKind, _ Constraints) (*LocalMedia, error) {
	stream := "parley-" + uuid.NewString()[:8]
	at, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return nil, err
	}
	tracks := []webrtc.TrackLocal{at}
	writers := []sampleWriter{{track: at, every: 20 * time.Millisecond, size: 40}}

	if kind == proto.KindVideo {
		vt, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, vt)
		writers = append(writers, sampleWriter{track: vt, every: time.Second / 24, size: 800})
	}

	tap := audio.NewPushSource(audio.WireFormat.SampleRate, 16)
	wctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range writers {
		wg.Add(1)
		go func(w sampleWriter) {
			defer wg.Done()
			w.run(wctx)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tone(wctx, tap)
	}()

	return NewLocalMedia(tracks, tap, func() {
		cancel()
		wg.Wait()
	}), nil
}

// tone feeds the tap with 100 ms chunks of a constant level.
func (s SyntheticSource) tone(ctx context.Context, tap *audio.PushSource) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			chunk := make([]float32, audio.WireFormat.SampleRate/10)
			for i := range chunk {
				chunk[i] = s.Tone
			}
			tap.Push(chunk)
		}
	}
}

type sampleWriter struct {
	track *webrtc.TrackLocalStaticSample
	every time.Duration
	size  int
}

func (w sampleWriter) run(ctx context.Context) {
	t := time.NewTicker(w.every)
	defer t.Stop()
	data := make([]byte, w.size)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.track.WriteSample(media.Sample{Data: data, Duration: w.every}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Debugf("synthetic %s sample: %v", w.track.Kind(), err)
			}
		}
	}
}

// ── Mute gate ────────────────────────────────────────────────────────────────

// gatedSource zeroes a local tap while the microphone is muted, the way a
// disabled track delivers silence.
type gatedSource struct {
	audio.Source
	muted *atomic.Bool
}

func (g gatedSource) ReadPCM(ctx context.Context) ([]float32, int, error) {
	samples, rate, err := g.Source.ReadPCM(ctx)
	if err == nil && g.muted.Load() {
		clear(samples)
	}
	return samples, rate, err
}

// ── Remote RTP tap ───────────────────────────────────────────────────────────

// rtpTap drains a remote track continuously so it never backs up, and hands
// packets to a reader when one keeps up.
type rtpTap struct {
	ch   chan *rtp.Packet
	done chan struct{}
}

func newRTPTap(track *webrtc.TrackRemote) *rtpTap {
	t := &rtpTap{ch: make(chan *rtp.Packet, 128), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			select {
			case t.ch <- pkt:
			default:
			}
		}
	}()
	return t
}

func (t *rtpTap) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-t.ch:
		return pkt, nil, nil
	case <-t.done:
		return nil, nil, io.EOF
	}
}
