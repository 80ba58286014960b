//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	mdaudio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/audio"
	"github.com/petervdpas/parley/internal/proto"
)

// DefaultMediaSource returns the camera/microphone source backed by V4L2 and
// the system audio driver.
func DefaultMediaSource() MediaSource {
	return &deviceSource{}
}

type deviceSource struct {
	selector *mediadevices.CodecSelector
}

func (d *deviceSource) codecs() (*mediadevices.CodecSelector, error) {
	if d.selector != nil {
		return d.selector, nil
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	d.selector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return d.selector, nil
}

func (d *deviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	sel, err := d.codecs()
	if err != nil {
		return err
	}
	sel.Populate(m)
	return nil
}

func (d *deviceSource) Acquire(ctx context.Context, kind proto.CallKind, c Constraints) (*LocalMedia, error) {
	sel, err := d.codecs()
	if err != nil {
		return nil, &MediaAccessError{Kind: MediaOther, Err: err}
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, &MediaAccessError{Kind: MediaAbsent, Err: errors.New("no media devices found")}
	}
	for _, dev := range devices {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		log.Debugf("echo cancellation, noise suppression and gain control are left to the capture driver")
	}

	// GetUserMedia fails as a unit, so a video call falls back to audio-only
	// when the camera cannot be opened.
	attempts := []bool{false}
	if kind == proto.KindVideo {
		attempts = []bool{true, false}
	}
	var lastErr error
	for _, withVideo := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{
			Codec: sel,
			Audio: func(mc *mediadevices.MediaTrackConstraints) {
				mc.ChannelCount = prop.Int(1)
			},
		}
		if withVideo {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes on some cameras produce
				// frames that poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Ideal: c.Width, Max: c.MaxWidth}
				mc.Height = prop.IntRanged{Ideal: c.Height, Max: c.MaxHeight}
				mc.FrameRate = prop.FloatRanged{Ideal: float32(c.FrameRate), Max: float32(c.MaxFrameRate)}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warnf("capture (video=%v) failed: %v", withVideo, err)
			continue
		}
		if withVideo || kind == proto.KindAudio {
			log.Infof("local media captured (video=%v), %d tracks", withVideo, len(stream.GetTracks()))
		} else {
			log.Warnf("camera unavailable, continuing the video call with audio only")
		}
		return localFromStream(stream)
	}
	return nil, classifyMedia(fmt.Errorf("get user media: %w", lastErr))
}

func localFromStream(stream mediadevices.MediaStream) (*LocalMedia, error) {
	tracks := stream.GetTracks()
	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	var tap audio.Source
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", t.Kind(), err)
			}
		})
		locals = append(locals, t)
		if at, ok := t.(*mediadevices.AudioTrack); ok && tap == nil {
			tap = &waveSource{r: at.NewReader(false)}
		}
	}
	return NewLocalMedia(locals, tap, func() {
		for _, t := range tracks {
			_ = t.Close()
		}
	}), nil
}

// waveSource adapts a raw microphone reader to audio.Source.
type waveSource struct {
	r      mdaudio.Reader
	warned bool
}

func (w *waveSource) ReadPCM(ctx context.Context) ([]float32, int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		chunk, release, err := w.r.Read()
		if err != nil {
			return nil, 0, err
		}
		info := chunk.ChunkInfo()
		var samples []float32
		switch v := chunk.(type) {
		case *wave.Float32Interleaved:
			samples = audio.Downmix(append([]float32(nil), v.Data...), info.Channels)
		case *wave.Int16Interleaved:
			samples = audio.Downmix(audio.Int16ToFloat(v.Data), info.Channels)
		default:
			if !w.warned {
				log.Warnf("local tap: unsupported sample layout %T", chunk)
				w.warned = true
			}
		}
		if release != nil {
			release()
		}
		if samples != nil {
			return samples, info.SamplingRate, nil
		}
	}
}

func (w *waveSource) Close() error { return nil }
