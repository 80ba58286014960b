package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// ErrBusy is returned by Play while another clip is playing on the output.
var ErrBusy = errors.New("audio: output busy")

// Clip is a decoded 16-bit PCM clip.
type Clip struct {
	Format Format
	Data   []byte
}

// Duration is the clip's play time.
func (c Clip) Duration() time.Duration { return c.Format.Duration(len(c.Data)) }

// Output plays clips one at a time.
type Output interface {
	// Play blocks until the clip has been played to its end or ctx is done.
	Play(ctx context.Context, c Clip) error
	Close() error
}

// convert reformats 16-bit PCM to the target rate and channel count.
func convert(c Clip, to Format) []byte {
	if c.Format == to {
		return c.Data
	}
	mono := Downmix(BytesToFloat(c.Data), c.Format.Channels)
	mono = Resample(mono, c.Format.SampleRate, to.SampleRate)
	pcm := ToInt16(mono)
	if to.Channels > 1 {
		wide := make([]int16, 0, len(pcm)*to.Channels)
		for _, s := range pcm {
			for ch := 0; ch < to.Channels; ch++ {
				wide = append(wide, s)
			}
		}
		pcm = wide
	}
	return Int16Bytes(pcm)
}

// ── Device output ─────────────────────────────────────────────────────────────

// DeviceOutput is a playback device opened for one call session. The device
// runs for the life of the output and renders silence between clips.
type DeviceOutput struct {
	engine *Engine
	name   string
	format Format
	device *malgo.Device

	mu      sync.Mutex
	buf     []byte
	drained chan struct{}
	closed  bool
}

func (e *Engine) deviceContext() (*malgo.AllocatedContext, error) {
	if e.devices != nil {
		return e.devices, nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debugf("device: %s", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("init device context: %w", err)
	}
	e.devices = ctx
	return ctx, nil
}

// OpenOutput opens a playback device at WireFormat. name selects a device by
// its label; empty or "default" uses the system default.
func (e *Engine) OpenOutput(name string) (*DeviceOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	devices, err := e.deviceContext()
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(WireFormat.Channels)
	cfg.SampleRate = uint32(WireFormat.SampleRate)
	cfg.Alsa.NoMMap = 1

	if name != "" && name != "default" {
		infos, err := devices.Devices(malgo.Playback)
		if err != nil {
			return nil, fmt.Errorf("list playback devices: %w", err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == name {
				cfg.Playback.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			log.Warnf("playback device %q not found, using default", name)
		}
	}

	o := &DeviceOutput{engine: e, name: name, format: WireFormat}
	dev, err := malgo.InitDevice(devices.Context, cfg, malgo.DeviceCallbacks{Data: o.fill})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	o.device = dev
	e.outputs[o] = struct{}{}
	log.Infof("playback device opened at %d Hz", dev.SampleRate())
	return o, nil
}

func (o *DeviceOutput) fill(out, _ []byte, _ uint32) {
	o.mu.Lock()
	n := copy(out, o.buf)
	o.buf = o.buf[n:]
	if len(o.buf) == 0 && o.drained != nil {
		close(o.drained)
		o.drained = nil
	}
	o.mu.Unlock()
	clear(out[n:])
}

func (o *DeviceOutput) Play(ctx context.Context, c Clip) error {
	pcm := convert(c, o.format)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.drained != nil {
		o.mu.Unlock()
		return ErrBusy
	}
	done := make(chan struct{})
	o.buf = pcm
	o.drained = done
	o.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		if o.drained == done {
			o.buf = nil
			o.drained = nil
		}
		o.mu.Unlock()
		return ctx.Err()
	}
}

// Close stops and releases the device.
func (o *DeviceOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.buf = nil
	if o.drained != nil {
		close(o.drained)
		o.drained = nil
	}
	o.mu.Unlock()

	if err := o.device.Stop(); err != nil {
		log.Debugf("stop playback device: %v", err)
	}
	o.device.Uninit()

	e := o.engine
	e.mu.Lock()
	delete(e.outputs, o)
	e.mu.Unlock()
	log.Debugf("playback device closed")
	return nil
}

// ── Direct output ─────────────────────────────────────────────────────────────

// DirectOutput plays each clip on its own player of the process-wide
// direct-playback context. The context is created on first use and lives
// until the engine closes.
func (e *Engine) DirectOutput() (Output, error) {
	e.otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   WireFormat.SampleRate,
			ChannelCount: WireFormat.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			e.otoErr = fmt.Errorf("init direct output: %w", err)
			return
		}
		<-ready
		e.mu.Lock()
		e.oto = ctx
		e.mu.Unlock()
	})
	if e.otoErr != nil {
		return nil, e.otoErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return &directOutput{ctx: e.oto, poll: 10 * time.Millisecond}, nil
}

type directOutput struct {
	ctx  *oto.Context
	poll time.Duration
}

func (d *directOutput) Play(ctx context.Context, c Clip) error {
	p := d.ctx.NewPlayer(bytes.NewReader(convert(c, WireFormat)))
	defer p.Close()
	p.Play()

	t := time.NewTicker(d.poll)
	defer t.Stop()
	for p.IsPlaying() {
		select {
		case <-ctx.Done():
			p.Pause()
			return ctx.Err()
		case <-t.C:
		}
	}
	return p.Err()
}

func (d *directOutput) Close() error { return nil }
