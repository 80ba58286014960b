package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/parley/internal/audio"
)

// fakeOutput records clips and lets the test decide when each one ends.
type fakeOutput struct {
	mu      sync.Mutex
	err     error
	manual  bool // wait for release instead of finishing at once
	active  int
	overlap bool
	played  []audio.Clip
	started chan struct{}
	release chan struct{}
	closed  bool
}

func newFakeOutput(manual bool) *fakeOutput {
	return &fakeOutput{manual: manual, started: make(chan struct{}, 16), release: make(chan struct{}, 16)}
}

func (f *fakeOutput) Play(ctx context.Context, c audio.Clip) error {
	f.mu.Lock()
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	f.played = append(f.played, c)
	err := f.err
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	f.started <- struct{}{}
	if err != nil {
		return err
	}
	if !f.manual {
		return nil
	}
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeOutput) clips() []audio.Clip {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Clip(nil), f.played...)
}

func results(e *Engine) <-chan Result {
	ch := make(chan Result, 16)
	e.OnPlayed(func(r Result) { ch <- r })
	return ch
}

func next(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no playback result")
	}
	return Result{}
}

func waitStarted(t *testing.T, f *fakeOutput) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}
}

// wavPayload is a base64 WAV of n wire-format samples.
func wavPayload(n int) string {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.1
	}
	return base64.StdEncoding.EncodeToString(audio.EncodeWAV(samples))
}

func TestItemsPlaySequentially(t *testing.T) {
	out := newFakeOutput(true)
	e := New(out, nil, Options{})
	defer e.Close()
	res := results(e)

	keys := []string{"local-1", "remote-2", "local-3"}
	for _, k := range keys {
		if !e.Enqueue(wavPayload(1600), k) {
			t.Fatalf("Enqueue(%s) refused", k)
		}
	}
	for i, k := range keys {
		waitStarted(t, out)
		if n := len(out.clips()); n != i+1 {
			t.Fatalf("item %d: %d clips started, want %d", i, n, i+1)
		}
		out.release <- struct{}{}
		if r := next(t, res); r.Key != k || r.Err != nil || r.Output != "device" {
			t.Fatalf("item %d result = %+v", i, r)
		}
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.overlap {
		t.Fatal("clips overlapped")
	}
}

func TestDuplicateKeyPlaysOnce(t *testing.T) {
	out := newFakeOutput(false)
	e := New(out, nil, Options{})
	defer e.Close()
	res := results(e)

	if !e.Enqueue(wavPayload(800), "local-1700000000000") {
		t.Fatal("first Enqueue refused")
	}
	if e.Enqueue(wavPayload(800), "local-1700000000000") {
		t.Fatal("duplicate accepted")
	}
	next(t, res)
	if !e.Enqueue(wavPayload(800), "") || !e.Enqueue(wavPayload(800), "") {
		t.Fatal("keyless payloads refused")
	}
	next(t, res)
	next(t, res)
	if n := len(out.clips()); n != 3 {
		t.Fatalf("played %d clips, want 3", n)
	}
}

func TestDedupSetEvictsOldest(t *testing.T) {
	out := newFakeOutput(false)
	e := New(out, nil, Options{DedupCapacity: 2})
	defer e.Close()
	res := results(e)

	for _, k := range []string{"a", "b", "c"} {
		e.Enqueue(wavPayload(160), k)
		next(t, res)
	}
	if !e.Enqueue(wavPayload(160), "a") {
		t.Fatal("evicted key still suppressed")
	}
	next(t, res)
	if e.Enqueue(wavPayload(160), "c") {
		t.Fatal("recent key accepted")
	}
}

func TestHeaderSynthesis(t *testing.T) {
	out := newFakeOutput(false)
	e := New(out, nil, Options{})
	defer e.Close()
	res := results(e)

	pcm := audio.Int16Bytes(audio.ToInt16(make([]float32, 8000)))
	// A RIFF header whose format tag claims float samples.
	broken := append(audio.Header(audio.WireFormat, len(pcm)), pcm...)
	broken[20] = 3

	tests := []struct {
		name     string
		raw      []byte
		wantData int
	}{
		{"missing header", pcm, 16000},
		{"broken header", broken, 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.Enqueue(base64.StdEncoding.EncodeToString(tt.raw), tt.name)
			r := next(t, res)
			if r.Err != nil || !r.Synthesized {
				t.Fatalf("result = %+v", r)
			}
			if r.Duration != 500*time.Millisecond {
				t.Fatalf("duration = %s", r.Duration)
			}
			clips := out.clips()
			last := clips[len(clips)-1]
			if last.Format != audio.WireFormat || len(last.Data) != tt.wantData {
				t.Fatalf("clip = %s, %d bytes", last.Format, len(last.Data))
			}
		})
	}
}

func TestSafetyTimeoutAdvancesQueue(t *testing.T) {
	mock := clock.NewMock()
	out := newFakeOutput(true)
	e := New(out, nil, Options{Grace: 2 * time.Second, Clock: mock})
	defer e.Close()
	res := results(e)

	e.Enqueue(wavPayload(16000), "stuck")
	e.Enqueue(wavPayload(1600), "after")
	waitStarted(t, out)
	time.Sleep(20 * time.Millisecond) // let the safety timer register

	// One second of audio plus grace; the natural end never arrives.
	mock.Add(2 * time.Second)
	if n := len(out.clips()); n != 1 {
		t.Fatalf("second clip started before timeout")
	}
	mock.Add(time.Second)
	r := next(t, res)
	if r.Key != "stuck" || !r.TimedOut || r.Err != nil {
		t.Fatalf("result = %+v", r)
	}
	waitStarted(t, out)
	out.release <- struct{}{}
	if r := next(t, res); r.Key != "after" || r.TimedOut {
		t.Fatalf("second result = %+v", r)
	}
}

func TestFallbackOutput(t *testing.T) {
	primary := newFakeOutput(false)
	primary.err = errors.New("device lost")
	fallback := newFakeOutput(false)
	e := New(primary, fallback, Options{})
	defer e.Close()
	res := results(e)

	e.Enqueue(wavPayload(800), "k1")
	if r := next(t, res); r.Err != nil || r.Output != "direct" {
		t.Fatalf("result = %+v", r)
	}

	fallback.mu.Lock()
	fallback.err = errors.New("no sound server")
	fallback.mu.Unlock()
	e.Enqueue(wavPayload(800), "k2")
	e.Enqueue(wavPayload(800), "k3")
	r := next(t, res)
	var perr *PlaybackError
	if !errors.As(r.Err, &perr) || perr.Stage != "fallback" || perr.Key != "k2" {
		t.Fatalf("result err = %v", r.Err)
	}
	if r := next(t, res); r.Key != "k3" {
		t.Fatalf("queue stalled, got %+v", r)
	}
}

func TestInvalidPayloadsDoNotStall(t *testing.T) {
	out := newFakeOutput(false)
	e := New(out, nil, Options{})
	defer e.Close()
	res := results(e)

	tests := []struct {
		key, payload, stage string
	}{
		{"short", "UklGRg==", "validate"},
		{"not-base64", string(make([]byte, 120)), "validate"},
	}
	for _, tt := range tests {
		e.Enqueue(tt.payload, tt.key)
	}
	e.Enqueue(wavPayload(800), "good")
	for _, tt := range tests {
		r := next(t, res)
		var perr *PlaybackError
		if !errors.As(r.Err, &perr) || perr.Key != tt.key {
			t.Fatalf("%s: err = %v", tt.key, r.Err)
		}
		if perr.Stage != tt.stage {
			t.Fatalf("%s: stage = %s", tt.key, perr.Stage)
		}
	}
	if r := next(t, res); r.Key != "good" || r.Err != nil {
		t.Fatalf("good result = %+v", r)
	}
}

func TestCloseReleasesPrimary(t *testing.T) {
	out := newFakeOutput(true)
	e := New(out, nil, Options{})
	e.Enqueue(wavPayload(16000), "playing")
	e.Enqueue(wavPayload(16000), "queued")
	waitStarted(t, out)

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	out.mu.Lock()
	closed := out.closed
	out.mu.Unlock()
	if !closed {
		t.Fatal("primary output not released")
	}
	if e.Enqueue(wavPayload(800), "late") {
		t.Fatal("Enqueue after Close accepted")
	}
	if n := len(out.clips()); n != 1 {
		t.Fatalf("queued clip played after close")
	}
}
