// Package playback plays synthesized translation audio one clip at a time,
// in arrival order, skipping clips it has already seen.
package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/audio"
	"github.com/petervdpas/parley/internal/config"
)

var log = logging.Logger("playback")

// ErrClosed is reported for items cut short by Close.
var ErrClosed = errors.New("playback: closed")

// Options tunes the engine.
type Options struct {
	DedupCapacity   int
	Grace           time.Duration // added to a clip's duration for the safety timeout
	FallbackTimeout time.Duration
	MinPayloadLen   int // base64 characters
	Clock           clock.Clock
}

// OptionsFromConfig maps the playback config section onto Options.
func OptionsFromConfig(c config.Playback) Options {
	return Options{
		DedupCapacity:   c.DedupCapacity,
		Grace:           c.Grace(),
		FallbackTimeout: c.FallbackTimeout(),
		MinPayloadLen:   c.MinPayloadLen,
	}
}

// Result describes how one item finished.
type Result struct {
	Key         string        `json:"key"`
	Output      string        `json:"output,omitempty"` // "device" or "direct"
	Duration    time.Duration `json:"duration"`
	Synthesized bool          `json:"synthesized,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Err         error         `json:"-"`
}

type item struct {
	key     string
	payload string
}

// Engine is the per-session playback queue. Primary is the session's own
// output, released by Close; fallback is shared and left open.
type Engine struct {
	primary  audio.Output
	fallback audio.Output
	opts     Options
	clock    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	seen    *lru.Cache[string, struct{}]
	queue   []item
	playing bool
	closed  bool
	wg      sync.WaitGroup

	hookMu   sync.RWMutex
	nextHook int
	hooks    map[int]func(Result)
}

// New returns an engine over the given outputs; either may be nil.
func New(primary, fallback audio.Output, opts Options) *Engine {
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 50
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 10 * time.Second
	}
	if opts.MinPayloadLen <= 0 {
		opts.MinPayloadLen = 100
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	seen, _ := lru.New[string, struct{}](opts.DedupCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		seen:     seen,
		hooks:    make(map[int]func(Result)),
	}
}

// Enqueue appends a base64 audio payload under key. It returns false when the
// key was seen recently or the engine is closed. An empty key gets a fresh id.
func (e *Engine) Enqueue(payload, key string) bool {
	if key == "" {
		key = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if seen, _ := e.seen.ContainsOrAdd(key, struct{}{}); seen {
		log.Debugf("dropping duplicate %s", key)
		return false
	}
	e.queue = append(e.queue, item{key: key, payload: payload})
	if !e.playing {
		e.playing = true
		e.wg.Add(1)
		go e.drain()
	}
	return true
}

// Pending returns the number of queued items not yet started.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// OnPlayed registers fn for finished items. The returned func removes it.
func (e *Engine) OnPlayed(fn func(Result)) func() {
	e.hookMu.Lock()
	e.nextHook++
	id := e.nextHook
	e.hooks[id] = fn
	e.hookMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.hookMu.Lock()
			delete(e.hooks, id)
			e.hookMu.Unlock()
		})
	}
}

// Close drops queued items, interrupts the current one and releases the
// primary output.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	dropped := len(e.queue)
	e.queue = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	if dropped > 0 {
		log.Debugf("dropped %d queued clips", dropped)
	}
	if e.primary != nil {
		return e.primary.Close()
	}
	return nil
}

// drain plays queued items until the queue is empty. Only one drain runs.
func (e *Engine) drain() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.closed {
			e.playing = false
			e.mu.Unlock()
			return
		}
		it := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		res := e.play(it)
		if res.Err != nil {
			log.Warnf("%v", res.Err)
		}
		e.notify(res)
	}
}

func (e *Engine) notify(r Result) {
	e.hookMu.RLock()
	fns := make([]func(Result), 0, len(e.hooks))
	for _, fn := range e.hooks {
		fns = append(fns, fn)
	}
	e.hookMu.RUnlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (e *Engine) play(it item) Result {
	res := Result{Key: it.key}
	clip, synthesized, err := e.decode(it)
	if err != nil {
		res.Err = err
		return res
	}
	res.Duration = clip.Duration()
	res.Synthesized = synthesized

	if e.primary != nil {
		timedOut, err := e.playOn(e.primary, clip, res.Duration+e.opts.Grace)
		if err == nil {
			res.Output, res.TimedOut = "device", timedOut
			return res
		}
		if errors.Is(err, ErrClosed) {
			res.Err = &PlaybackError{Key: it.key, Stage: "output", Err: err}
			return res
		}
		log.Warnf("%v, trying direct playback", &PlaybackError{Key: it.key, Stage: "output", Err: err})
	}
	if e.fallback == nil {
		res.Err = &PlaybackError{Key: it.key, Stage: "output", Err: errors.New("no output available")}
		return res
	}
	timedOut, err := e.playOn(e.fallback, clip, e.opts.FallbackTimeout)
	if err != nil {
		res.Err = &PlaybackError{Key: it.key, Stage: "fallback", Err: err}
		return res
	}
	res.Output, res.TimedOut = "direct", timedOut
	return res
}

// playOn plays clip on out and resolves on the natural end or after limit,
// whichever comes first. A timed-out clip is stopped before returning so
// the next one never overlaps it.
func (e *Engine) playOn(out audio.Output, clip audio.Clip, limit time.Duration) (bool, error) {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- out.Play(ctx, clip) }()

	t := e.clock.Timer(limit)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil && e.ctx.Err() != nil {
			return false, ErrClosed
		}
		return false, err
	case <-t.C:
		cancel()
		<-done
		log.Debugf("clip completion forced after %s", limit)
		return true, nil
	case <-e.ctx.Done():
		<-done
		return false, ErrClosed
	}
}

// decode validates the payload and normalizes it to playable PCM,
// synthesizing a header when the upstream one is missing or broken.
func (e *Engine) decode(it item) (audio.Clip, bool, error) {
	payload := strings.TrimSpace(it.payload)
	if len(payload) < e.opts.MinPayloadLen {
		return audio.Clip{}, false, &PlaybackError{Key: it.key, Stage: "validate", Err: fmt.Errorf("payload of %d characters", len(payload))}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return audio.Clip{}, false, &PlaybackError{Key: it.key, Stage: "validate", Err: err}
		}
	}
	f, data, synthesized, err := audio.Normalize(raw)
	if err != nil {
		return audio.Clip{}, false, &PlaybackError{Key: it.key, Stage: "decode", Err: err}
	}
	if len(data) == 0 {
		return audio.Clip{}, false, &PlaybackError{Key: it.key, Stage: "decode", Err: errors.New("no samples")}
	}
	if synthesized {
		log.Debugf("%s: synthesized %s header for %d bytes", it.key, f, len(data))
	}
	return audio.Clip{Format: f, Data: data}, synthesized, nil
}
