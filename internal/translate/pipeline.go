// Package translate taps the local and remote audio of a call, flushes
// audible chunks to the translation service over the signaling channel and
// routes the results to transcripts and the playback engine.
package translate

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
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/signaling"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("translate")

// ErrRunning is returned by Start while a previous run is still active.
var ErrRunning = errors.New("translate: pipeline already running")

// maxBuffered caps one direction's pending audio while a request is in flight.
const maxBuffered = 60 * 16000

// Direction tells which side of the call a chunk was captured from.
type Direction int

const (
	Local Direction = iota
	Remote
)

func (d Direction) String() string {
	if d == Remote {
		return "remote"
	}
	return "local"
}

// MarshalText renders the direction name in JSON.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// directionOf reads the direction prefix of a request id.
func directionOf(requestID string) (Direction, bool) {
	switch {
	case strings.HasPrefix(requestID, "local-"):
		return Local, true
	case strings.HasPrefix(requestID, "remote-"):
		return Remote, true
	}
	return Local, false
}

// Signaler is the channel surface the pipeline uses.
type Signaler interface {
	On(event string, fn signaling.Handler) *signaling.Subscription
	Emit(event string, payload proto.Payload) bool
}

// Player receives synthesized audio. It reports false for dropped items.
type Player interface {
	Enqueue(payload, key string) bool
}

// Options tunes chunking and timeouts.
type Options struct {
	FlushInterval    time.Duration
	SilenceThreshold float32
	ParticipantWait  time.Duration
	ResponseTimeout  time.Duration
	TranscriptLines  int
	Clock            clock.Clock
}

// OptionsFromConfig maps the translation config section onto Options.
func OptionsFromConfig(c config.Translation) Options {
	return Options{
		FlushInterval:    c.FlushInterval(),
		SilenceThreshold: float32(c.SilenceThreshold),
		ParticipantWait:  c.ParticipantWait(),
		ResponseTimeout:  c.ResponseTimeout(),
	}
}

// StartParams describes the call a run translates for.
type StartParams struct {
	Self          proto.Participant
	Selected      proto.Participant // contact picked before the call; fallback identity
	LocalLanguage string
	LocalSource   audio.Source
	RemoteSource  audio.Source // may be nil and attached later via AttachRemote
}

// Transcript is one original/translated pair.
type Transcript struct {
	Direction  Direction `json:"direction"`
	RequestID  string    `json:"request_id"`
	Original   string    `json:"original"`
	Translated string    `json:"translated"`
	At         time.Time `json:"at"`
}

// Pipeline runs one translation session at a time.
type Pipeline struct {
	sig    Signaler
	engine *audio.Engine
	player Player
	opts   Options
	clock  clock.Clock

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	participant proto.Participant
	localLang   string
	remoteLang  string
	lanes       [2]*lane
	subs        []*signaling.Subscription
	info        chan *proto.Participant
	current     [2]Transcript
	answered    *lru.Cache[string, struct{}]
	transcripts *util.RingBuffer[Transcript]
	wg          sync.WaitGroup

	hookMu   sync.RWMutex
	nextHook int
	hooks    map[int]func(Transcript)
}

// New returns an idle pipeline. engine must run at the wire rate (16 kHz).
func New(sig Signaler, engine *audio.Engine, player Player, opts Options) *Pipeline {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 3 * time.Second
	}
	if opts.SilenceThreshold <= 0 {
		opts.SilenceThreshold = 0.005
	}
	if opts.ParticipantWait <= 0 {
		opts.ParticipantWait = 2 * time.Second
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 15 * time.Second
	}
	if opts.TranscriptLines <= 0 {
		opts.TranscriptLines = 200
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if engine.Rate() != audio.WireFormat.SampleRate {
		log.Warnf("audio engine runs at %d Hz, requests declare %d Hz", engine.Rate(), audio.WireFormat.SampleRate)
	}
	answered, _ := lru.New[string, struct{}](128)
	return &Pipeline{
		sig:         sig,
		engine:      engine,
		player:      player,
		opts:        opts,
		clock:       opts.Clock,
		answered:    answered,
		transcripts: util.NewRingBuffer[Transcript](opts.TranscriptLines),
		hooks:       make(map[int]func(Transcript)),
	}
}

// Start resolves the remote participant, attaches the capture graphs and
// begins flushing. It blocks for at most the participant wait.
func (p *Pipeline) Start(ctx context.Context, params StartParams) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	p.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.info = make(chan *proto.Participant, 1)
	p.lanes = [2]*lane{newLane(Local), newLane(Remote)}
	p.current = [2]Transcript{}
	p.answered.Purge()
	p.transcripts.Reset()
	for _, ev := range []string{
		proto.EventParticipantInfo, proto.EventTranslatedAudio,
		proto.EventLocalAudioTranslated, proto.EventRemoteAudioTranslated,
		proto.EventAudioTranscript, proto.EventError,
	} {
		p.subs = append(p.subs, p.sig.On(ev, p.handle))
	}
	p.mu.Unlock()

	p.sig.Emit(proto.EventAudioSystemReady, &proto.SystemReady{Ready: true})
	participant := p.resolve(ctx, params.Selected)

	localLang := params.LocalLanguage
	if localLang == "" {
		localLang = params.Self.PreferredLanguage
	}
	if localLang == "" {
		localLang = "en"
	}
	remoteLang := participant.PreferredLanguage
	if remoteLang == "" {
		remoteLang = "unknown"
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return context.Canceled
	}
	p.participant = participant
	p.localLang, p.remoteLang = localLang, remoteLang
	p.wg.Add(1)
	go p.flushLoop(runCtx)
	p.mu.Unlock()
	log.Infof("translating %s <-> %s with %s", localLang, remoteLang, participant.ID)

	if params.LocalSource != nil {
		if err := p.attach(Local, params.LocalSource); err != nil {
			p.Stop()
			return err
		}
	}
	if params.RemoteSource != nil {
		if err := p.attach(Remote, params.RemoteSource); err != nil {
			p.Stop()
			return err
		}
	}
	return nil
}

// resolve asks the server who is actually on the call, falling back to the
// selected contact when no answer arrives in time.
func (p *Pipeline) resolve(ctx context.Context, selected proto.Participant) proto.Participant {
	if selected.ID == "" {
		return selected
	}
	p.mu.Lock()
	info := p.info
	p.mu.Unlock()
	if !p.sig.Emit(proto.EventGetParticipantInfo, &proto.ParticipantQuery{UserID: selected.ID}) {
		return selected
	}
	t := p.clock.Timer(p.opts.ParticipantWait)
	defer t.Stop()
	select {
	case got := <-info:
		if got != nil && got.ID != "" {
			log.Debugf("call participant resolved to %s", got.ID)
			return *got
		}
	case <-t.C:
		log.Infof("no participant info after %s, using %s", p.opts.ParticipantWait, selected.ID)
	case <-ctx.Done():
	}
	return selected
}

// AttachRemote connects the remote audio once the call delivers it.
func (p *Pipeline) AttachRemote(src audio.Source) error {
	return p.attach(Remote, src)
}

func (p *Pipeline) attach(dir Direction, src audio.Source) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New("translate: not running")
	}
	l := p.lanes[dir]
	p.mu.Unlock()

	// A new source for the direction replaces the old graph, which holds
	// the engine name until it is detached.
	l.mu.Lock()
	old := l.graph
	l.graph = nil
	l.mu.Unlock()
	if old != nil {
		old.Detach()
	}

	g, err := p.engine.Attach("translate-"+dir.String(), src, l.append)
	if err != nil {
		return fmt.Errorf("attach %s audio: %w", dir, err)
	}
	l.mu.Lock()
	l.graph = g
	l.mu.Unlock()
	return nil
}

// Stop disconnects the capture graphs and discards buffered audio without
// flushing it.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	subs, lanes := p.subs, p.lanes
	p.subs = nil
	p.mu.Unlock()

	for _, s := range subs {
		s.Off()
	}
	for _, l := range lanes {
		l.reset()
	}
	p.wg.Wait()
	log.Infof("translation stopped")
}

// Running reports whether a run is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Participant returns the resolved remote identity of the current run.
func (p *Pipeline) Participant() proto.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.participant
}

// Transcripts returns the recent transcript pairs, oldest first.
func (p *Pipeline) Transcripts() []Transcript { return p.transcripts.Snapshot() }

// Current returns the latest pair for one direction.
func (p *Pipeline) Current(dir Direction) Transcript {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current[dir]
}

// OnTranscript registers fn for transcript updates. The returned func removes it.
func (p *Pipeline) OnTranscript(fn func(Transcript)) func() {
	p.hookMu.Lock()
	p.nextHook++
	id := p.nextHook
	p.hooks[id] = fn
	p.hookMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.hookMu.Lock()
			delete(p.hooks, id)
			p.hookMu.Unlock()
		})
	}
}

func (p *Pipeline) notify(t Transcript) {
	p.hookMu.RLock()
	fns := make([]func(Transcript), 0, len(p.hooks))
	for _, fn := range p.hooks {
		fns = append(fns, fn)
	}
	p.hookMu.RUnlock()
	for _, fn := range fns {
		fn(t)
	}
}

// ── Flushing ─────────────────────────────────────────────────────────────────

func (p *Pipeline) flushLoop(ctx context.Context) {
	defer p.wg.Done()
	t := p.clock.Ticker(p.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.flush(Local)
			p.flush(Remote)
		}
	}
}

// flush sends the direction's buffer when it holds audible content and no
// request is outstanding. Silent buffers are discarded.
func (p *Pipeline) flush(dir Direction) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	l := p.lanes[dir]
	participant, localLang, remoteLang := p.participant, p.localLang, p.remoteLang
	p.mu.Unlock()

	samples, ok := l.take()
	if !ok || len(samples) == 0 {
		return
	}
	if peak := audio.Peak(samples); peak <= p.opts.SilenceThreshold {
		log.Debugf("%s: discarding %d silent samples (peak %.4f)", dir, len(samples), peak)
		return
	}

	id := fmt.Sprintf("%s-%d", dir, p.clock.Now().UnixMilli())
	req := &proto.TranslateAudio{
		Audio:      base64.StdEncoding.EncodeToString(audio.EncodeWAV(samples)),
		UserID:     participant.ID,
		SampleRate: audio.WireFormat.SampleRate,
		Encoding:   "WAV",
		RequestID:  id,
	}
	event := proto.EventTranslateAudio
	if dir == Local {
		req.SourceLanguage, req.TargetLanguage = localLang, remoteLang
	} else {
		event = proto.EventTranslateRemoteAudio
		req.SourceLanguage, req.TargetLanguage = remoteLang, localLang
	}

	l.begin(id, p.clock.AfterFunc(p.opts.ResponseTimeout, func() {
		if l.release(id) {
			log.Warnf("%v", &TranslationRequestError{RequestID: id, Direction: dir, Err: errResponseTimeout})
		}
	}))
	log.Debugf("%s: sending %s (%d samples, %s -> %s)", dir, id, len(samples), req.SourceLanguage, req.TargetLanguage)
	if !p.sig.Emit(event, req) {
		l.release(id)
		log.Warnf("%v", &TranslationRequestError{RequestID: id, Direction: dir, Err: signaling.ErrNotConnected})
	}
}

// ── Responses ────────────────────────────────────────────────────────────────

func (p *Pipeline) handle(ev signaling.Event) {
	switch v := ev.Payload.(type) {
	case *proto.ParticipantInfo:
		p.mu.Lock()
		info := p.info
		p.mu.Unlock()
		select {
		case info <- v.ParticipantInfo:
		default:
		}
	case *proto.TranslatedAudio:
		p.onTranslated(ev.Name, v)
	case *proto.AudioTranscript:
		p.onTranscript(v)
	case *proto.ErrorPayload:
		log.Warnf("server error %s: %s", v.Code, v.Message)
		p.onFailed(v)
	}
}

func (p *Pipeline) onTranslated(event string, resp *proto.TranslatedAudio) {
	key := resp.RequestID
	dir, ok := directionOf(key)
	if !ok {
		dir = Local
		if event == proto.EventRemoteAudioTranslated {
			dir = Remote
		}
	}
	if key == "" {
		key = uuid.NewString()
	} else if seen, _ := p.answered.ContainsOrAdd(key, struct{}{}); seen {
		log.Debugf("ignoring repeated response %s", key)
		return
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	l := p.lanes[dir]
	t := Transcript{
		Direction:  dir,
		RequestID:  resp.RequestID,
		Original:   resp.Text.Original,
		Translated: resp.Text.Translated,
		At:         p.clock.Now(),
	}
	p.current[dir] = t
	p.mu.Unlock()

	if resp.RequestID != "" {
		l.release(resp.RequestID)
	}
	p.transcripts.Push(t)
	log.Infof("%s: %q -> %q", dir, util.Truncate(t.Original, 200), util.Truncate(t.Translated, 200))
	p.notify(t)

	if resp.Audio != "" && p.player != nil {
		if !p.player.Enqueue(resp.Audio, key) {
			log.Debugf("player dropped audio for %s", key)
		}
	}
}

// onFailed frees the direction a failed request was holding, so the next
// flush does not wait out the response timeout.
func (p *Pipeline) onFailed(v *proto.ErrorPayload) {
	dir, ok := directionOf(v.RequestID)
	if !ok {
		return
	}
	p.mu.Lock()
	running := p.running
	l := p.lanes[dir]
	p.mu.Unlock()
	if running && l.release(v.RequestID) {
		log.Infof("%s: request %s failed, direction released", dir, v.RequestID)
	}
}

// onTranscript records a source-side transcript that arrives ahead of the
// translation.
func (p *Pipeline) onTranscript(v *proto.AudioTranscript) {
	dir := Remote
	if v.IsLocal {
		dir = Local
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	t := p.current[dir]
	t.Direction = dir
	t.Original = v.Text
	t.At = p.clock.Now()
	p.current[dir] = t
	p.mu.Unlock()
	p.notify(t)
}

// ── Per-direction state ──────────────────────────────────────────────────────

type lane struct {
	dir Direction

	mu       sync.Mutex
	buf      []float32
	inflight string
	timer    *clock.Timer
	graph    *audio.Graph
}

func newLane(dir Direction) *lane { return &lane{dir: dir} }

func (l *lane) append(samples []float32) {
	l.mu.Lock()
	l.buf = append(l.buf, samples...)
	if over := len(l.buf) - maxBuffered; over > 0 {
		l.buf = append(l.buf[:0], l.buf[over:]...)
	}
	l.mu.Unlock()
}

// take hands out the buffer unless a request is outstanding, in which case
// audio keeps accumulating.
func (l *lane) take() ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight != "" {
		return nil, false
	}
	out := l.buf
	l.buf = nil
	return out, true
}

func (l *lane) begin(id string, timer *clock.Timer) {
	l.mu.Lock()
	l.inflight = id
	l.timer = timer
	l.mu.Unlock()
}

// release clears the outstanding request if it is id.
func (l *lane) release(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight != id || id == "" {
		return false
	}
	l.inflight = ""
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	return true
}

func (l *lane) busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight != ""
}

func (l *lane) reset() {
	l.mu.Lock()
	g, timer := l.graph, l.timer
	l.graph, l.timer = nil, nil
	l.buf = nil
	l.inflight = ""
	l.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if g != nil {
		g.Detach()
	}
}
