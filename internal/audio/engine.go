// Package audio is the single owner of audio resources for a running client:
// capture sub-graphs that pump sources into consumers, per-session output
// devices and the direct-playback fallback. It also holds the PCM and WAV
// codecs shared by the translation pipeline and the playback engine.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("audio")

var (
	// ErrClosed is returned by an engine or output after Close.
	ErrClosed = errors.New("audio: closed")
	// ErrGraphExists is returned when a sub-graph name is already attached.
	ErrGraphExists = errors.New("audio: graph already attached")
)

// Source produces mono samples in [-1, 1].
type Source interface {
	// ReadPCM blocks for the next chunk. rate is the chunk's sample rate.
	ReadPCM(ctx context.Context) (samples []float32, rate int, err error)
	Close() error
}

// Engine owns every audio resource of the process. Sub-graphs, outputs and
// the underlying device contexts are created through it and released by
// Close.
type Engine struct {
	rate int

	mu      sync.Mutex
	graphs  map[string]*Graph
	outputs map[*DeviceOutput]struct{}
	closed  bool

	devices *malgo.AllocatedContext

	otoOnce sync.Once
	oto     *oto.Context
	otoErr  error
}

// NewEngine returns an engine whose sub-graphs deliver samples at rate.
func NewEngine(rate int) *Engine {
	if rate <= 0 {
		rate = WireFormat.SampleRate
	}
	return &Engine{
		rate:    rate,
		graphs:  make(map[string]*Graph),
		outputs: make(map[*DeviceOutput]struct{}),
	}
}

// Rate is the sample rate sub-graph sinks receive.
func (e *Engine) Rate() int { return e.rate }

// Graph is one attached source → sink pump.
type Graph struct {
	name   string
	engine *Engine
	src    Source
	sink   func([]float32)
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	detached bool
}

// Attach registers a sub-graph that reads src, converts every chunk to the
// engine rate and hands it to sink. Sink calls are serialized and never
// happen after Detach returns.
func (e *Engine) Attach(name string, src Source, sink func([]float32)) (*Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.graphs[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphExists, name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Graph{
		name:   name,
		engine: e,
		src:    src,
		sink:   sink,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.graphs[name] = g
	go g.pump(ctx)
	log.Debugf("attached graph %s", name)
	return g, nil
}

// Graphs lists the attached sub-graph names.
func (e *Engine) Graphs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.graphs))
	for n := range e.graphs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (g *Graph) pump(ctx context.Context) {
	defer close(g.done)
	for {
		samples, rate, err := g.src.ReadPCM(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Warnf("graph %s: read: %v", g.name, err)
			}
			return
		}
		if len(samples) == 0 {
			continue
		}
		samples = Resample(samples, rate, g.engine.rate)

		g.mu.Lock()
		if !g.detached {
			g.sink(samples)
		}
		g.mu.Unlock()
	}
}

// Name returns the graph's registration name.
func (g *Graph) Name() string { return g.name }

// Done is closed once the graph's source has stopped producing.
func (g *Graph) Done() <-chan struct{} { return g.done }

// Detach disconnects the graph: pending and future chunks are discarded and
// the source is closed. It does not wait for a blocked source read.
func (g *Graph) Detach() {
	g.mu.Lock()
	if g.detached {
		g.mu.Unlock()
		return
	}
	g.detached = true
	g.mu.Unlock()

	g.cancel()
	if err := g.src.Close(); err != nil {
		log.Debugf("graph %s: close source: %v", g.name, err)
	}

	e := g.engine
	e.mu.Lock()
	if e.graphs[g.name] == g {
		delete(e.graphs, g.name)
	}
	e.mu.Unlock()
	log.Debugf("detached graph %s", g.name)
}

// Close detaches every graph and releases outputs and device contexts.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	graphs := make([]*Graph, 0, len(e.graphs))
	for _, g := range e.graphs {
		graphs = append(graphs, g)
	}
	outputs := make([]*DeviceOutput, 0, len(e.outputs))
	for o := range e.outputs {
		outputs = append(outputs, o)
	}
	e.mu.Unlock()

	for _, g := range graphs {
		g.Detach()
	}
	for _, o := range outputs {
		_ = o.Close()
	}

	e.mu.Lock()
	devices, direct := e.devices, e.oto
	e.devices = nil
	e.mu.Unlock()
	if devices != nil {
		_ = devices.Uninit()
		devices.Free()
	}
	if direct != nil {
		if err := direct.Suspend(); err != nil {
			log.Debugf("suspend direct output: %v", err)
		}
	}
	return nil
}

// ── Push source ───────────────────────────────────────────────────────────────

// PushSource is a Source fed by Push, for synthetic and tapped audio.
type PushSource struct {
	rate int
	ch   chan []float32

	once   sync.Once
	closed chan struct{}
}

// NewPushSource returns a source of rate-Hz mono samples buffering up to
// depth chunks.
func NewPushSource(rate, depth int) *PushSource {
	return &PushSource{rate: rate, ch: make(chan []float32, depth), closed: make(chan struct{})}
}

// Push queues samples. It reports false when the buffer is full or the source
// is closed; the chunk is dropped.
func (p *PushSource) Push(samples []float32) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.ch <- samples:
		return true
	default:
		return false
	}
}

func (p *PushSource) ReadPCM(ctx context.Context) ([]float32, int, error) {
	select {
	case s := <-p.ch:
		return s, p.rate, nil
	case <-p.closed:
		return nil, 0, io.EOF
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (p *PushSource) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
