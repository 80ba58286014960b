// Package signaling owns the persistent connection to the coordination server:
// publish/subscribe over a closed event set, automatic reconnection with
// backoff, fallback from websocket to long-polling, and a periodic stability
// check.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("signal")

// State is the channel connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Event is delivered to handlers. Payload is set for wire events; Err for
// connect_error and disconnect; State for state.
type Event struct {
	Name    string
	Payload proto.Payload
	Err     error
	State   State
}

// Handler consumes events. Handlers run on the channel's read goroutine in
// registration order and must not block.
type Handler func(Event)

// Options configures a Channel.
type Options struct {
	ServerURL         string
	Path              string
	Transport         TransportKind // starting transport
	FallbackAfter     int           // consecutive failures before switching to polling
	FallbackPause     time.Duration
	Backoff           BackoffPolicy
	Timeout           time.Duration // per connect attempt
	StabilityInterval time.Duration
}

// OptionsFromConfig maps the signaling config section onto Options.
func OptionsFromConfig(serverURL string, s config.Signaling) Options {
	return Options{
		ServerURL:     serverURL,
		Path:          s.Path,
		Transport:     TransportKind(s.Transport),
		FallbackAfter: s.FallbackAfterFailures,
		FallbackPause: s.FallbackPause(),
		Backoff: BackoffPolicy{
			Base:          s.ReconnectDelay(),
			Max:           s.ReconnectDelayMax(),
			JitterPercent: 50,
			MaxAttempts:   s.MaxAttempts,
		},
		Timeout:           s.Timeout(),
		StabilityInterval: s.StabilityInterval(),
	}
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option { return func(c *Channel) { c.clock = clk } }

// WithDialer replaces the dialer for one transport kind.
func WithDialer(kind TransportKind, d Dialer) Option {
	return func(c *Channel) { c.dialers[kind] = d }
}

// Channel is the single shared signaling connection. It is created once by
// the owner of the call session and passed by reference to every consumer.
type Channel struct {
	opts    Options
	server  *url.URL
	clock   clock.Clock
	dialers map[TransportKind]Dialer

	mu         sync.RWMutex
	state      State
	conn       Conn
	transport  TransportKind
	credential string
	cancel     context.CancelFunc
	done       chan struct{}

	subMu  sync.RWMutex
	subs   map[string][]*Subscription
	nextID uint64
}

// New creates a disconnected channel.
func New(opts Options, o ...Option) (*Channel, error) {
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if opts.Transport == "" {
		opts.Transport = TransportWebSocket
	}
	if opts.FallbackAfter < 1 {
		opts.FallbackAfter = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.StabilityInterval <= 0 {
		opts.StabilityInterval = 30 * time.Second
	}
	c := &Channel{
		opts:   opts,
		server: u,
		clock:  clock.New(),
		dialers: map[TransportKind]Dialer{
			TransportWebSocket: WebSocketDialer{HandshakeTimeout: opts.Timeout},
			TransportPolling:   PollingDialer{},
		},
		transport: opts.Transport,
		subs:      make(map[string][]*Subscription),
	}
	for _, fn := range o {
		fn(c)
	}
	return c, nil
}

// Initialize starts connecting with credential and returns immediately.
// Calling it again tears down the current connection and starts over with the
// new credential.
func (c *Channel) Initialize(credential string) *Channel {
	c.stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.credential = credential
	c.cancel = cancel
	c.done = done
	c.transport = c.opts.Transport
	c.mu.Unlock()

	log.Infof("initializing channel to %s%s (credential %s, transport %s)",
		c.server.Host, c.opts.Path, util.Mask(credential), c.opts.Transport)

	go func() {
		defer close(done)
		go c.stabilityLoop(ctx)
		c.run(ctx)
	}()
	return c
}

// Close is the client-initiated disconnect. The channel does not reconnect
// until Initialize is called again. Subscriptions are kept.
func (c *Channel) Close() error {
	if !c.stop() {
		return nil
	}
	log.Infof("channel closed by client")
	c.raise(Event{Name: proto.EventDisconnect, Err: ErrClosed})
	return nil
}

// stop cancels the connect loop and waits for it. It reports whether a loop
// was running.
func (c *Channel) stop() bool {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	c.setState(Disconnected)
	return true
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the channel is connected with a live conn.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == Connected && c.conn != nil
}

// Transport returns the transport currently preferred by the connect loop.
func (c *Channel) Transport() TransportKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// ── Subscriptions ─────────────────────────────────────────────────────────────

// Subscription is a handle to one registered handler.
type Subscription struct {
	ch    *Channel
	event string
	id    uint64
	fn    Handler
}

// On registers fn for event. Several handlers may share an event; each gets
// its own Subscription and is removed independently.
func (c *Channel) On(event string, fn Handler) *Subscription {
	c.subMu.Lock()
	c.nextID++
	s := &Subscription{ch: c, event: event, id: c.nextID, fn: fn}
	c.subs[event] = append(c.subs[event], s)
	n := len(c.subs[event])
	c.subMu.Unlock()
	log.Debugf("registered handler for %q, total %d", event, n)
	return s
}

// Off removes the handler behind s. Other handlers for the same event stay.
func (c *Channel) Off(s *Subscription) {
	if s == nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	list := c.subs[s.event]
	for i, x := range list {
		if x.id == s.id {
			c.subs[s.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Off removes this subscription. Safe to call more than once.
func (s *Subscription) Off() {
	if s != nil && s.ch != nil {
		s.ch.Off(s)
	}
}

// Event returns the subscribed event name.
func (s *Subscription) Event() string { return s.event }

func (c *Channel) raise(ev Event) {
	c.subMu.RLock()
	handlers := make([]*Subscription, len(c.subs[ev.Name]))
	copy(handlers, c.subs[ev.Name])
	c.subMu.RUnlock()

	if len(handlers) == 0 && !proto.IsLifecycle(ev.Name) {
		log.Debugf("no handlers registered for %q", ev.Name)
		return
	}
	for _, s := range handlers {
		c.invoke(s, ev)
	}
}

func (c *Channel) invoke(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler for %q panicked: %v", ev.Name, r)
		}
	}()
	s.fn(ev)
}

// ── Emit ──────────────────────────────────────────────────────────────────────

// Emit sends event to the server. It returns false, with a warning, when the
// channel is not connected; nothing is queued.
func (c *Channel) Emit(event string, payload proto.Payload) bool {
	c.mu.RLock()
	conn, st := c.conn, c.state
	c.mu.RUnlock()
	if conn == nil || st != Connected {
		log.Warnf("cannot emit %s: channel %s", event, st)
		return false
	}

	env, err := proto.Encode(event, payload)
	if err != nil {
		log.Errorf("emit %s rejected: %v", event, err)
		return false
	}
	if err := conn.Send(env); err != nil {
		log.Warnf("emit %s failed: %v", event, err)
		return false
	}
	log.Debugf("emitted %s %s", event, util.Truncate(string(env.Data), 200))
	return true
}

// ── Connect loop ──────────────────────────────────────────────────────────────

func (c *Channel) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Debugf("state %s → %s", prev, s)
		c.raise(Event{Name: proto.EventState, State: s})
	}
}

// setConn swaps the live conn and the state together, so the stability
// check never sees one without the other.
func (c *Channel) setConn(conn Conn, s State) {
	c.mu.Lock()
	c.conn = conn
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Debugf("state %s → %s", prev, s)
		c.raise(Event{Name: proto.EventState, State: s})
	}
}

func (c *Channel) setTransport(k TransportKind) {
	c.mu.Lock()
	c.transport = k
	c.mu.Unlock()
}

func (c *Channel) dial(ctx context.Context, kind TransportKind) (Conn, error) {
	d, ok := c.dialers[kind]
	if !ok {
		return nil, fmt.Errorf("no dialer for transport %s", kind)
	}
	c.mu.RLock()
	cred := c.credential
	c.mu.RUnlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return d.Dial(dctx, c.server, c.opts.Path, cred)
}

// sleep waits d on the channel clock. It returns false if ctx ended first.
func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) run(ctx context.Context) {
	kind := c.opts.Transport
	backoff := c.opts.Backoff.New()
	failures, attempt := 0, 0
	next := Connecting

	// serve runs a live conn and returns once it drops. The schedule resets so
	// the next outage starts from the base delay.
	serve := func(conn Conn) {
		kind = conn.Kind()
		c.setTransport(kind)
		failures, attempt = 0, 0
		backoff = c.opts.Backoff.New()
		c.serve(ctx, conn)
		next = Reconnecting
	}

	for ctx.Err() == nil {
		attempt++
		c.setState(next)

		conn, err := c.dial(ctx, kind)
		if err == nil {
			serve(conn)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		if errors.Is(err, ErrUnauthorized) {
			c.fail(&SignalingError{Op: "auth", Transport: kind, Attempt: attempt, Err: err})
			return
		}
		log.Warnf("connect attempt %d via %s failed: %v", attempt, kind, err)
		c.raise(Event{Name: proto.EventConnectError, Err: &SignalingError{Op: "connect", Transport: kind, Attempt: attempt, Err: err}})

		if kind == TransportWebSocket && (failures >= c.opts.FallbackAfter || badHandshake(err)) {
			log.Infof("websocket failed %d times, falling back to polling transport", failures)
			kind = TransportPolling
			c.setTransport(kind)
			failures = 0
			backoff = c.opts.Backoff.New()
			if !c.sleep(ctx, c.opts.FallbackPause) {
				return
			}
			continue
		}

		d, stop := backoff.Next()
		if !stop {
			if !c.sleep(ctx, d) {
				return
			}
			continue
		}

		alt := kind.alternate()
		log.Warnf("reconnect attempts exhausted, final attempt via %s", alt)
		attempt++
		conn, err = c.dial(ctx, alt)
		if err == nil {
			serve(conn)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.fail(&SignalingError{Op: "exhausted", Transport: alt, Attempt: attempt, Err: err})
		return
	}
}

// fail parks the channel in Disconnected and reports err. Only a new
// Initialize restarts it.
func (c *Channel) fail(err *SignalingError) {
	log.Errorf("%v", err)
	c.setState(Disconnected)
	c.raise(Event{Name: proto.EventConnectError, Err: err})
}

func (c *Channel) serve(ctx context.Context, conn Conn) {
	c.setConn(conn, Connected)
	log.Infof("connected via %s", conn.Kind())
	c.raise(Event{Name: proto.EventConnect})

	errCh := make(chan error, 1)
	go func() { errCh <- c.readLoop(conn) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		_ = conn.Close()
		<-errCh
		err = ErrClosed
	}

	if ctx.Err() != nil {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.setConn(nil, Reconnecting)
	_ = conn.Close()
	log.Warnf("disconnected from server: %v", err)
	c.raise(Event{Name: proto.EventDisconnect, Err: err})
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		env, err := conn.Recv()
		if err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env proto.Envelope) {
	if proto.IsLifecycle(env.Event) {
		log.Warnf("dropping server frame with reserved event %q", env.Event)
		return
	}
	payload, err := proto.Decode(env.Event, env.Data)
	if err != nil {
		log.Warnf("dropping frame: %v", err)
		return
	}
	log.Debugf("received %s %s", env.Event, util.Truncate(string(env.Data), 200))
	c.raise(Event{Name: env.Event, Payload: payload})
}

// ── Stability check ───────────────────────────────────────────────────────────

func (c *Channel) stabilityLoop(ctx context.Context) {
	t := c.clock.Ticker(c.opts.StabilityInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.checkStability(ctx)
		}
	}
}

// checkStability compares the connected flag against the transport. A conn
// the loop does not consider connected, or one that fails a ping, is closed
// and the run loop reconnects.
func (c *Channel) checkStability(ctx context.Context) {
	c.mu.RLock()
	st, conn := c.state, c.conn
	c.mu.RUnlock()

	switch {
	case st != Connected && conn != nil:
		log.Warnf("stability check: live transport while %s, reconnecting", st)
		_ = conn.Close()
	case conn != nil:
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := conn.Ping(pctx)
		cancel()
		if err != nil {
			log.Warnf("stability check: ping failed (%v), reconnecting", err)
			_ = conn.Close()
		}
	}
}
