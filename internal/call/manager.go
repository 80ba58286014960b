// Package call owns the peer-to-peer call session: negotiation over the
// signaling channel, local media, the remote stream and connectivity
// recovery. At most one session exists at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/audio"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/signaling"
)

var log = logging.Logger("call")

// ErrEarlyCandidate is reported for a remote candidate that arrives before
// the remote description is applied. Such candidates are dropped.
var ErrEarlyCandidate = errors.New("call: candidate before remote description")

type senderTrack struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Controller runs call sessions over a shared signaling channel.
type Controller struct {
	sig   Signaler
	media MediaSource
	opts  Options
	clock clock.Clock
	api   *webrtc.API

	mu      sync.Mutex
	sess    *Session
	pc      *webrtc.PeerConnection
	local   *LocalMedia
	mic     *atomic.Bool
	senders []senderTrack
	remote  []RemoteTrack
	offer   *proto.IncomingCall // pending while ringing
	restart *clock.Timer

	toggleMu sync.Mutex

	signals   chan signaling.Event
	subs      []*signaling.Subscription
	done      chan struct{}
	closeOnce sync.Once

	hookMu      sync.RWMutex
	nextHook    int
	stateFns    map[int]func(Snapshot)
	incomingFns map[int]func(Incoming)
	trackFns    map[int]func(RemoteTrack)
}

// NewController builds the WebRTC API for media and subscribes to the call
// events of sig.
func NewController(sig Signaler, media MediaSource, opts Options) (*Controller, error) {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 3 * time.Second
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ICEPoolSize > 255 {
		opts.ICEPoolSize = 255
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	// Generous timeouts so a brief relay or NAT hiccup does not fail the call
	// before the restart logic gets a chance.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	c := &Controller{
		sig:   sig,
		media: media,
		opts:  opts,
		clock: opts.Clock,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		signals:     make(chan signaling.Event, 256),
		done:        make(chan struct{}),
		stateFns:    make(map[int]func(Snapshot)),
		incomingFns: make(map[int]func(Incoming)),
		trackFns:    make(map[int]func(RemoteTrack)),
	}
	for _, ev := range []string{
		proto.EventIncomingCall, proto.EventOffer, proto.EventAnswer,
		proto.EventICECandidate, proto.EventCallDeclined, proto.EventCallEnded,
	} {
		c.subs = append(c.subs, sig.On(ev, c.enqueue))
	}
	go c.dispatchLoop()
	return c, nil
}

// Close ends any call, unsubscribes from the channel and stops dispatching.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		for _, s := range c.subs {
			s.Off()
		}
		close(c.done)
		if err := c.EndCall(); err != nil && !errors.Is(err, ErrNoSession) {
			log.Warnf("end call on close: %v", err)
		}
	})
}

// ── Hooks ─────────────────────────────────────────────────────────────────────

// OnState registers fn for every session change. The returned func removes it.
func (c *Controller) OnState(fn func(Snapshot)) func() {
	return c.addHook(func(id int) { c.stateFns[id] = fn }, func(id int) { delete(c.stateFns, id) })
}

// OnIncoming registers fn for calls that start ringing.
func (c *Controller) OnIncoming(fn func(Incoming)) func() {
	return c.addHook(func(id int) { c.incomingFns[id] = fn }, func(id int) { delete(c.incomingFns, id) })
}

// OnRemoteTrack registers fn for tracks merged into the remote stream.
func (c *Controller) OnRemoteTrack(fn func(RemoteTrack)) func() {
	return c.addHook(func(id int) { c.trackFns[id] = fn }, func(id int) { delete(c.trackFns, id) })
}

func (c *Controller) addHook(add, remove func(int)) func() {
	c.hookMu.Lock()
	c.nextHook++
	id := c.nextHook
	add(id)
	c.hookMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.hookMu.Lock()
			remove(id)
			c.hookMu.Unlock()
		})
	}
}

func (c *Controller) notifyState(s Snapshot) {
	c.hookMu.RLock()
	fns := make([]func(Snapshot), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.hookMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Controller) notifyIncoming(in Incoming) {
	c.hookMu.RLock()
	fns := make([]func(Incoming), 0, len(c.incomingFns))
	for _, fn := range c.incomingFns {
		fns = append(fns, fn)
	}
	c.hookMu.RUnlock()
	for _, fn := range fns {
		fn(in)
	}
}

func (c *Controller) notifyTrack(t RemoteTrack) {
	c.hookMu.RLock()
	fns := make([]func(RemoteTrack), 0, len(c.trackFns))
	for _, fn := range c.trackFns {
		fns = append(fns, fn)
	}
	c.hookMu.RUnlock()
	for _, fn := range fns {
		fn(t)
	}
}

// ── Accessors ────────────────────────────────────────────────────────────────

// Session returns the current or most recent session. The zero Snapshot
// (state Idle) means no call has happened yet.
func (c *Controller) Session() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Snapshot{State: Idle}
	}
	return c.sess.snapshot()
}

// LocalAudio returns the raw local microphone tap of the live call. It
// delivers silence while muted.
func (c *Controller) LocalAudio() audio.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	return c.local.Audio
}

// RemoteTracks returns the tracks of the remote stream.
func (c *Controller) RemoteTracks() []RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RemoteTrack(nil), c.remote...)
}

func (c *Controller) current(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == s && s.live()
}

func (c *Controller) selfInfo(language string) proto.Participant {
	p := c.opts.Self
	p.PreferredLanguage = language
	return p
}

// newSession replaces the finished session. Callers hold c.mu.
func (c *Controller) newSession(kind proto.CallKind, caller bool, remote proto.Participant, language string) *Session {
	if language == "" {
		language = c.opts.Self.PreferredLanguage
	}
	if language == "" {
		language = "en"
	}
	remoteLang := remote.PreferredLanguage
	if remoteLang == "" {
		remoteLang = "unknown"
	}
	s := &Session{
		ID:             uuid.NewString(),
		Kind:           kind,
		Caller:         caller,
		Local:          c.opts.Self,
		Remote:         remote,
		LocalLanguage:  language,
		RemoteLanguage: remoteLang,
		State:          Idle,
		StartedAt:      c.clock.Now(),
	}
	c.sess = s
	return s
}

// ── Negotiation context ──────────────────────────────────────────────────────

// setup creates the session's peer connection and attaches its handlers.
// Callers hold c.mu.
func (c *Controller) setup(sess *Session) (*webrtc.PeerConnection, error) {
	if c.pc != nil {
		log.Warnf("call %s: closing stale peer connection", short(sess.ID))
		detach(c.pc)
		_ = c.pc.Close()
		c.pc = nil
	}
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           c.opts.iceServers(),
		ICECandidatePoolSize: uint8(c.opts.ICEPoolSize),
	})
	if err != nil {
		return nil, &NegotiationError{Op: "create peer connection", State: sess.State.String(), Err: err}
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			c.sendCandidate(sess, cand)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.onTrack(sess, pc, track)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.onPeerState(sess, pc, st)
	})
	c.pc = pc
	return pc, nil
}

// detach replaces every handler with a no-op so late callbacks from a closing
// connection do nothing.
func detach(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
}

// acquire opens local media and adds it to pc.
func (c *Controller) acquire(ctx context.Context, sess *Session, pc *webrtc.PeerConnection) error {
	local, err := c.media.Acquire(ctx, sess.Kind, c.opts.Constraints)
	if err != nil {
		return classifyMedia(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess || c.pc != pc || !sess.live() {
		local.Close()
		return ErrNoSession
	}
	for _, t := range local.Tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			local.Close()
			return &NegotiationError{Op: "add track", State: pc.SignalingState().String(), Err: err}
		}
		c.senders = append(c.senders, senderTrack{sender: sender, track: t})
		go drainRTCP(sender)
	}
	c.mic = &atomic.Bool{}
	if local.Audio != nil {
		local.Audio = gatedSource{Source: local.Audio, muted: c.mic}
	}
	c.local = local
	if sess.Kind == proto.KindVideo && !local.hasKind(webrtc.RTPCodecTypeVideo) {
		log.Warnf("call %s: video call continues without local video", short(sess.ID))
	}
	return nil
}

// drainRTCP reads incoming RTCP for a sender so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// describe applies a local description and waits, bounded by the gather
// timeout, for candidate gathering so the description carries them.
func (c *Controller) describe(ctx context.Context, pc *webrtc.PeerConnection, sd webrtc.SessionDescription) (proto.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sd); err != nil {
		return proto.SessionDescription{}, err
	}
	t := c.clock.Timer(c.opts.GatherTimeout)
	defer t.Stop()
	select {
	case <-gathered:
	case <-t.C:
		log.Debugf("candidate gathering still running after %s, sending partial description", c.opts.GatherTimeout)
	case <-ctx.Done():
		return proto.SessionDescription{}, ctx.Err()
	}
	ld := pc.LocalDescription()
	if ld == nil {
		return proto.SessionDescription{}, errors.New("no local description")
	}
	return proto.SessionDescription{Type: ld.Type.String(), SDP: ld.SDP}, nil
}

// ── Operations ───────────────────────────────────────────────────────────────

// StartCall places a call to target. It returns once the offer is sent; the
// session becomes Active when the answer arrives.
func (c *Controller) StartCall(ctx context.Context, target proto.Participant, kind proto.CallKind, language string) (Snapshot, error) {
	if !kind.Valid() {
		return Snapshot{}, &NegotiationError{Op: "start call", State: Idle.String(), Err: fmt.Errorf("kind %q", kind)}
	}
	if target.ID == "" {
		return Snapshot{}, &NegotiationError{Op: "start call", State: Idle.String(), Err: errors.New("missing target id")}
	}

	if !c.sig.Connected() {
		return Snapshot{}, &NegotiationError{Op: "start call", State: Idle.String(), Err: signaling.ErrNotConnected}
	}

	c.mu.Lock()
	if c.sess.live() {
		c.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	sess := c.newSession(kind, true, target, language)
	sess.move(Offering)
	pc, err := c.setup(sess)
	snap := sess.snapshot()
	c.mu.Unlock()
	if err != nil {
		return c.fail(sess, "setup failed", err)
	}
	log.Infof("call %s: calling %s (%s)", short(sess.ID), target.ID, kind)
	c.notifyState(snap)

	if err := c.acquire(ctx, sess, pc); err != nil {
		return c.fail(sess, "media unavailable", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return c.fail(sess, "negotiation failed", &NegotiationError{Op: "create offer", State: pc.SignalingState().String(), Err: err})
	}
	desc, err := c.describe(ctx, pc, offer)
	if err != nil {
		return c.fail(sess, "negotiation failed", &NegotiationError{Op: "set local offer", State: pc.SignalingState().String(), Err: err})
	}
	if !c.current(sess) {
		return c.Session(), ErrNoSession
	}
	if !c.sig.Emit(proto.EventOffer, &proto.Offer{
		TargetID:   target.ID,
		Offer:      desc,
		Kind:       kind,
		CallerInfo: c.selfInfo(sess.LocalLanguage),
	}) {
		return c.fail(sess, "signaling unavailable", &NegotiationError{Op: "send offer", State: Offering.String(), Err: signaling.ErrNotConnected})
	}
	return c.Session(), nil
}

// AnswerCall accepts the ringing call with the local language.
func (c *Controller) AnswerCall(ctx context.Context, language string) (Snapshot, error) {
	c.mu.Lock()
	sess, offer := c.sess, c.offer
	if !sess.live() || sess.State != Ringing || offer == nil {
		c.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}
	c.offer = nil
	if language != "" {
		sess.LocalLanguage = language
	}
	pc, err := c.setup(sess)
	c.mu.Unlock()
	if err != nil {
		return c.fail(sess, "setup failed", err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.Offer.SDP}); err != nil {
		return c.fail(sess, "negotiation failed", &NegotiationError{Op: "apply offer", State: pc.SignalingState().String(), Err: err})
	}
	if err := c.acquire(ctx, sess, pc); err != nil {
		return c.fail(sess, "media unavailable", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return c.fail(sess, "negotiation failed", &NegotiationError{Op: "create answer", State: pc.SignalingState().String(), Err: err})
	}
	desc, err := c.describe(ctx, pc, answer)
	if err != nil {
		return c.fail(sess, "negotiation failed", &NegotiationError{Op: "set local answer", State: pc.SignalingState().String(), Err: err})
	}

	c.mu.Lock()
	if c.sess != sess || !sess.live() {
		c.mu.Unlock()
		return c.Session(), ErrNoSession
	}
	self := c.selfInfo(sess.LocalLanguage)
	c.mu.Unlock()

	if !c.sig.Emit(proto.EventAnswer, &proto.Answer{
		TargetID:     sess.Remote.ID,
		Answer:       desc,
		ReceiverInfo: proto.Participant{ID: self.ID, Name: self.Name, PreferredLanguage: self.PreferredLanguage},
	}) {
		return c.fail(sess, "signaling unavailable", &NegotiationError{Op: "send answer", State: Ringing.String(), Err: signaling.ErrNotConnected})
	}

	c.mu.Lock()
	if c.sess == sess && sess.move(Active) {
		sess.AnsweredAt = c.clock.Now()
	}
	snap := sess.snapshot()
	c.mu.Unlock()
	log.Infof("call %s: answered call from %s", short(sess.ID), sess.Remote.ID)
	c.notifyState(snap)
	return snap, nil
}

// DeclineCall rejects the ringing call.
func (c *Controller) DeclineCall() error {
	c.mu.Lock()
	sess := c.sess
	if !sess.live() || sess.State != Ringing {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.mu.Unlock()
	c.sig.Emit(proto.EventDeclineCall, &proto.CallSignal{TargetID: sess.Remote.ID})
	c.teardown(sess, "declined", nil)
	return nil
}

// EndCall hangs up the live call and tells the other side.
func (c *Controller) EndCall() error {
	c.mu.Lock()
	sess := c.sess
	if !sess.live() {
		c.mu.Unlock()
		return ErrNoSession
	}
	ringing := sess.State == Ringing
	c.mu.Unlock()
	if ringing {
		return c.DeclineCall()
	}
	c.sig.Emit(proto.EventEndCall, &proto.CallSignal{TargetID: sess.Remote.ID})
	c.teardown(sess, "hung up", nil)
	return nil
}

// ToggleMute flips the local microphone and returns the new muted state.
// The audio sender is detached rather than renegotiated.
func (c *Controller) ToggleMute() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleCamera flips the local camera and returns true when it is now off.
func (c *Controller) ToggleCamera() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

func (c *Controller) toggle(kind webrtc.RTPCodecType) (bool, error) {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	c.mu.Lock()
	sess := c.sess
	if !sess.live() || c.local == nil {
		c.mu.Unlock()
		return false, ErrNoSession
	}
	off := !sess.Muted
	if kind == webrtc.RTPCodecTypeVideo {
		off = !sess.CameraOff
	}
	var senders []senderTrack
	for _, st := range c.senders {
		if st.track.Kind() == kind {
			senders = append(senders, st)
		}
	}
	c.mu.Unlock()

	for _, st := range senders {
		var t webrtc.TrackLocal
		if !off {
			t = st.track
		}
		if err := st.sender.ReplaceTrack(t); err != nil {
			return !off, fmt.Errorf("toggle %s: %w", kind, err)
		}
	}

	c.mu.Lock()
	if c.sess != sess || !sess.live() || c.mic == nil {
		c.mu.Unlock()
		return false, ErrNoSession
	}
	if kind == webrtc.RTPCodecTypeVideo {
		sess.CameraOff = off
	} else {
		sess.Muted = off
		c.mic.Store(off)
	}
	snap := sess.snapshot()
	c.mu.Unlock()
	log.Infof("call %s: %s off=%v", short(sess.ID), kind, off)
	c.notifyState(snap)
	return off, nil
}

// fail tears the session down with err and returns it to the caller.
func (c *Controller) fail(sess *Session, reason string, err error) (Snapshot, error) {
	log.Warnf("call %s: %s: %v", short(sess.ID), reason, err)
	c.teardown(sess, reason, err)
	return c.Session(), err
}

// teardown ends sess: local tracks stop, callbacks are detached, the peer
// connection closes and per-call flags reset. Only the first call for a
// session has an effect.
func (c *Controller) teardown(sess *Session, reason string, err error) {
	c.mu.Lock()
	if c.sess != sess || !sess.live() {
		c.mu.Unlock()
		return
	}
	sess.State = Ended
	sess.EndedAt = c.clock.Now()
	sess.EndReason = reason
	sess.Err = err
	sess.Muted, sess.CameraOff = false, false
	pc, local, timer := c.pc, c.local, c.restart
	c.pc, c.local, c.restart, c.offer, c.mic = nil, nil, nil, nil, nil
	c.senders, c.remote = nil, nil
	snap := sess.snapshot()
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	local.Close()
	if pc != nil {
		detach(pc)
		if cerr := pc.Close(); cerr != nil {
			log.Debugf("call %s: close peer connection: %v", short(sess.ID), cerr)
		}
	}
	log.Infof("call %s: ended (%s)", short(sess.ID), reason)
	c.notifyState(snap)
}

// ── Peer connection callbacks ────────────────────────────────────────────────

func (c *Controller) sendCandidate(sess *Session, cand *webrtc.ICECandidate) {
	if !c.current(sess) {
		return
	}
	init := cand.ToJSON()
	c.sig.Emit(proto.EventICECandidate, &proto.Candidate{
		TargetID: sess.Remote.ID,
		Candidate: proto.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
}

func (c *Controller) onTrack(sess *Session, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	rt := RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()}
	tap := newRTPTap(track)

	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			log.Debugf("call %s: picture loss request: %v", short(sess.ID), err)
		}
	case webrtc.RTPCodecTypeAudio:
		src, err := audio.NewOpusSource(tap, int(track.Codec().Channels))
		if err != nil {
			log.Warnf("call %s: remote audio decode unavailable: %v", short(sess.ID), err)
		} else {
			rt.Audio = src
		}
	}

	c.mu.Lock()
	if c.sess != sess || c.pc != pc {
		c.mu.Unlock()
		return
	}
	c.remote = append(c.remote, rt)
	c.mu.Unlock()
	log.Infof("call %s: remote %s track %s (%s)", short(sess.ID), rt.Kind, rt.ID, track.Codec().MimeType)
	c.notifyTrack(rt)
}

func (c *Controller) onPeerState(sess *Session, pc *webrtc.PeerConnection, st webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.sess != sess || c.pc != pc || !sess.live() {
		c.mu.Unlock()
		return
	}
	log.Infof("call %s: peer connection %s", short(sess.ID), st)
	sess.PeerState = st.String()

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if c.restart != nil {
			c.restart.Stop()
			c.restart = nil
			log.Infof("call %s: connectivity restored after ice restart", short(sess.ID))
		}

	case webrtc.PeerConnectionStateFailed:
		if sess.Restarted {
			c.mu.Unlock()
			c.teardown(sess, "connection failed", &ConnectivityFailure{State: st.String(), Restarted: true})
			return
		}
		sess.Restarted = true
		c.restart = c.clock.AfterFunc(c.opts.RestartWindow, func() {
			c.teardown(sess, "connection failed", &ConnectivityFailure{State: "failed", Restarted: true})
		})
		if sess.Caller {
			go c.restartICE(sess, pc)
		}

	case webrtc.PeerConnectionStateClosed:
		c.mu.Unlock()
		c.teardown(sess, "connection closed", &ConnectivityFailure{State: st.String()})
		return
	}
	snap := sess.snapshot()
	c.mu.Unlock()
	c.notifyState(snap)
}

// restartICE sends a fresh offer with new ICE credentials. The callee answers
// it like any restart offer; the restart window bounds the whole attempt.
func (c *Controller) restartICE(sess *Session, pc *webrtc.PeerConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RestartWindow)
	defer cancel()

	if st := pc.SignalingState(); st != webrtc.SignalingStateStable {
		log.Warnf("call %s: %v", short(sess.ID), &NegotiationError{Op: "ice restart", State: st.String()})
		return
	}
	log.Infof("call %s: connection failed, attempting ice restart", short(sess.ID))
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		log.Warnf("call %s: ice restart offer: %v", short(sess.ID), err)
		return
	}
	desc, err := c.describe(ctx, pc, offer)
	if err != nil {
		log.Warnf("call %s: ice restart description: %v", short(sess.ID), err)
		return
	}
	c.mu.Lock()
	if c.sess != sess || !sess.live() {
		c.mu.Unlock()
		return
	}
	self := c.selfInfo(sess.LocalLanguage)
	c.mu.Unlock()
	c.sig.Emit(proto.EventOffer, &proto.Offer{
		TargetID:   sess.Remote.ID,
		Offer:      desc,
		Kind:       sess.Kind,
		CallerInfo: self,
		Restart:    true,
	})
}

// ── Signal dispatch ──────────────────────────────────────────────────────────

// enqueue runs on the channel's read goroutine; work happens in dispatchLoop
// so negotiation never blocks the channel and signals keep their order.
func (c *Controller) enqueue(ev signaling.Event) {
	select {
	case c.signals <- ev:
	case <-c.done:
	}
}

func (c *Controller) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.signals:
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev signaling.Event) {
	switch p := ev.Payload.(type) {
	case *proto.IncomingCall:
		c.onIncoming(p)
	case *proto.Offer:
		c.onRestartOffer(p)
	case *proto.Answer:
		c.onAnswer(p)
	case *proto.Candidate:
		if err := c.addCandidate(p); err != nil {
			log.Debugf("dropping remote candidate: %v", err)
		}
	case *proto.CallSignal:
		c.onCallSignal(ev.Name, p)
	default:
		log.Debugf("ignoring %s", ev.Name)
	}
}

func (c *Controller) onIncoming(p *proto.IncomingCall) {
	c.mu.Lock()
	if busy := c.sess; busy.live() {
		c.mu.Unlock()
		log.Infof("declining call from %s: call %s in progress", p.From, short(busy.ID))
		c.sig.Emit(proto.EventDeclineCall, &proto.CallSignal{TargetID: p.From})
		return
	}
	caller := p.Caller
	if caller.ID == "" {
		caller.ID = p.From
	}
	sess := c.newSession(p.Kind, false, caller, "")
	sess.move(Ringing)
	c.offer = p
	snap := sess.snapshot()
	c.mu.Unlock()

	log.Infof("call %s: incoming %s call from %s", short(sess.ID), p.Kind, caller.ID)
	c.notifyState(snap)
	c.notifyIncoming(Incoming{SessionID: sess.ID, From: caller, Kind: p.Kind})
}

func (c *Controller) onAnswer(p *proto.Answer) {
	c.mu.Lock()
	sess, pc := c.sess, c.pc
	c.mu.Unlock()
	if !sess.live() || pc == nil || (p.From != "" && p.From != sess.Remote.ID) {
		log.Debugf("ignoring answer from %s: no matching call", p.From)
		return
	}
	if st := pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		log.Warnf("call %s: %v", short(sess.ID), &NegotiationError{Op: "apply answer", State: st.String()})
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.Answer.SDP}); err != nil {
		nerr := &NegotiationError{Op: "apply answer", State: pc.SignalingState().String(), Err: err}
		c.mu.Lock()
		offering := c.sess == sess && sess.State == Offering
		c.mu.Unlock()
		if offering {
			c.fail(sess, "negotiation failed", nerr)
		} else {
			log.Warnf("call %s: %v", short(sess.ID), nerr)
		}
		return
	}

	c.mu.Lock()
	if c.sess != sess || sess.State != Offering {
		c.mu.Unlock()
		log.Debugf("call %s: restart answer applied", short(sess.ID))
		return
	}
	sess.move(Active)
	sess.AnsweredAt = c.clock.Now()
	if lang := p.ReceiverInfo.PreferredLanguage; lang != "" {
		sess.RemoteLanguage = lang
	}
	snap := sess.snapshot()
	c.mu.Unlock()
	log.Infof("call %s: answered by %s", short(sess.ID), sess.Remote.ID)
	c.notifyState(snap)
}

// onRestartOffer answers an ICE-restart offer for the active call. Offers
// arriving while a negotiation is already in flight are ignored.
func (c *Controller) onRestartOffer(p *proto.Offer) {
	c.mu.Lock()
	sess, pc := c.sess, c.pc
	valid := sess.live() && sess.State == Active && pc != nil && (p.From == "" || p.From == sess.Remote.ID)
	c.mu.Unlock()
	if !valid || !p.Restart {
		log.Debugf("ignoring offer from %s: no active call to renegotiate", p.From)
		return
	}
	if st := pc.SignalingState(); st != webrtc.SignalingStateStable {
		log.Warnf("call %s: %v", short(sess.ID), &NegotiationError{Op: "apply restart offer", State: st.String()})
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.Offer.SDP}); err != nil {
		log.Warnf("call %s: apply restart offer: %v", short(sess.ID), err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Warnf("call %s: restart answer: %v", short(sess.ID), err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RestartWindow)
	defer cancel()
	desc, err := c.describe(ctx, pc, answer)
	if err != nil {
		log.Warnf("call %s: restart answer description: %v", short(sess.ID), err)
		return
	}
	if !c.current(sess) {
		return
	}
	c.sig.Emit(proto.EventAnswer, &proto.Answer{
		TargetID:     sess.Remote.ID,
		Answer:       desc,
		ReceiverInfo: proto.Participant{ID: c.opts.Self.ID, Name: c.opts.Self.Name},
	})
}

// addCandidate applies a remote candidate. Candidates that arrive before the
// remote description are dropped, not buffered.
func (c *Controller) addCandidate(p *proto.Candidate) error {
	c.mu.Lock()
	sess, pc := c.sess, c.pc
	c.mu.Unlock()
	if !sess.live() || pc == nil {
		return ErrNoSession
	}
	if pc.RemoteDescription() == nil {
		return ErrEarlyCandidate
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        p.Candidate.Candidate,
		SDPMid:           p.Candidate.SDPMid,
		SDPMLineIndex:    p.Candidate.SDPMLineIndex,
		UsernameFragment: p.Candidate.UsernameFragment,
	})
}

func (c *Controller) onCallSignal(event string, p *proto.CallSignal) {
	c.mu.Lock()
	sess := c.sess
	live := sess.live() && (p.From == "" || p.From == sess.Remote.ID)
	state := Idle
	if sess != nil {
		state = sess.State
	}
	c.mu.Unlock()
	if !live {
		log.Debugf("ignoring %s from %s: no matching call", event, p.From)
		return
	}
	switch event {
	case proto.EventCallDeclined:
		if state == Offering {
			c.teardown(sess, "declined", nil)
		}
	case proto.EventCallEnded:
		c.teardown(sess, "remote hung up", nil)
	}
}
