package call

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/signaling"
)

// ── In-memory signaling ──────────────────────────────────────────────────────

type emitted struct {
	event   string
	payload proto.Payload
}

// bus routes client events between fake signalers the way the relay does.
type bus struct {
	mu    sync.Mutex
	peers map[string]*fakeSignaler
}

func newBus() *bus { return &bus{peers: make(map[string]*fakeSignaler)} }

type fakeSignaler struct {
	id   string
	bus  *bus
	down bool

	mu       sync.Mutex
	handlers map[string][]signaling.Handler
	sent     []emitted
}

func (b *bus) join(id string) *fakeSignaler {
	f := &fakeSignaler{id: id, bus: b, handlers: make(map[string][]signaling.Handler)}
	if b != nil {
		b.mu.Lock()
		b.peers[id] = f
		b.mu.Unlock()
	}
	return f
}

func (f *fakeSignaler) On(event string, fn signaling.Handler) *signaling.Subscription {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Connected() bool { return !f.down }

func (f *fakeSignaler) Emit(event string, p proto.Payload) bool {
	if f.down {
		return false
	}
	f.mu.Lock()
	f.sent = append(f.sent, emitted{event, p})
	f.mu.Unlock()
	if f.bus != nil {
		f.bus.route(f.id, event, p)
	}
	return true
}

func (f *fakeSignaler) raise(event string, p proto.Payload) {
	f.mu.Lock()
	hs := append([]signaling.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(signaling.Event{Name: event, Payload: p})
	}
}

func (f *fakeSignaler) emitted(event string) []proto.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Payload
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (b *bus) route(from, event string, p proto.Payload) {
	var target string
	var out proto.Payload
	var name string
	switch v := p.(type) {
	case *proto.Offer:
		target = v.TargetID
		if v.Restart {
			cp := *v
			cp.From, cp.TargetID = from, ""
			name, out = proto.EventOffer, &cp
		} else {
			name, out = proto.EventIncomingCall, &proto.IncomingCall{From: from, Offer: v.Offer, Kind: v.Kind, Caller: v.CallerInfo}
		}
	case *proto.Answer:
		cp := *v
		cp.From, cp.TargetID = from, ""
		target, name, out = v.TargetID, proto.EventAnswer, &cp
	case *proto.Candidate:
		cp := *v
		cp.From, cp.TargetID = from, ""
		target, name, out = v.TargetID, proto.EventICECandidate, &cp
	case *proto.CallSignal:
		target, out = v.TargetID, &proto.CallSignal{From: from}
		switch event {
		case proto.EventDeclineCall:
			name = proto.EventCallDeclined
		case proto.EventEndCall:
			name = proto.EventCallEnded
		}
	}
	b.mu.Lock()
	peer := b.peers[target]
	b.mu.Unlock()
	if peer != nil && name != "" {
		peer.raise(name, out)
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func testController(t *testing.T, sig Signaler, id string, src MediaSource) *Controller {
	t.Helper()
	return newTestController(t, sig, id, src, nil)
}

func newTestController(t *testing.T, sig Signaler, id string, src MediaSource, clk clock.Clock) *Controller {
	t.Helper()
	c, err := NewController(sig, src, Options{
		Self:          proto.Participant{ID: id, Name: id, PreferredLanguage: "en"},
		GatherTimeout: 2 * time.Second,
		RestartWindow: 5 * time.Second,
		Clock:         clk,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// states collects snapshots from OnState.
type states struct {
	ch chan Snapshot
}

func watch(c *Controller) *states {
	s := &states{ch: make(chan Snapshot, 64)}
	c.OnState(func(snap Snapshot) {
		select {
		case s.ch <- snap:
		default:
		}
	})
	return s
}

func (s *states) waitFor(t *testing.T, cond func(Snapshot) bool, what string) Snapshot {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case snap := <-s.ch:
			if cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func inState(st State) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.State == st }
}

// connectedPair sets up an answered audio call between alice and bob, each
// on its own mock clock.
func connectedPair(t *testing.T) (alice, bob *Controller, aliceClock, bobClock *clock.Mock) {
	t.Helper()
	b := newBus()
	aliceClock, bobClock = clock.NewMock(), clock.NewMock()
	alice = newTestController(t, b.join("alice"), "alice", SyntheticSource{}, aliceClock)
	bob = newTestController(t, b.join("bob"), "bob", SyntheticSource{}, bobClock)
	aliceStates, bobStates := watch(alice), watch(bob)

	incoming := make(chan Incoming, 1)
	bob.OnIncoming(func(in Incoming) { incoming <- in })
	if _, err := alice.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindAudio, "en"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	select {
	case <-incoming:
	case <-time.After(10 * time.Second):
		t.Fatal("no incoming call")
	}
	if _, err := bob.AnswerCall(context.Background(), "es"); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	connected := func(s Snapshot) bool { return s.State == Active && s.PeerState == "connected" }
	aliceStates.waitFor(t, connected, "caller connected")
	bobStates.waitFor(t, connected, "callee connected")
	return alice, bob, aliceClock, bobClock
}

// liveSession returns the current session and its peer connection.
func liveSession(t *testing.T, c *Controller) (*Session, *webrtc.PeerConnection) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.pc == nil {
		t.Fatal("no live session")
	}
	return c.sess, c.pc
}

// sessionErr returns the error the session ended with.
func sessionErr(c *Controller) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.Err
}

type failingSource struct{ err error }

func (failingSource) RegisterCodecs(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }

func (f failingSource) Acquire(context.Context, proto.CallKind, Constraints) (*LocalMedia, error) {
	return nil, f.err
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestVideoCallReachesActiveOnBothSides(t *testing.T) {
	b := newBus()
	alice := testController(t, b.join("alice"), "alice", SyntheticSource{})
	bob := testController(t, b.join("bob"), "bob", SyntheticSource{})

	aliceStates, bobStates := watch(alice), watch(bob)
	incoming := make(chan Incoming, 1)
	bob.OnIncoming(func(in Incoming) { incoming <- in })
	tracks := make(chan RemoteTrack, 4)
	bob.OnRemoteTrack(func(rt RemoteTrack) { tracks <- rt })

	snap, err := alice.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindVideo, "en")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if snap.State != Offering || !snap.Caller {
		t.Fatalf("caller snapshot = %+v", snap)
	}

	var in Incoming
	select {
	case in = <-incoming:
	case <-time.After(10 * time.Second):
		t.Fatal("no incoming call")
	}
	if in.From.ID != "alice" || in.Kind != proto.KindVideo {
		t.Fatalf("incoming = %+v", in)
	}
	if got := bob.Session(); got.State != Ringing || got.RemoteLanguage != "en" {
		t.Fatalf("callee session = %+v", got)
	}

	if _, err := bob.AnswerCall(context.Background(), "es"); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}

	connected := func(s Snapshot) bool { return s.State == Active && s.PeerState == "connected" }
	a := aliceStates.waitFor(t, connected, "caller connected")
	bobStates.waitFor(t, connected, "callee connected")

	if a.RemoteLanguage != "es" {
		t.Fatalf("caller remote language = %q, want es", a.RemoteLanguage)
	}
	if a.AnsweredAt.IsZero() {
		t.Fatal("caller answered_at not set")
	}

	kinds := map[webrtc.RTPCodecType]bool{}
	for len(kinds) < 2 {
		select {
		case rt := <-tracks:
			kinds[rt.Kind] = true
			if rt.Kind == webrtc.RTPCodecTypeAudio && rt.Audio == nil {
				t.Fatal("remote audio track without decoder")
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("remote tracks = %v, want audio and video", kinds)
		}
	}

	if err := alice.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	bobStates.waitFor(t, inState(Ended), "callee ended")
	if got := bob.Session(); got.EndReason != "remote hung up" {
		t.Fatalf("callee end reason = %q", got.EndReason)
	}
}

func TestCandidateBeforeRemoteDescriptionIsDropped(t *testing.T) {
	sig := newBus().join("alice")
	c := testController(t, sig, "alice", SyntheticSource{})

	if _, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindAudio, ""); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	offers := sig.emitted(proto.EventOffer)
	if len(offers) != 1 {
		t.Fatalf("offers = %d", len(offers))
	}
	offer := offers[0].(*proto.Offer)

	// Answer with a bare peer connection standing in for the callee.
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()
	var remoteCands []webrtc.ICECandidateInit
	var mu sync.Mutex
	remote.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			mu.Lock()
			remoteCands = append(remoteCands, cand.ToJSON())
			mu.Unlock()
		}
	})
	if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.Offer.SDP}); err != nil {
		t.Fatal(err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(remote)
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	<-gathered
	mu.Lock()
	if len(remoteCands) == 0 {
		mu.Unlock()
		t.Skip("no local candidates on this host")
	}
	first := remoteCands[0]
	mu.Unlock()
	cand := &proto.Candidate{From: "bob", Candidate: proto.ICECandidateInit{
		Candidate:     first.Candidate,
		SDPMid:        first.SDPMid,
		SDPMLineIndex: first.SDPMLineIndex,
	}}

	if err := c.addCandidate(cand); !errors.Is(err, ErrEarlyCandidate) {
		t.Fatalf("early candidate err = %v, want ErrEarlyCandidate", err)
	}

	c.onAnswer(&proto.Answer{From: "bob", Answer: proto.SessionDescription{Type: "answer", SDP: remote.LocalDescription().SDP}})
	if got := c.Session().State; got != Active {
		t.Fatalf("state after answer = %s", got)
	}
	if err := c.addCandidate(cand); err != nil {
		t.Fatalf("candidate after description: %v", err)
	}
}

func TestStartEndCyclesReleaseResources(t *testing.T) {
	sig := newBus().join("alice")
	c := testController(t, sig, "alice", SyntheticSource{})

	for i := 0; i < 5; i++ {
		if _, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindVideo, ""); err != nil {
			t.Fatalf("cycle %d StartCall: %v", i, err)
		}
		if _, err := c.StartCall(context.Background(), proto.Participant{ID: "carol"}, proto.KindAudio, ""); !errors.Is(err, ErrBusy) {
			t.Fatalf("cycle %d second StartCall err = %v, want ErrBusy", i, err)
		}
		if err := c.EndCall(); err != nil {
			t.Fatalf("cycle %d EndCall: %v", i, err)
		}
		c.mu.Lock()
		pc, local, senders := c.pc, c.local, len(c.senders)
		c.mu.Unlock()
		if pc != nil || local != nil || senders != 0 {
			t.Fatalf("cycle %d left pc=%v local=%v senders=%d", i, pc, local, senders)
		}
	}
	if n := len(sig.emitted(proto.EventEndCall)); n != 5 {
		t.Fatalf("endCall emitted %d times, want 5", n)
	}
	if err := c.EndCall(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("EndCall without call err = %v", err)
	}
}

func TestDeclinedCallEnds(t *testing.T) {
	sig := newBus().join("alice")
	c := testController(t, sig, "alice", SyntheticSource{})
	st := watch(c)

	if _, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindAudio, ""); err != nil {
		t.Fatal(err)
	}
	sig.raise(proto.EventCallDeclined, &proto.CallSignal{From: "bob"})
	snap := st.waitFor(t, inState(Ended), "declined")
	if snap.EndReason != "declined" {
		t.Fatalf("end reason = %q", snap.EndReason)
	}
}

func TestIncomingWhileBusyIsDeclined(t *testing.T) {
	sig := newBus().join("alice")
	c := testController(t, sig, "alice", SyntheticSource{})
	if _, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindAudio, ""); err != nil {
		t.Fatal(err)
	}
	sig.raise(proto.EventIncomingCall, &proto.IncomingCall{From: "carol", Kind: proto.KindAudio, Offer: proto.SessionDescription{Type: "offer", SDP: "v=0"}})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range sig.emitted(proto.EventDeclineCall) {
			if p.(*proto.CallSignal).TargetID == "carol" {
				if got := c.Session(); got.Remote.ID != "bob" || got.State != Offering {
					t.Fatalf("busy call disturbed: %+v", got)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no declineCall sent to carol")
}

func TestMediaFailureEndsSession(t *testing.T) {
	sig := newBus().join("alice")
	c := testController(t, sig, "alice", failingSource{err: os.ErrPermission})

	_, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindVideo, "")
	var merr *MediaAccessError
	if !errors.As(err, &merr) || merr.Kind != MediaPermission {
		t.Fatalf("err = %v, want permission MediaAccessError", err)
	}
	snap := c.Session()
	if snap.State != Ended || snap.Error == "" {
		t.Fatalf("session = %+v", snap)
	}
	if n := len(sig.emitted(proto.EventOffer)); n != 0 {
		t.Fatalf("offer sent despite media failure")
	}
}

// countingSource records how often media was requested.
type countingSource struct {
	SyntheticSource
	mu       sync.Mutex
	acquired int
}

func (s *countingSource) Acquire(ctx context.Context, kind proto.CallKind, c Constraints) (*LocalMedia, error) {
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	return s.SyntheticSource.Acquire(ctx, kind, c)
}

func TestStartCallBlockedWhileSignalingDown(t *testing.T) {
	sig := newBus().join("alice")
	sig.down = true
	src := &countingSource{}
	c := testController(t, sig, "alice", src)

	_, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindAudio, "")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) || !errors.Is(err, signaling.ErrNotConnected) {
		t.Fatalf("err = %v, want NegotiationError wrapping ErrNotConnected", err)
	}
	if got := c.Session(); got.State != Idle || got.ID != "" {
		t.Fatalf("session = %+v, want none", got)
	}
	src.mu.Lock()
	n := src.acquired
	src.mu.Unlock()
	if n != 0 {
		t.Fatalf("media acquired %d times while signaling was down", n)
	}

	sig.down = false
	if _, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindAudio, ""); err != nil {
		t.Fatalf("StartCall after reconnect: %v", err)
	}
}

func TestToggleMuteSilencesLocalTap(t *testing.T) {
	sig := newBus().join("alice")
	c := testController(t, sig, "alice", SyntheticSource{Tone: 0.5})

	if _, err := c.ToggleMute(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("ToggleMute without call err = %v", err)
	}
	if _, err := c.StartCall(context.Background(), proto.Participant{ID: "bob"}, proto.KindAudio, ""); err != nil {
		t.Fatal(err)
	}
	tap := c.LocalAudio()
	if tap == nil {
		t.Fatal("no local audio tap")
	}

	muted, err := c.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	samples, _, err := tap.ReadPCM(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range samples {
		if s != 0 {
			t.Fatalf("muted tap delivered %v", s)
		}
	}

	muted, err = c.ToggleMute()
	if err != nil || muted {
		t.Fatalf("second ToggleMute = %v, %v", muted, err)
	}
	if c.Session().Muted {
		t.Fatal("session still muted")
	}
	if _, err := c.ToggleCamera(); err != nil {
		t.Fatalf("ToggleCamera on audio call: %v", err)
	}
}

func TestIllegalTransitionsAreRefused(t *testing.T) {
	s := &Session{ID: "s1", State: Idle}
	if s.move(Active) {
		t.Fatal("idle → active allowed")
	}
	if !s.move(Ringing) || !s.move(Active) || !s.move(Ended) {
		t.Fatalf("legal path refused at %s", s.State)
	}
	if s.move(Offering) {
		t.Fatal("ended → offering allowed")
	}
}

func TestFailedConnectionRestartsOnceThenEnds(t *testing.T) {
	alice, bob, _, _ := connectedPair(t)
	aliceSig := alice.sig.(*fakeSignaler)
	bobSig := bob.sig.(*fakeSignaler)
	answers := len(bobSig.emitted(proto.EventAnswer))

	sess, pc := liveSession(t, alice)
	alice.onPeerState(sess, pc, webrtc.PeerConnectionStateFailed)
	if got := alice.Session(); got.State != Active || !got.Restarted {
		t.Fatalf("after first failure = %+v", got)
	}

	// The caller sends a restart offer and the callee answers it.
	deadline := time.Now().Add(10 * time.Second)
	for {
		var restarted bool
		for _, p := range aliceSig.emitted(proto.EventOffer) {
			if p.(*proto.Offer).Restart {
				restarted = true
			}
		}
		if restarted && len(bobSig.emitted(proto.EventAnswer)) > answers && pc.SignalingState() == webrtc.SignalingStateStable {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ice restart offer was never answered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := alice.Session(); got.State != Active {
		t.Fatalf("state after restart = %s", got.State)
	}

	alice.onPeerState(sess, pc, webrtc.PeerConnectionStateFailed)
	if got := alice.Session(); got.State != Ended || got.EndReason != "connection failed" {
		t.Fatalf("after second failure = %+v", got)
	}
	var cerr *ConnectivityFailure
	if err := sessionErr(alice); !errors.As(err, &cerr) || !cerr.Restarted {
		t.Fatalf("session error = %v, want ConnectivityFailure after restart", err)
	}
}

func TestRestartWindowBoundsRecovery(t *testing.T) {
	tests := []struct {
		name      string
		recovers  bool
		wantState State
	}{
		{"window expires", false, Ended},
		{"connected in time", true, Active},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, bob, _, bobClock := connectedPair(t)
			st := watch(bob)
			sess, pc := liveSession(t, bob)

			bob.onPeerState(sess, pc, webrtc.PeerConnectionStateFailed)
			if got := bob.Session(); got.State != Active || !got.Restarted {
				t.Fatalf("after failure = %+v", got)
			}
			if tt.recovers {
				bob.onPeerState(sess, pc, webrtc.PeerConnectionStateConnected)
				bob.mu.Lock()
				armed := bob.restart != nil
				bob.mu.Unlock()
				if armed {
					t.Fatal("restart timer still armed after reconnect")
				}
			}
			bobClock.Add(6 * time.Second)

			if tt.wantState == Ended {
				snap := st.waitFor(t, inState(Ended), "restart window expiry")
				if snap.EndReason != "connection failed" {
					t.Fatalf("end reason = %q", snap.EndReason)
				}
				var cerr *ConnectivityFailure
				if err := sessionErr(bob); !errors.As(err, &cerr) || !cerr.Restarted {
					t.Fatalf("session error = %v", err)
				}
				return
			}
			time.Sleep(50 * time.Millisecond)
			if got := bob.Session(); got.State != Active {
				t.Fatalf("state = %s, want active", got.State)
			}
		})
	}
}
