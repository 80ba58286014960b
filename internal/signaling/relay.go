package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/parley/internal/proto"
)

const (
	relayOutboxCap  = 256
	relayPollBatch  = 64
	defaultPollHold = 25 * time.Second
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   65536,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// TokenResolver maps a bearer credential to a user id.
type TokenResolver func(token string) (userID string, ok bool)

// ProfileLookup returns the public profile of a user.
type ProfileLookup func(userID string) (proto.Participant, bool)

// Translator turns a captured chunk into a translated transcript and,
// optionally, synthesized speech. remote is true for translateRemoteAudio.
type Translator interface {
	Translate(ctx context.Context, req *proto.TranslateAudio, remote bool) (*proto.TranslatedAudio, error)
}

// Relay is a minimal coordination server: it authenticates users, routes
// negotiation messages between the two sides of a call and hands audio chunks
// to a Translator. It speaks both the websocket and the long-poll transport.
type Relay struct {
	path       string
	auth       TokenResolver
	profiles   ProfileLookup
	translator Translator
	pollHold   time.Duration
	routes     []func(*http.ServeMux)

	mu      sync.RWMutex
	clients map[string]*relayPeer // userID → latest connection
	polls   map[string]*relayPeer // sid → long-poll session
	calls   map[string]string     // userID → other side of the call
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithProfiles sets the profile lookup used for participant info.
func WithProfiles(fn ProfileLookup) RelayOption { return func(r *Relay) { r.profiles = fn } }

// WithTranslator sets the translation backend.
func WithTranslator(t Translator) RelayOption { return func(r *Relay) { r.translator = t } }

// WithPollHold sets how long a long-poll GET is held open.
func WithPollHold(d time.Duration) RelayOption { return func(r *Relay) { r.pollHold = d } }

// WithRoutes mounts extra routes next to the transports, e.g. a directory.
func WithRoutes(fn func(*http.ServeMux)) RelayOption {
	return func(r *Relay) { r.routes = append(r.routes, fn) }
}

// NewRelay creates a relay serving path.
func NewRelay(path string, auth TokenResolver, opts ...RelayOption) *Relay {
	r := &Relay{
		path:     path,
		auth:     auth,
		pollHold: defaultPollHold,
		clients:  make(map[string]*relayPeer),
		polls:    make(map[string]*relayPeer),
		calls:    make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type relayPeer struct {
	userID string
	kind   TransportKind
	sid    string
	out    chan proto.Envelope

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func newRelayPeer(userID string, kind TransportKind) *relayPeer {
	return &relayPeer{
		userID:   userID,
		kind:     kind,
		out:      make(chan proto.Envelope, relayOutboxCap),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
}

func (p *relayPeer) close() { p.closeOnce.Do(func() { close(p.done) }) }

func (p *relayPeer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *relayPeer) idle() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen)
}

// Handler returns the HTTP handler for both transports.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(r.path, r.serveWS)
	mux.HandleFunc(r.path+pollSuffix, r.servePoll)
	for _, fn := range r.routes {
		fn(mux)
	}
	return mux
}

// Serve listens on addr until ctx is done. Idle long-poll sessions are swept.
func (r *Relay) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.Handler()}
	go func() {
		t := time.NewTicker(r.pollHold)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = srv.Shutdown(sctx)
				cancel()
				return
			case <-t.C:
				r.sweep()
			}
		}
	}()
	log.Infof("relay listening on %s%s", addr, r.path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func bearer(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return req.URL.Query().Get("token")
}

func (r *Relay) authenticate(req *http.Request) (string, bool) {
	if r.auth == nil {
		return "", false
	}
	return r.auth(bearer(req))
}

// ── Registration ──────────────────────────────────────────────────────────────

func (r *Relay) register(p *relayPeer) {
	r.mu.Lock()
	old := r.clients[p.userID]
	r.clients[p.userID] = p
	if p.sid != "" {
		r.polls[p.sid] = p
	}
	r.mu.Unlock()
	if old != nil && old != p {
		r.drop(old, false)
	}
	log.Infof("relay: %s connected via %s", p.userID, p.kind)
}

// unregister removes p and, if it was the user's current connection, ends any
// call the user was part of.
func (r *Relay) unregister(p *relayPeer) {
	r.drop(p, true)
}

func (r *Relay) drop(p *relayPeer, endCall bool) {
	p.close()
	r.mu.Lock()
	current := r.clients[p.userID] == p
	if current {
		delete(r.clients, p.userID)
	}
	if p.sid != "" {
		delete(r.polls, p.sid)
	}
	partner := ""
	if current && endCall {
		partner = r.calls[p.userID]
		delete(r.calls, p.userID)
		if partner != "" && r.calls[partner] == p.userID {
			delete(r.calls, partner)
		}
	}
	r.mu.Unlock()

	if partner != "" {
		r.send(partner, proto.EventCallEnded, &proto.CallSignal{From: p.userID})
	}
	if current {
		log.Infof("relay: %s disconnected", p.userID)
	}
}

// Disconnect evicts userID's current connection and ends any call it was in.
// It reports whether the user was connected.
func (r *Relay) Disconnect(userID string) bool {
	r.mu.RLock()
	p := r.clients[userID]
	r.mu.RUnlock()
	if p == nil {
		return false
	}
	r.unregister(p)
	return true
}

// Presence reports "busy" for a user in a call, "online" for a connected one
// and "offline" otherwise.
func (r *Relay) Presence(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.clients[userID] == nil:
		return "offline"
	case r.calls[userID] != "":
		return "busy"
	default:
		return "online"
	}
}

func (r *Relay) sweep() {
	r.mu.RLock()
	var stale []*relayPeer
	for _, p := range r.polls {
		if p.idle() > 2*r.pollHold {
			stale = append(stale, p)
		}
	}
	r.mu.RUnlock()
	for _, p := range stale {
		log.Infof("relay: poll session of %s expired", p.userID)
		r.unregister(p)
	}
}

// ── Routing ───────────────────────────────────────────────────────────────────

func (r *Relay) send(userID, event string, payload proto.Payload) bool {
	env, err := proto.Encode(event, payload)
	if err != nil {
		log.Errorf("relay: encode %s: %v", event, err)
		return false
	}
	r.mu.RLock()
	p := r.clients[userID]
	r.mu.RUnlock()
	if p == nil {
		return false
	}
	select {
	case p.out <- env:
		return true
	case <-p.done:
		return false
	default:
		log.Warnf("relay: outbox full for %s, dropping %s", userID, event)
		return false
	}
}

func (r *Relay) pair(a, b string) {
	r.mu.Lock()
	r.calls[a] = b
	r.calls[b] = a
	r.mu.Unlock()
}

func (r *Relay) unpair(a string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.calls[a]
	delete(r.calls, a)
	if b != "" && r.calls[b] == a {
		delete(r.calls, b)
	}
	return b
}

func (r *Relay) partner(userID, target string) string {
	if target != "" {
		return target
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[userID]
}

func (r *Relay) handle(p *relayPeer, env proto.Envelope) {
	payload, err := proto.Decode(env.Event, env.Data)
	if err != nil {
		log.Warnf("relay: %s sent bad frame: %v", p.userID, err)
		r.send(p.userID, proto.EventError, &proto.ErrorPayload{Message: err.Error(), Code: "bad_request"})
		return
	}

	switch v := payload.(type) {
	case *proto.Offer:
		target := r.partner(p.userID, v.TargetID)
		if v.Restart {
			r.send(target, proto.EventOffer, &proto.Offer{
				From: p.userID, Offer: v.Offer, Kind: v.Kind, CallerInfo: v.CallerInfo, Restart: true,
			})
			return
		}
		r.mu.RLock()
		busy := r.calls[target] != "" && r.calls[target] != p.userID
		r.mu.RUnlock()
		if busy {
			log.Infof("relay: %s is busy, declining call from %s", target, p.userID)
			r.send(p.userID, proto.EventCallDeclined, &proto.CallSignal{From: target})
			return
		}
		r.pair(p.userID, target)
		ok := r.send(target, proto.EventIncomingCall, &proto.IncomingCall{
			From: p.userID, Offer: v.Offer, Kind: v.Kind, Caller: v.CallerInfo,
		})
		if !ok {
			r.unpair(p.userID)
			r.send(p.userID, proto.EventCallDeclined, &proto.CallSignal{From: target})
		}

	case *proto.Answer:
		r.send(r.partner(p.userID, v.TargetID), proto.EventAnswer, &proto.Answer{
			From: p.userID, Answer: v.Answer, ReceiverInfo: v.ReceiverInfo,
		})

	case *proto.Candidate:
		r.send(r.partner(p.userID, v.TargetID), proto.EventICECandidate, &proto.Candidate{
			From: p.userID, Candidate: v.Candidate,
		})

	case *proto.CallSignal:
		target := r.partner(p.userID, v.TargetID)
		r.unpair(p.userID)
		reply := proto.EventCallEnded
		if env.Event == proto.EventDeclineCall {
			reply = proto.EventCallDeclined
		}
		r.send(target, reply, &proto.CallSignal{From: p.userID})

	case *proto.ParticipantQuery:
		id := r.partner(p.userID, "")
		if id == "" {
			id = v.UserID
		}
		info := &proto.ParticipantInfo{}
		if r.profiles != nil {
			if prof, ok := r.profiles(id); ok {
				info.ParticipantInfo = &prof
			}
		}
		r.send(p.userID, proto.EventParticipantInfo, info)

	case *proto.TranslateAudio:
		go r.translate(p.userID, v, env.Event == proto.EventTranslateRemoteAudio)

	case *proto.SystemReady:
		log.Infof("relay: audio system of %s ready=%v", p.userID, v.Ready)

	default:
		r.send(p.userID, proto.EventError, &proto.ErrorPayload{
			Message: "event not accepted from clients: " + env.Event, Code: "unsupported",
		})
	}
}

func (r *Relay) translate(userID string, req *proto.TranslateAudio, remote bool) {
	if r.translator == nil {
		log.Debugf("relay: no translator, dropping %s", req.RequestID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := r.translator.Translate(ctx, req, remote)
	if err != nil {
		log.Warnf("relay: translate %s: %v", req.RequestID, err)
		r.send(userID, proto.EventError, &proto.ErrorPayload{
			Message: err.Error(), Code: "translation_failed", RequestID: req.RequestID,
		})
		return
	}
	resp.RequestID = req.RequestID
	r.send(userID, proto.EventTranslatedAudio, resp)
}

// ── Websocket transport ───────────────────────────────────────────────────────

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.authenticate(req)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := relayUpgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("relay: upgrade failed: %v", err)
		return
	}

	p := newRelayPeer(userID, TransportWebSocket)
	r.register(p)
	defer func() {
		r.unregister(p)
		ws.Close()
	}()

	go func() {
		for {
			select {
			case <-p.done:
				_ = ws.Close()
				return
			case env := <-p.out:
				_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := ws.WriteJSON(env); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		var env proto.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("relay: %s read: %v", userID, err)
			}
			return
		}
		r.handle(p, env)
	}
}

// ── Long-poll transport ───────────────────────────────────────────────────────

func (r *Relay) servePoll(w http.ResponseWriter, req *http.Request) {
	sid := req.URL.Query().Get("sid")
	if sid == "" {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID, ok := r.authenticate(req)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		p := newRelayPeer(userID, TransportPolling)
		p.sid = uuid.NewString()
		r.register(p)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pollOpen{SID: p.sid})
		return
	}

	r.mu.RLock()
	p := r.polls[sid]
	r.mu.RUnlock()
	if p == nil {
		http.Error(w, "session gone", http.StatusGone)
		return
	}
	if userID, ok := r.authenticate(req); !ok || userID != p.userID {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p.touch()

	switch req.Method {
	case http.MethodGet:
		r.pollDrain(w, req, p)
	case http.MethodPost:
		var batch []proto.Envelope
		if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
			http.Error(w, "bad batch", http.StatusBadRequest)
			return
		}
		for _, env := range batch {
			r.handle(p, env)
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		r.unregister(p)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Relay) pollDrain(w http.ResponseWriter, req *http.Request, p *relayPeer) {
	t := time.NewTimer(r.pollHold)
	defer t.Stop()

	var batch []proto.Envelope
	select {
	case env := <-p.out:
		batch = append(batch, env)
	case <-t.C:
	case <-p.done:
		http.Error(w, "session gone", http.StatusGone)
		return
	case <-req.Context().Done():
		return
	}
	if len(batch) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
drain:
	for len(batch) < relayPollBatch {
		select {
		case env := <-p.out:
			batch = append(batch, env)
		default:
			break drain
		}
	}
	p.touch()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batch)
}
