// Package app wires the client and relay processes together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/audio"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/playback"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/signaling"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/translate"
	"github.com/petervdpas/parley/internal/util"
	"github.com/petervdpas/parley/internal/viewer"
	"github.com/petervdpas/parley/internal/viewer/routes"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Media overrides the platform capture source.
	Media call.MediaSource
	// Logs receives the log tail; a fresh buffer is used when nil.
	Logs *viewer.LogBuffer
}

// Run starts the client and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	applyLogLevels(cfg.Log)

	logs := opt.Logs
	if logs == nil {
		logs = viewer.NewLogBuffer(cfg.Log.BufferLines)
		go logs.Follow(ctx)
	}
	logBanner(opt.Dir, opt.CfgPath)

	// ── Call log
	db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer db.Close()

	// ── Directory and login
	dir := directory.NewClient(cfg.Account.ServerURL, cfg.Account.Token)
	me, err := signIn(ctx, dir, &cfg, opt.CfgPath)
	if err != nil {
		return err
	}
	if me.PreferredLanguage == "" {
		me.PreferredLanguage = cfg.Translation.Language
	}
	log.Infof("signed in as %s (%s)", me.ID, me.Name)

	// ── Signaling
	ch, err := signaling.New(signaling.OptionsFromConfig(cfg.Account.ServerURL, cfg.Signaling))
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	defer ch.Close()

	// ── Media, calls and translation
	engine := audio.NewEngine(audio.WireFormat.SampleRate)
	defer engine.Close()

	media := opt.Media
	if media == nil {
		media = call.DefaultMediaSource()
	}
	ctrl, err := call.NewController(ch, media, call.OptionsFromConfig(me.Participant(), cfg.Call))
	if err != nil {
		return fmt.Errorf("call controller: %w", err)
	}
	defer ctrl.Close()

	c := newClient(cfg, me.Participant(), ctrl, engine, db)
	c.pipe = translate.New(ch, engine, c.player, translate.OptionsFromConfig(cfg.Translation))
	defer c.shutdown()

	contacts := directory.NewContacts(dir, cfg.Account.RefreshInterval(), nil)
	c.wire(ch, contacts)

	ch.Initialize(dir.Token())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.lifecycle(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := contacts.Run(ctx); err != nil {
			log.Errorf("contact refresh stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := config.Watch(ctx, opt.CfgPath, c.reload); err != nil {
			log.Warnf("config watch: %v", err)
		}
	}()

	// ── Control API
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Calls:       ctrl,
			Contacts:    offlineContacts{live: contacts, db: db},
			History:     db,
			Logs:        logs,
			Events:      c.events,
			Language:    c.language,
			Transcripts: c.pipe.Transcripts,
			Health: func() map[string]any {
				return map[string]any{
					"user":        me.ID,
					"signaling":   ch.State().String(),
					"transport":   string(ch.Transport()),
					"call":        ctrl.Session().State.String(),
					"translating": c.pipe.Running(),
				}
			},
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := viewer.Start(ctx, addr, v); err != nil {
				log.Errorf("control API: %v", err)
			}
		}()
		go func() {
			if err := WaitTCP(addr, 5*time.Second); err == nil {
				log.Infof("control API ready at %s", url)
			}
		}()
	}

	<-ctx.Done()
	if s := ctrl.Session(); s.State != call.Idle && s.State != call.Ended {
		_ = ctrl.EndCall()
	}
	wg.Wait()
	c.drainStates()
	return nil
}

// signIn makes sure the client holds a valid token, logging in with the
// configured credentials when it does not. A fresh token is saved back.
func signIn(ctx context.Context, dir *directory.Client, cfg *config.Config, cfgPath string) (directory.User, error) {
	if dir.Token() != "" {
		me, err := dir.Me(ctx)
		if err == nil {
			return me, nil
		}
		if !errors.Is(err, directory.ErrUnauthorized) {
			return directory.User{}, err
		}
		log.Warnf("stored token %s rejected, logging in again", util.Mask(dir.Token()))
		dir.SetToken("")
	}
	if cfg.Account.Email == "" {
		return directory.User{}, fmt.Errorf("%w: no token and no account.email configured", directory.ErrUnauthorized)
	}
	res, err := dir.Login(ctx, cfg.Account.Email, cfg.Account.Password)
	if err != nil {
		return directory.User{}, err
	}
	cfg.Account.Token = res.Token
	if cfgPath != "" {
		if err := config.Save(cfgPath, *cfg); err != nil {
			log.Warnf("save token: %v", err)
		}
	}
	return res.User, nil
}

// applyLogLevels sets the global level and then the per-subsystem overrides.
func applyLogLevels(c config.Log) {
	if lvl, err := logging.LevelFromString(c.Level); err == nil {
		logging.SetAllLoggers(lvl)
	} else {
		log.Warnf("log level %q: %v", c.Level, err)
	}
	for sub, level := range c.Subsystems {
		if err := logging.SetLogLevel(sub, level); err != nil {
			// pion subsystems register lazily; unknown names are expected early on.
			log.Debugf("log level %s=%s: %v", sub, level, err)
		}
	}
}

// offlineContacts serves the live contact list and falls back to the cached
// one while the directory has not answered yet.
type offlineContacts struct {
	live *directory.Contacts
	db   *storage.DB
}

func (o offlineContacts) List() []directory.User {
	if list := o.live.List(); len(list) > 0 {
		return list
	}
	cached, err := o.db.ListContacts()
	if err != nil {
		log.Warnf("contact cache: %v", err)
		return nil
	}
	out := make([]directory.User, 0, len(cached))
	for _, c := range cached {
		out = append(out, directory.User{
			ID:                c.UserID,
			Name:              c.Name,
			PreferredLanguage: c.PreferredLanguage,
			Avatar:            c.Avatar,
			Status:            directory.StatusOffline,
		})
	}
	return out
}

func (o offlineContacts) Lookup(id string) (directory.User, bool) {
	if u, ok := o.live.Lookup(id); ok {
		return u, true
	}
	for _, u := range o.List() {
		if u.ID == id {
			return u, true
		}
	}
	return directory.User{}, false
}

// ── Client state ──────────────────────────────────────────────────────────────

type client struct {
	self   proto.Participant
	ctrl   *call.Controller
	engine *audio.Engine
	db     *storage.DB
	pipe   *translate.Pipeline
	player *sessionPlayer
	events *routes.Events
	states chan call.Snapshot

	mu             sync.Mutex
	cfg            config.Config
	callID         string
	remoteAttached bool
	unhooks        []func()
}

func newClient(cfg config.Config, self proto.Participant, ctrl *call.Controller, engine *audio.Engine, db *storage.DB) *client {
	return &client{
		self:   self,
		ctrl:   ctrl,
		engine: engine,
		db:     db,
		player: &sessionPlayer{},
		events: routes.NewEvents(),
		states: make(chan call.Snapshot, 64),
		cfg:    cfg,
	}
}

func (c *client) language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Translation.Language
}

// wire subscribes to every component that produces user-visible events.
func (c *client) wire(ch *signaling.Channel, contacts *directory.Contacts) {
	c.unhooks = append(c.unhooks,
		c.ctrl.OnState(func(s call.Snapshot) {
			select {
			case c.states <- s:
			default:
				log.Warnf("call %s: state %s dropped from lifecycle queue", s.ID, s.State)
			}
			c.events.Publish("state", s)
		}),
		c.ctrl.OnIncoming(func(in call.Incoming) {
			c.events.Publish("incoming", in)
		}),
		c.ctrl.OnRemoteTrack(c.onRemoteTrack),
		c.pipe.OnTranscript(c.onTranscript),
		c.player.onPlayed(func(r playback.Result) {
			c.events.Publish("playback", r)
			if r.Err != nil {
				c.publishError(r.Err)
			}
		}),
		contacts.OnChange(func(users []directory.User) {
			for _, u := range users {
				if err := c.db.UpsertContact(storage.CachedContact{
					UserID: u.ID, Name: u.Name, PreferredLanguage: u.PreferredLanguage, Avatar: u.Avatar,
				}); err != nil {
					log.Warnf("cache contact %s: %v", u.ID, err)
				}
			}
			c.events.Publish("contacts", users)
		}),
	)
	for _, ev := range []string{proto.EventConnectError, proto.EventError} {
		sub := ch.On(ev, func(e signaling.Event) {
			if e.Err != nil {
				c.publishError(e.Err)
				return
			}
			if p, ok := e.Payload.(*proto.ErrorPayload); ok {
				c.events.Publish("error", map[string]string{"error": p.Message, "code": p.Code})
			}
		})
		c.unhooks = append(c.unhooks, sub.Off)
	}
	sub := ch.On(proto.EventState, func(e signaling.Event) {
		c.events.Publish("signaling", map[string]string{"state": e.State.String()})
	})
	c.unhooks = append(c.unhooks, sub.Off)
}

func (c *client) publishError(err error) {
	msg := err.Error()
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		msg = um.UserMessage()
	}
	c.events.Publish("error", map[string]string{"error": msg, "detail": err.Error()})
}

// reload applies the hot-reloadable settings.
func (c *client) reload(next config.Config) {
	c.mu.Lock()
	prev := c.cfg
	c.cfg.Translation.Language = next.Translation.Language
	c.cfg.Log = next.Log
	c.mu.Unlock()
	if prev.Translation.Language != next.Translation.Language {
		log.Infof("preferred language now %s", next.Translation.Language)
	}
	applyLogLevels(next.Log)
}

// lifecycle applies session state changes in order: it records them and
// starts or stops translation and playback.
func (c *client) lifecycle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.states:
			c.record(s)
			switch s.State {
			case call.Active:
				c.startTranslation(ctx, s)
			case call.Ended:
				c.stopTranslation()
				if s.Error != "" {
					c.events.Publish("error", map[string]string{"error": s.EndReason, "detail": s.Error})
				}
			}
		}
	}
}

// drainStates records the changes still queued once the lifecycle loop has
// stopped, so the final state of a call hung up at exit reaches the log.
func (c *client) drainStates() {
	for {
		select {
		case s := <-c.states:
			c.record(s)
		default:
			return
		}
	}
}

func (c *client) record(s call.Snapshot) {
	if s.ID == "" {
		return
	}
	c.mu.Lock()
	c.callID = s.ID
	c.mu.Unlock()
	rec := storage.CallRecord{
		ID:             s.ID,
		Kind:           string(s.Kind),
		Caller:         s.Caller,
		PeerID:         s.Remote.ID,
		PeerName:       s.Remote.Name,
		LocalLanguage:  s.LocalLanguage,
		RemoteLanguage: s.RemoteLanguage,
		State:          s.State.String(),
		StartedAt:      s.StartedAt,
		AnsweredAt:     s.AnsweredAt,
		EndedAt:        s.EndedAt,
		EndReason:      s.EndReason,
		Error:          s.Error,
	}
	if err := c.db.SaveCall(rec); err != nil {
		log.Warnf("call log: %v", err)
	}
}

func (c *client) startTranslation(ctx context.Context, s call.Snapshot) {
	c.mu.Lock()
	enabled, device := c.cfg.Translation.Enabled, c.cfg.Playback.Device
	popts := playback.OptionsFromConfig(c.cfg.Playback)
	c.mu.Unlock()
	if !enabled || c.pipe.Running() {
		return
	}

	var primary audio.Output
	if device != "none" {
		out, err := c.engine.OpenOutput(device)
		if err != nil {
			log.Warnf("playback device unavailable, using direct playback: %v", err)
		} else {
			primary = out
		}
	}
	fallback, err := c.engine.DirectOutput()
	if err != nil {
		log.Warnf("direct playback unavailable: %v", err)
	}
	c.player.set(playback.New(primary, fallback, popts))

	c.mu.Lock()
	remote := c.remoteAudio()
	c.remoteAttached = remote != nil
	c.mu.Unlock()

	err = c.pipe.Start(ctx, translate.StartParams{
		Self:          c.self,
		Selected:      s.Remote,
		LocalLanguage: s.LocalLanguage,
		LocalSource:   c.ctrl.LocalAudio(),
		RemoteSource:  remote,
	})
	if err != nil {
		log.Errorf("call %s: translation not started: %v", s.ID, err)
		c.publishError(err)
		c.player.close()
		c.mu.Lock()
		c.remoteAttached = false
		c.mu.Unlock()
		return
	}

	// A remote track that arrived while Start was resolving the participant.
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteAttached {
		if src := c.remoteAudio(); src != nil {
			if err := c.pipe.AttachRemote(src); err == nil {
				c.remoteAttached = true
			}
		}
	}
}

// remoteAudio returns the first inbound audio source; c.mu must be held.
func (c *client) remoteAudio() audio.Source {
	for _, t := range c.ctrl.RemoteTracks() {
		if t.Audio != nil {
			return t.Audio
		}
	}
	return nil
}

func (c *client) onRemoteTrack(t call.RemoteTrack) {
	if t.Audio == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteAttached || !c.pipe.Running() {
		return
	}
	if err := c.pipe.AttachRemote(t.Audio); err != nil {
		log.Warnf("attach remote audio: %v", err)
		return
	}
	c.remoteAttached = true
}

func (c *client) stopTranslation() {
	c.pipe.Stop()
	c.player.close()
	c.mu.Lock()
	c.remoteAttached = false
	c.mu.Unlock()
}

func (c *client) onTranscript(t translate.Transcript) {
	c.events.Publish("transcript", t)
	c.mu.Lock()
	id := c.callID
	c.mu.Unlock()
	if id == "" {
		return
	}
	if err := c.db.SaveTranscript(storage.TranscriptLine{
		CallID:     id,
		RequestID:  t.RequestID,
		Direction:  t.Direction.String(),
		Original:   t.Original,
		Translated: t.Translated,
		At:         t.At,
	}); err != nil {
		log.Warnf("transcript: %v", err)
	}
}

func (c *client) shutdown() {
	for _, off := range c.unhooks {
		off()
	}
	c.stopTranslation()
}

// ── Playback switch ───────────────────────────────────────────────────────────

// sessionPlayer forwards synthesized audio to the playback engine of the
// current call. Each call gets a fresh engine so no clip outlives its call.
type sessionPlayer struct {
	mu     sync.Mutex
	engine *playback.Engine
	unhook func()

	hookMu   sync.Mutex
	nextHook int
	hooks    map[int]func(playback.Result)
}

func (p *sessionPlayer) Enqueue(payload, key string) bool {
	p.mu.Lock()
	e := p.engine
	p.mu.Unlock()
	if e == nil {
		log.Debugf("no playback engine, dropping %s", key)
		return false
	}
	return e.Enqueue(payload, key)
}

func (p *sessionPlayer) set(e *playback.Engine) {
	unhook := e.OnPlayed(func(r playback.Result) {
		p.hookMu.Lock()
		fns := make([]func(playback.Result), 0, len(p.hooks))
		for _, fn := range p.hooks {
			fns = append(fns, fn)
		}
		p.hookMu.Unlock()
		for _, fn := range fns {
			fn(r)
		}
	})
	p.mu.Lock()
	old, oldUnhook := p.engine, p.unhook
	p.engine, p.unhook = e, unhook
	p.mu.Unlock()
	if old != nil {
		oldUnhook()
		old.Close()
	}
}

func (p *sessionPlayer) close() {
	p.mu.Lock()
	e, unhook := p.engine, p.unhook
	p.engine, p.unhook = nil, nil
	p.mu.Unlock()
	if e != nil {
		unhook()
		if err := e.Close(); err != nil {
			log.Warnf("close playback: %v", err)
		}
	}
}

func (p *sessionPlayer) onPlayed(fn func(playback.Result)) func() {
	p.hookMu.Lock()
	if p.hooks == nil {
		p.hooks = make(map[int]func(playback.Result))
	}
	p.nextHook++
	id := p.nextHook
	p.hooks[id] = fn
	p.hookMu.Unlock()
	return func() {
		p.hookMu.Lock()
		delete(p.hooks, id)
		p.hookMu.Unlock()
	}
}
