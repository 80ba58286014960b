package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Event is one server-sent event on /api/call/events.
type Event struct {
	Type string    `json:"type"` // state, incoming, transcript, playback, contacts, signaling, error
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Events fans call events out to SSE subscribers.
type Events struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEvents() *Events {
	return &Events{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to every subscriber, dropping it for slow ones.
func (e *Events) Publish(typ string, data any) {
	ev := Event{Type: typ, At: time.Now(), Data: data}
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Events) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	cancel = func() {
		e.mu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// ServeSSE streams events until the client goes away.
func (e *Events) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)
	ch, cancel := e.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warnf("events: encode %s: %v", ev.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
