package routes

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/translate"
)

// callTimeout bounds media acquisition plus ICE gathering for start/answer.
const callTimeout = 30 * time.Second

// registerCallRoutes adds the call control endpoints.
//
//	POST /api/call/start         {target_id, kind, language}
//	POST /api/call/answer        {language}
//	POST /api/call/decline
//	POST /api/call/end
//	POST /api/call/toggle-audio
//	POST /api/call/toggle-video
//	GET  /api/call/state
//	GET  /api/call/events        SSE: state, incoming, transcript, playback, contacts, signaling, error
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	if d.Calls == nil {
		return
	}

	language := func(req string) string {
		if req != "" {
			return req
		}
		if d.Language != nil {
			return d.Language()
		}
		return ""
	}

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		TargetID string         `json:"target_id"`
		Kind     proto.CallKind `json:"kind"`
		Language string         `json:"language"`
	}) {
		if req.TargetID == "" {
			http.Error(w, "missing target_id", http.StatusBadRequest)
			return
		}
		if req.Kind == "" {
			req.Kind = proto.KindAudio
		}
		if !req.Kind.Valid() {
			http.Error(w, "kind must be audio or video", http.StatusBadRequest)
			return
		}
		target := proto.Participant{ID: req.TargetID}
		if d.Contacts != nil {
			u, ok := d.Contacts.Lookup(req.TargetID)
			if !ok {
				http.Error(w, "unknown contact", http.StatusNotFound)
				return
			}
			target = u.Participant()
		}

		ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
		defer cancel()
		snap, err := d.Calls.StartCall(ctx, target, req.Kind, language(req.Language))
		if err != nil {
			log.Warnf("start call to %s: %v", req.TargetID, err)
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		Language string `json:"language"`
	}) {
		ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
		defer cancel()
		snap, err := d.Calls.AnswerCall(ctx, language(req.Language))
		if err != nil {
			log.Warnf("answer call: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Calls.DeclineCall(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Calls.EndCall(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := d.Calls.ToggleMute()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		off, err := d.Calls.ToggleCamera()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": off})
	})

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		var lines []translate.Transcript
		if d.Transcripts != nil {
			lines = d.Transcripts()
		}
		if lines == nil {
			lines = []translate.Transcript{}
		}
		writeJSON(w, map[string]any{
			"session":     d.Calls.Session(),
			"transcripts": lines,
		})
	})

	if d.Events != nil {
		handleGet(mux, "/api/call/events", d.Events.ServeSSE)
	}
}

// registerHistoryRoutes adds the call log endpoints.
//
//	GET /api/call/history?limit=N
//	GET /api/call/history/{id}   record plus transcript
func registerHistoryRoutes(mux *http.ServeMux, d Deps) {
	if d.History == nil {
		return
	}
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, 500)
		}
		calls, err := d.History.ListCalls(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if calls == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, calls)
	})

	handleGet(mux, "/api/call/history/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/call/history/"), "/")
		if id == "" || strings.Contains(id, "/") {
			http.Error(w, "invalid call id", http.StatusBadRequest)
			return
		}
		rec, ok, err := d.History.GetCall(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		lines, err := d.History.Transcript(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"call": rec, "transcript": lines})
	})
}
