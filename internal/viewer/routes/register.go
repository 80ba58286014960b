package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/translate"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the call controller surface used by the API.
type Calls interface {
	Session() call.Snapshot
	StartCall(ctx context.Context, target proto.Participant, kind proto.CallKind, language string) (call.Snapshot, error)
	AnswerCall(ctx context.Context, language string) (call.Snapshot, error)
	DeclineCall() error
	EndCall() error
	ToggleMute() (bool, error)
	ToggleCamera() (bool, error)
}

type Contacts interface {
	List() []directory.User
	Lookup(id string) (directory.User, bool)
}

type History interface {
	ListCalls(limit int) ([]storage.CallRecord, error)
	GetCall(id string) (storage.CallRecord, bool, error)
	Transcript(callID string) ([]storage.TranscriptLine, error)
}

type Deps struct {
	Calls    Calls
	Contacts Contacts
	History  History // optional
	Logs     Logs
	Events   *Events

	// Language returns the preferred translation language.
	Language func() string
	// Transcripts returns the live transcript of the current call.
	Transcripts func() []translate.Transcript
	// Health reports component status for /api/health.
	Health func() map[string]any
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerHealthRoutes(mux, d)
	registerContactRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerHistoryRoutes(mux, d)
}

func registerHealthRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/health", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"status": "ok"}
		if d.Health != nil {
			for k, v := range d.Health() {
				out[k] = v
			}
		}
		writeJSON(w, out)
	})
}

func registerContactRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/contacts", func(w http.ResponseWriter, r *http.Request) {
		if d.Contacts == nil {
			writeJSON(w, []directory.User{})
			return
		}
		list := d.Contacts.List()
		if list == nil {
			list = []directory.User{}
		}
		writeJSON(w, list)
	})
}
