package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/directory"
)

var log = logging.Logger("viewer")

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// handleGet registers fn for GET requests on pattern.
func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost registers fn for POST requests on pattern, decoding an optional
// JSON body into T.
func handlePost[T any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var req T
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
				http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// userMessager is implemented by every error kind shown to the user.
type userMessager interface {
	UserMessage() string
}

// writeError answers with a status derived from err and its user message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, directory.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	var media *call.MediaAccessError
	if errors.As(err, &media) {
		status = http.StatusFailedDependency
	}

	msg := err.Error()
	var um userMessager
	if errors.As(err, &um) {
		msg = um.UserMessage()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "detail": err.Error()})
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
