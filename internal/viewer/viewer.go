// Package viewer serves the local control API: call actions, live call
// events, the contact list, call history and the log tail.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/translate"
	"github.com/petervdpas/parley/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Calls       routes.Calls
	Contacts    routes.Contacts
	History     routes.History
	Logs        *LogBuffer
	Events      *routes.Events
	Language    func() string
	Transcripts func() []translate.Transcript
	Health      func() map[string]any
}

// Handler builds the API mux.
func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Calls:       v.Calls,
		Contacts:    v.Contacts,
		History:     v.History,
		Events:      v.Events,
		Language:    v.Language,
		Transcripts: v.Transcripts,
		Health:      v.Health,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Infof("control API on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
