package signaling

import (
	"context"
	"net/url"
	"strings"

	"github.com/petervdpas/parley/internal/proto"
)

// TransportKind names a wire transport.
type TransportKind string

const (
	// TransportWebSocket is the preferred transport set.
	TransportWebSocket TransportKind = "websocket"
	// TransportPolling is HTTP long-polling, the reliable-only fallback.
	TransportPolling TransportKind = "polling"
)

// alternate returns the other transport, used for the final attempt.
func (k TransportKind) alternate() TransportKind {
	if k == TransportPolling {
		return TransportWebSocket
	}
	return TransportPolling
}

// Conn is one live transport session to the coordination server.
// Send is safe for concurrent use; Recv is called from a single goroutine.
type Conn interface {
	Kind() TransportKind
	Send(env proto.Envelope) error
	Recv() (proto.Envelope, error)
	// Ping verifies the session is still alive end to end.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Conn of one transport kind.
type Dialer interface {
	Dial(ctx context.Context, server *url.URL, path, credential string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, server *url.URL, path, credential string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, server *url.URL, path, credential string) (Conn, error) {
	return f(ctx, server, path, credential)
}

// endpoint joins the server base URL with path, switching to scheme when set.
func endpoint(server *url.URL, path, scheme string) *url.URL {
	u := *server
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	if scheme != "" {
		u.Scheme = scheme
	}
	return &u
}
