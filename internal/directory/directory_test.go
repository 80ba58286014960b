package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sethvargo/go-retry"

	"github.com/petervdpas/parley/internal/config"
)

var testUsers = []config.RelayUser{
	{ID: "alice", Name: "Alice", Email: "alice@example.com", Password: "pw-a", Token: "tok-alice", PreferredLanguage: "en"},
	{ID: "bob", Name: "Bob", Email: "bob@example.com", Password: "pw-b", Token: "tok-bob", PreferredLanguage: "es"},
	{ID: "carol", Name: "Carol", Email: "carol@example.com", Password: "pw-c", Token: "tok-carol", PreferredLanguage: "fr"},
}

func testServer(t *testing.T, presence map[string]string) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(testUsers, func(id string) string {
		if st, ok := presence[id]; ok {
			return st
		}
		return StatusOffline
	})
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestLoginAndMe(t *testing.T) {
	_, srv := testServer(t, map[string]string{"alice": StatusOnline})
	c := NewClient(srv.URL+"/", "")
	ctx := context.Background()

	if _, err := c.Me(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Me without token: err = %v", err)
	}
	if _, err := c.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad password: err = %v", err)
	}
	res, err := c.Login(ctx, "Alice@Example.com", "pw-a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Token != "tok-alice" || c.Token() != "tok-alice" {
		t.Fatalf("token = %q / %q", res.Token, c.Token())
	}
	me, err := c.Me(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if me.ID != "alice" || me.PreferredLanguage != "en" || !me.Online() {
		t.Fatalf("me = %+v", me)
	}
}

func TestUsersExcludeSelfAndCarryPresence(t *testing.T) {
	_, srv := testServer(t, map[string]string{"bob": StatusBusy, "carol": StatusOnline})
	c := NewClient(srv.URL, "tok-alice")

	users, err := c.Users(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users", len(users))
	}
	want := map[string]string{"bob": StatusBusy, "carol": StatusOnline}
	for _, u := range users {
		if u.ID == "alice" {
			t.Fatal("self listed")
		}
		if u.Status != want[u.ID] {
			t.Errorf("%s status = %s, want %s", u.ID, u.Status, want[u.ID])
		}
		if u.Email != "" {
			t.Errorf("%s email leaked", u.ID)
		}
	}

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Users != 3 || h.Online != 2 {
		t.Fatalf("health = %+v", h)
	}
}

func TestServerResolvesTokensAndProfiles(t *testing.T) {
	s, _ := testServer(t, nil)
	if id, ok := s.ResolveToken("tok-bob"); !ok || id != "bob" {
		t.Fatalf("ResolveToken = %q, %v", id, ok)
	}
	if _, ok := s.ResolveToken(""); ok {
		t.Fatal("empty token resolved")
	}
	p, ok := s.Profile("carol")
	if !ok || p.PreferredLanguage != "fr" || p.Status != StatusOffline {
		t.Fatalf("profile = %+v, %v", p, ok)
	}
	if _, ok := s.Profile("zed"); ok {
		t.Fatal("unknown profile found")
	}
}

func TestGatewayTimeoutRetriedOnce(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		wantCalls int32
		wantErr   bool
	}{
		{"recovers", 1, 2, false},
		{"gives up", 5, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) <= tt.failures {
					w.WriteHeader(http.StatusGatewayTimeout)
					return
				}
				w.Write([]byte(`{"status":"ok"}`))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok")
			c.Backoff = func() retry.Backoff {
				return retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
			}
			_, err := c.Health(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestContactsRefreshOnTick(t *testing.T) {
	presence := map[string]string{"bob": StatusOffline}
	var online atomic.Bool
	s := NewServer(testUsers, func(id string) string {
		if id == "bob" && online.Load() {
			return StatusOnline
		}
		return presence[id]
	})
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mock := clock.NewMock()
	book := NewContacts(NewClient(srv.URL, "tok-alice"), 10*time.Second, mock)
	changes := make(chan []User, 4)
	book.OnChange(func(u []User) { changes <- u })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go book.Run(ctx)

	select {
	case list := <-changes:
		if len(list) != 2 || list[0].ID != "bob" {
			t.Fatalf("first list = %+v", list)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no initial refresh")
	}

	online.Store(true)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mock.Add(10 * time.Second)
		select {
		case <-changes:
			if u, ok := book.Lookup("bob"); !ok || !u.Online() {
				t.Fatalf("bob = %+v", u)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("presence change never observed")
}

func TestContactsStopOnUnauthorized(t *testing.T) {
	_, srv := testServer(t, nil)
	book := NewContacts(NewClient(srv.URL, "stale"), time.Second, clock.NewMock())
	if err := book.Run(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}
