package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/viewer/routes"
)

type fakeCalls struct {
	mu       sync.Mutex
	snap     call.Snapshot
	target   proto.Participant
	language string
	err      error
	muted    bool
}

func (f *fakeCalls) Session() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCalls) StartCall(_ context.Context, target proto.Participant, kind proto.CallKind, language string) (call.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return call.Snapshot{}, f.err
	}
	f.target, f.language = target, language
	f.snap = call.Snapshot{ID: "s1", Kind: kind, Caller: true, Remote: target, State: call.Offering}
	return f.snap, nil
}

func (f *fakeCalls) AnswerCall(_ context.Context, language string) (call.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.State != call.Ringing {
		return call.Snapshot{}, call.ErrNoSession
	}
	f.language = language
	f.snap.State = call.Active
	return f.snap, nil
}

func (f *fakeCalls) DeclineCall() error { return call.ErrNoSession }
func (f *fakeCalls) EndCall() error     { return nil }

func (f *fakeCalls) ToggleMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeCalls) ToggleCamera() (bool, error) { return false, call.ErrNoSession }

type fakeContacts []directory.User

func (c fakeContacts) List() []directory.User { return c }

func (c fakeContacts) Lookup(id string) (directory.User, bool) {
	for _, u := range c {
		if u.ID == id {
			return u, true
		}
	}
	return directory.User{}, false
}

func testViewer(t *testing.T, calls *fakeCalls) (*httptest.Server, *routes.Events, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	events := routes.NewEvents()
	v := Viewer{
		Calls:    calls,
		Contacts: fakeContacts{{ID: "bob", Name: "Bob", PreferredLanguage: "es", Status: directory.StatusOnline}},
		History:  db,
		Logs:     NewLogBuffer(10),
		Events:   events,
		Language: func() string { return "fr" },
	}
	srv := httptest.NewServer(v.Handler())
	t.Cleanup(srv.Close)
	return srv, events, db
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartCallResolvesContact(t *testing.T) {
	calls := &fakeCalls{}
	srv, _, _ := testViewer(t, calls)

	resp := post(t, srv.URL+"/api/call/start", `{"target_id":"bob","kind":"video"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap call.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != call.Offering || snap.Kind != proto.KindVideo {
		t.Fatalf("snapshot = %+v", snap)
	}
	if calls.target.PreferredLanguage != "es" || calls.language != "fr" {
		t.Fatalf("target %+v, language %q", calls.target, calls.language)
	}
	if got := resp.Header.Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Fatalf("cache-control = %q", got)
	}
}

func TestCallErrorsMapToStatus(t *testing.T) {
	calls := &fakeCalls{}
	srv, _, _ := testViewer(t, calls)

	tests := []struct {
		name   string
		path   string
		body   string
		setup  func()
		status int
	}{
		{"unknown contact", "/api/call/start", `{"target_id":"zed"}`, nil, http.StatusNotFound},
		{"bad kind", "/api/call/start", `{"target_id":"bob","kind":"fax"}`, nil, http.StatusBadRequest},
		{"busy", "/api/call/start", `{"target_id":"bob"}`, func() { calls.err = call.ErrBusy }, http.StatusConflict},
		{"media", "/api/call/start", `{"target_id":"bob"}`, func() {
			calls.err = &call.MediaAccessError{Kind: call.MediaPermission}
		}, http.StatusFailedDependency},
		{"answer without ringing", "/api/call/answer", ``, nil, http.StatusNotFound},
		{"camera without call", "/api/call/toggle-video", ``, nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			resp := post(t, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/api/call/end")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET end status = %d", resp.StatusCode)
	}
}

func TestToggleAndState(t *testing.T) {
	calls := &fakeCalls{snap: call.Snapshot{ID: "s1", State: call.Active}}
	srv, _, _ := testViewer(t, calls)

	var out map[string]bool
	json.NewDecoder(post(t, srv.URL+"/api/call/toggle-audio", "").Body).Decode(&out)
	if !out["muted"] {
		t.Fatalf("toggle = %v", out)
	}

	resp, err := http.Get(srv.URL + "/api/call/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var state struct {
		Session     call.Snapshot `json:"session"`
		Transcripts []any         `json:"transcripts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.Session.State != call.Active || state.Transcripts == nil {
		t.Fatalf("state = %+v", state)
	}
}

func TestHistoryRoutes(t *testing.T) {
	srv, _, db := testViewer(t, &fakeCalls{})
	at := time.UnixMilli(1700000000000)
	if err := db.SaveCall(storage.CallRecord{ID: "c1", Kind: "audio", PeerID: "bob", State: "ended", StartedAt: at}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveTranscript(storage.TranscriptLine{CallID: "c1", RequestID: "local-1", Direction: "local", Translated: "hola", At: at}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/call/history?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	var list []storage.CallRecord
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 || list[0].ID != "c1" {
		t.Fatalf("history = %+v", list)
	}

	resp, err = http.Get(srv.URL + "/api/call/history/c1")
	if err != nil {
		t.Fatal(err)
	}
	var detail struct {
		Call       storage.CallRecord       `json:"call"`
		Transcript []storage.TranscriptLine `json:"transcript"`
	}
	json.NewDecoder(resp.Body).Decode(&detail)
	resp.Body.Close()
	if detail.Call.PeerID != "bob" || len(detail.Transcript) != 1 {
		t.Fatalf("detail = %+v", detail)
	}

	resp, err = http.Get(srv.URL + "/api/call/history/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing call status = %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	srv, events, _ := testViewer(t, &fakeCalls{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == "event: connected" {
			break
		}
	}
	events.Publish("incoming", map[string]string{"from": "bob"})
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"type":"incoming"`) {
			return
		}
	}
	t.Fatalf("incoming event not received: %v", sc.Err())
}

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(2)
	b.Write([]byte("first\nsec"))
	b.Write([]byte("ond\r\n\nthird\n"))
	got := b.Snapshot()
	if len(got) != 2 || got[0].Msg != "second" || got[1].Msg != "third" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestLogBufferParsesSubsystemLines(t *testing.T) {
	b := NewLogBuffer(10)
	b.Write([]byte("2026-10-17T09:30:00.123Z\tINFO\tcall\tcall/manager.go:412\tcall 1a2b3c4d: calling bob (audio)\n"))
	b.Write([]byte("2026-10-17T09:30:01.000Z\tWARN\tsignal\tsignaling/channel.go:90\tstability check: ping failed\n"))
	b.Write([]byte("plain line\n"))

	got := b.Snapshot()
	if len(got) != 3 {
		t.Fatalf("entries = %+v", got)
	}
	if e := got[0]; e.Level != "info" || e.Subsystem != "call" || e.Msg != "call 1a2b3c4d: calling bob (audio)" || e.TS.Second() != 0 {
		t.Fatalf("parsed = %+v", e)
	}
	if e := got[2]; e.Subsystem != "" || e.Msg != "plain line" {
		t.Fatalf("plain = %+v", e)
	}

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?subsystem=signal", nil))
	var filtered []LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&filtered); err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Level != "warn" {
		t.Fatalf("filtered = %+v", filtered)
	}
}
