package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCallLifecycleKeepsTimestamps(t *testing.T) {
	db := openTestDB(t)
	start := time.UnixMilli(1700000000000)

	rec := CallRecord{
		ID: "c1", Kind: "video", Caller: true, PeerID: "bob", PeerName: "Bob",
		LocalLanguage: "en", RemoteLanguage: "unknown", State: "offering", StartedAt: start,
	}
	if err := db.SaveCall(rec); err != nil {
		t.Fatal(err)
	}
	rec.State, rec.RemoteLanguage, rec.AnsweredAt = "active", "es", start.Add(2*time.Second)
	if err := db.SaveCall(rec); err != nil {
		t.Fatal(err)
	}
	// A later save without the answer time must not clear it.
	rec.AnsweredAt = time.Time{}
	rec.State, rec.EndedAt, rec.EndReason = "ended", start.Add(62*time.Second), "hung up"
	rec.PeerName = ""
	if err := db.SaveCall(rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.GetCall("c1")
	if err != nil || !ok {
		t.Fatalf("GetCall: %v, %v", ok, err)
	}
	if got.State != "ended" || got.RemoteLanguage != "es" || got.PeerName != "Bob" || !got.Caller {
		t.Fatalf("record = %+v", got)
	}
	if got.Duration() != time.Minute {
		t.Fatalf("duration = %s", got.Duration())
	}
	if _, ok, _ := db.GetCall("missing"); ok {
		t.Fatal("missing call found")
	}
}

func TestListCallsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	base := time.UnixMilli(1700000000000)
	for i, id := range []string{"a", "b", "c"} {
		if err := db.SaveCall(CallRecord{ID: id, Kind: "audio", PeerID: "bob", State: "ended", StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	calls, err := db.ListCalls(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0].ID != "c" || calls[1].ID != "b" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestTranscriptMergesAndCascades(t *testing.T) {
	db := openTestDB(t)
	at := time.UnixMilli(1700000003000)
	if err := db.SaveCall(CallRecord{ID: "c1", Kind: "audio", PeerID: "bob", State: "active", StartedAt: at}); err != nil {
		t.Fatal(err)
	}

	lines := []TranscriptLine{
		{CallID: "c1", RequestID: "local-1", Direction: "local", Translated: "hola", At: at},
		{CallID: "c1", RequestID: "local-1", Direction: "local", Original: "hello", At: at},
		{CallID: "c1", RequestID: "remote-2", Direction: "remote", Original: "adios", Translated: "bye", At: at.Add(time.Second)},
	}
	for _, l := range lines {
		if err := db.SaveTranscript(l); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.Transcript("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d lines", len(got))
	}
	if got[0].Original != "hello" || got[0].Translated != "hola" {
		t.Fatalf("merged line = %+v", got[0])
	}

	if err := db.SaveTranscript(TranscriptLine{CallID: "nope", RequestID: "x", Direction: "local", At: at}); err == nil {
		t.Fatal("line for unknown call accepted")
	}
	if err := db.DeleteCall("c1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.Transcript("c1"); len(got) != 0 {
		t.Fatalf("transcript survived delete: %+v", got)
	}
}

func TestContactCache(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertContact(CachedContact{UserID: "bob", Name: "Bob", Avatar: "b.png"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertContact(CachedContact{UserID: "bob", Name: "Bobby", PreferredLanguage: "es"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertContact(CachedContact{UserID: "al", Name: "Al"}); err != nil {
		t.Fatal(err)
	}
	got, err := db.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].UserID != "al" {
		t.Fatalf("contacts = %+v", got)
	}
	if b := got[1]; b.Name != "Bobby" || b.PreferredLanguage != "es" || b.Avatar != "b.png" || b.LastSeen.IsZero() {
		t.Fatalf("bob = %+v", b)
	}
}
