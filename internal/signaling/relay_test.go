package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/parley/internal/proto"
)

type echoTranslator struct {
	fail bool
}

func (e echoTranslator) Translate(_ context.Context, req *proto.TranslateAudio, remote bool) (*proto.TranslatedAudio, error) {
	if e.fail {
		return nil, errors.New("backend unavailable")
	}
	text := req.SourceLanguage + "->" + req.TargetLanguage
	if remote {
		text = "remote:" + text
	}
	return &proto.TranslatedAudio{Text: proto.TranscriptText{Original: "hola", Translated: text}}, nil
}

func connectPair(t *testing.T, relay *Relay, url string) (*Channel, *recorder, *Channel, *recorder) {
	t.Helper()
	events := []string{
		proto.EventConnect, proto.EventIncomingCall, proto.EventCallDeclined, proto.EventCallEnded,
		proto.EventParticipantInfo, proto.EventTranslatedAudio, proto.EventError,
	}
	alice, _ := New(testOptions(url))
	bob, _ := New(testOptions(url))
	ra, rb := record(alice, events...), record(bob, events...)
	alice.Initialize("tok-alice")
	bob.Initialize("tok-bob")
	t.Cleanup(func() { alice.Close(); bob.Close() })
	ra.waitFor(t, proto.EventConnect)
	rb.waitFor(t, proto.EventConnect)
	waitRegistered(t, relay, "alice", "bob")
	return alice, ra, bob, rb
}

func offerTo(target string) *proto.Offer {
	return &proto.Offer{
		TargetID: target,
		Offer:    proto.SessionDescription{Type: "offer", SDP: "v=0"},
		Kind:     proto.KindAudio,
	}
}

func TestRelayDeclinesOfferToOfflineUser(t *testing.T) {
	relay, srv := testRelay(t)
	alice, ra, _, _ := connectPair(t, relay, srv.URL)

	alice.Emit(proto.EventOffer, offerTo("carol"))
	ev := ra.waitFor(t, proto.EventCallDeclined)
	if from := ev.Payload.(*proto.CallSignal).From; from != "carol" {
		t.Fatalf("declined from %q, want carol", from)
	}
}

func TestRelayEndsCallWhenPartnerDrops(t *testing.T) {
	relay, srv := testRelay(t)
	alice, _, _, rb := connectPair(t, relay, srv.URL)

	alice.Emit(proto.EventOffer, offerTo("bob"))
	rb.waitFor(t, proto.EventIncomingCall)

	relay.Disconnect("alice")
	ev := rb.waitFor(t, proto.EventCallEnded)
	if from := ev.Payload.(*proto.CallSignal).From; from != "alice" {
		t.Fatalf("ended by %q", from)
	}
}

func TestRelayForwardsOnlyRestartOffersAsOffer(t *testing.T) {
	relay, srv := testRelay(t)
	alice, _, bob, rb := connectPair(t, relay, srv.URL)
	offers := record(bob, proto.EventOffer)

	alice.Emit(proto.EventOffer, offerTo("bob"))
	rb.waitFor(t, proto.EventIncomingCall)
	select {
	case e := <-offers.ch:
		t.Fatalf("initial offer reached callee as %s", e.Name)
	case <-time.After(100 * time.Millisecond):
	}

	restart := offerTo("bob")
	restart.Restart = true
	alice.Emit(proto.EventOffer, restart)
	got := offers.waitFor(t, proto.EventOffer).Payload.(*proto.Offer)
	if !got.Restart || got.From != "alice" {
		t.Fatalf("restart offer = %+v", got)
	}
}

func TestRelayParticipantInfo(t *testing.T) {
	relay, srv := testRelay(t, WithProfiles(func(id string) (proto.Participant, bool) {
		if id != "bob" {
			return proto.Participant{}, false
		}
		return proto.Participant{ID: "bob", Name: "Bob", PreferredLanguage: "es"}, true
	}))
	alice, ra, _, rb := connectPair(t, relay, srv.URL)

	// Without a call, the queried user is looked up.
	alice.Emit(proto.EventGetParticipantInfo, &proto.ParticipantQuery{UserID: "bob"})
	info := ra.waitFor(t, proto.EventParticipantInfo).Payload.(*proto.ParticipantInfo)
	if info.ParticipantInfo == nil || info.ParticipantInfo.PreferredLanguage != "es" {
		t.Fatalf("info = %+v", info.ParticipantInfo)
	}

	// An unknown user yields an empty answer rather than silence.
	alice.Emit(proto.EventGetParticipantInfo, &proto.ParticipantQuery{UserID: "zed"})
	if info := ra.waitFor(t, proto.EventParticipantInfo).Payload.(*proto.ParticipantInfo); info.ParticipantInfo != nil {
		t.Fatalf("unexpected profile %+v", info.ParticipantInfo)
	}

	// During a call, the partner wins over the queried id.
	alice.Emit(proto.EventOffer, offerTo("bob"))
	rb.waitFor(t, proto.EventIncomingCall)
	alice.Emit(proto.EventGetParticipantInfo, &proto.ParticipantQuery{UserID: "zed"})
	if info := ra.waitFor(t, proto.EventParticipantInfo).Payload.(*proto.ParticipantInfo); info.ParticipantInfo == nil || info.ParticipantInfo.ID != "bob" {
		t.Fatalf("info = %+v", info.ParticipantInfo)
	}
}

func TestRelayTranslatesAudio(t *testing.T) {
	relay, srv := testRelay(t, WithTranslator(echoTranslator{}))
	alice, ra, _, _ := connectPair(t, relay, srv.URL)

	alice.Emit(proto.EventTranslateRemoteAudio, &proto.TranslateAudio{
		Audio:          "UklGRg==",
		SourceLanguage: "es",
		TargetLanguage: "en",
		UserID:         "bob",
		SampleRate:     16000,
		Encoding:       "WAV",
		RequestID:      "remote-1700000000000",
	})
	got := ra.waitFor(t, proto.EventTranslatedAudio).Payload.(*proto.TranslatedAudio)
	if got.RequestID != "remote-1700000000000" {
		t.Fatalf("request id = %q", got.RequestID)
	}
	if got.Text.Translated != "remote:es->en" {
		t.Fatalf("translated = %q", got.Text.Translated)
	}
}

func TestRelayReportsTranslationFailure(t *testing.T) {
	relay, srv := testRelay(t, WithTranslator(echoTranslator{fail: true}))
	alice, ra, _, _ := connectPair(t, relay, srv.URL)

	alice.Emit(proto.EventTranslateAudio, &proto.TranslateAudio{
		Audio: "UklGRg==", SourceLanguage: "en", TargetLanguage: "es",
		UserID: "alice", SampleRate: 16000, Encoding: "WAV", RequestID: "local-1",
	})
	ev := ra.waitFor(t, proto.EventError)
	if e := ev.Payload.(*proto.ErrorPayload); e.Code != "translation_failed" || e.RequestID != "local-1" {
		t.Fatalf("error = %+v", e)
	}
}

func TestRelayPresence(t *testing.T) {
	relay, srv := testRelay(t)
	alice, _, _, rb := connectPair(t, relay, srv.URL)

	if got := relay.Presence("carol"); got != "offline" {
		t.Fatalf("carol = %s", got)
	}
	if got := relay.Presence("bob"); got != "online" {
		t.Fatalf("bob = %s", got)
	}

	alice.Emit(proto.EventOffer, offerTo("bob"))
	rb.waitFor(t, proto.EventIncomingCall)
	for _, id := range []string{"alice", "bob"} {
		if got := relay.Presence(id); got != "busy" {
			t.Fatalf("%s = %s", id, got)
		}
	}
}
