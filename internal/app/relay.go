package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/petervdpas/parley/internal/audio"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/signaling"
)

// NewRelay builds the development coordination server: signaling relay,
// directory and login on one mux, with a loopback translator.
func NewRelay(cfg config.Config) (*signaling.Relay, *directory.Server) {
	dir := directory.NewServer(cfg.Relay.Users, nil)
	relay := signaling.NewRelay(cfg.Signaling.Path, dir.ResolveToken,
		signaling.WithProfiles(dir.Profile),
		signaling.WithTranslator(loopbackTranslator{}),
		signaling.WithRoutes(dir.Register),
	)
	dir.SetPresence(relay.Presence)
	return relay, dir
}

// RunRelay serves the development coordination server until ctx is done.
func RunRelay(ctx context.Context, cfg config.Config) error {
	applyLogLevels(cfg.Log)
	if len(cfg.Relay.Users) == 0 {
		log.Warnf("relay has no users configured; nobody can sign in")
	}
	relay, _ := NewRelay(cfg)
	return relay.Serve(ctx, cfg.Relay.Bind)
}

// loopbackTranslator stands in for a translation backend: it returns the
// captured audio unchanged and labels the transcript with the language pair.
type loopbackTranslator struct{}

func (loopbackTranslator) Translate(_ context.Context, req *proto.TranslateAudio, remote bool) (*proto.TranslatedAudio, error) {
	raw, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	f, data, _, err := audio.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse audio: %w", err)
	}
	took := f.Duration(len(data)).Round(time.Millisecond)
	side := "local"
	if remote {
		side = "remote"
	}
	return &proto.TranslatedAudio{
		Text: proto.TranscriptText{
			Original:   fmt.Sprintf("[%s speech, %s]", side, took),
			Translated: fmt.Sprintf("[%s→%s, %s]", req.SourceLanguage, req.TargetLanguage, took),
		},
		Audio: req.Audio,
	}, nil
}
