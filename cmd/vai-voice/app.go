package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v3/option"

	"github.com/vango-go/vai-voice/pkg/core/generation"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/background"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	gatewayserver "github.com/vango-go/vai-voice/pkg/gateway/server"
	"github.com/vango-go/vai-voice/pkg/store"
)

// app holds the process-wide collaborators the shutdown sequence drives.
type app struct {
	handler    http.Handler
	sessions   *sessions.Tracker
	lifecycle  *lifecycle.Lifecycle
	background *background.Coordinator
	store      store.Store
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	sttProvider, err := newSTTProvider(cfg)
	if err != nil {
		return nil, err
	}
	ttsProvider, err := newTTSProvider(cfg)
	if err != nil {
		return nil, err
	}
	gen, err := newGenerator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	coord := background.New(st, gen, background.Config{
		PersistTimeout: cfg.PersistTimeout,
		TitleTimeout:   cfg.TitleTimeout,
		SummaryTimeout: cfg.SummaryTimeout,
	}, logger)

	a := &app{
		sessions:   sessions.NewTracker(),
		lifecycle:  &lifecycle.Lifecycle{},
		background: coord,
		store:      st,
	}
	a.handler = gatewayserver.New(cfg, gatewayserver.Deps{
		STT:        sttProvider,
		TTS:        ttsProvider,
		Generator:  gen,
		Store:      st,
		Background: coord,
		Sessions:   a.sessions,
		Lifecycle:  a.lifecycle,
	}, logger).Handler()
	return a, nil
}

func (a *app) close(logger *slog.Logger) {
	if err := a.store.Close(); err != nil {
		logger.Warn("close store", "error", err)
	}
}

func newSTTProvider(cfg config.Config) (stt.Provider, error) {
	switch cfg.STTProvider {
	case "deepgram":
		return stt.NewDeepgram(cfg.STTAPIKey), nil
	case "cartesia":
		return stt.NewCartesia(cfg.STTAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.STTProvider)
	}
}

func newTTSProvider(cfg config.Config) (tts.Provider, error) {
	switch cfg.TTSProvider {
	case "deepgram":
		return tts.NewDeepgram(cfg.TTSAPIKey), nil
	case "cartesia":
		return tts.NewCartesia(cfg.TTSAPIKey), nil
	case "elevenlabs":
		return tts.NewElevenLabs(cfg.TTSAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}
}

func newGenerator(ctx context.Context, cfg config.Config) (generation.Streamer, error) {
	switch cfg.LLMProvider {
	case "openai":
		var opts []option.RequestOption
		if cfg.LLMAPIKey != "" {
			opts = append(opts, option.WithAPIKey(cfg.LLMAPIKey))
		}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
		}
		return generation.NewOpenAI(cfg.LLMModel, opts...), nil
	case "gemini":
		g, err := generation.NewGemini(ctx, cfg.LLMAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}
