package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-voice/pkg/core/generation"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/handlers"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/session"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/store"
)

// Deps are the long-lived collaborators shared by every voice session.
type Deps struct {
	STT        stt.Provider
	TTS        tts.Provider
	Generator  generation.Streamer
	Store      store.Store
	Background session.Background
	Sessions   *sessions.Tracker
	Lifecycle  *lifecycle.Lifecycle
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	mux      *http.ServeMux
	verifier *auth.Verifier
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		mux:      http.NewServeMux(),
		verifier: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.deps.Lifecycle,
		Sessions:  s.deps.Sessions,
	})

	s.mux.Handle("/v1/voice", mw.Auth(s.cfg, s.verifier, handlers.VoiceHandler{
		Config:     s.cfg,
		STT:        s.deps.STT,
		TTS:        s.deps.TTS,
		Generator:  s.deps.Generator,
		Store:      s.deps.Store,
		Background: s.deps.Background,
		Sessions:   s.deps.Sessions,
		Lifecycle:  s.deps.Lifecycle,
		Logger:     s.logger,
	}))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
