package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-voice/pkg/core/generation"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/apierror"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/session"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/store"
)

// VoiceHandler upgrades /v1/voice to a websocket and runs one voice session
// on it. Authentication happens in middleware before the upgrade.
type VoiceHandler struct {
	Config     config.Config
	STT        stt.Provider
	TTS        tts.Provider
	Generator  generation.Streamer
	Store      store.Store
	Background session.Background
	Sessions   *sessions.Tracker
	Lifecycle  *lifecycle.Lifecycle
	Logger     *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.TypeUnavailable, Message: "server is draining", Code: "draining", RequestID: reqID})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, &apierror.Error{Type: apierror.TypeAuthentication, Message: "missing user identity", RequestID: reqID})
		return
	}

	sessionID := "vs_" + uuid.NewString()
	ref := &sessionRef{}
	unregister := func() {}
	if h.Sessions != nil {
		var err error
		unregister, err = h.Sessions.Register(sessionID, h.Config.WSMaxSessionsPerUser, sessions.Handle{
			UserID: p.UserID,
			Cancel: ref.cancel,
			Warn:   ref.warn,
		})
		if errors.Is(err, sessions.ErrUserLimit) {
			apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{Type: apierror.TypeRateLimit, Message: "too many active voice sessions", Code: "session_limit", RequestID: reqID})
			return
		}
		if err != nil {
			ae, status := apierror.FromError(err, reqID)
			apierror.Write(w, status, ae)
			return
		}
	}
	defer unregister()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger = logger.With("request_id", reqID)
	s, err := session.New(session.Deps{
		Conn:       conn,
		STT:        h.STT,
		STTConfig:  STTConfig(h.Config),
		TTS:        h.TTS,
		TTSConfig:  TTSConfig(h.Config),
		Generator:  h.Generator,
		Store:      h.Store,
		Background: h.Background,
		Config:     SessionConfig(h.Config),
		Logger:     logger,
		SessionID:  sessionID,
	})
	if err != nil {
		logger.Error("voice session init failed", "session_id", sessionID, "error", err)
		_ = conn.Close()
		return
	}
	ref.set(s)
	// A drain that began between the check above and registration still
	// reaches this session.
	if h.Lifecycle.IsDraining() {
		s.Cancel()
	}

	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if err := s.Run(r.Context(), p.UserID, conversationID); err != nil {
		logger.Warn("voice session ended with error", "session_id", sessionID, "error", err)
	}
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.Config.CORSOrigins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// SessionConfig maps server configuration onto one voice session.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Debounce:            cfg.TurnDebounce,
		KeepaliveInterval:   cfg.KeepaliveInterval,
		KeepaliveFrameBytes: cfg.KeepaliveFrameBytes,
		SpeakMinChars:       cfg.SpeakMinChars,
		DisplayLead:         cfg.DisplayLead,
		DisplayWordInterval: cfg.DisplayWordInterval,
		TTSFlushTimeout:     cfg.TTSFlushTimeout,
		TurnTimeout:         cfg.TurnTimeout,
		MaxSessionDuration:  cfg.WSMaxSessionDuration,
		Persona:             cfg.Persona,
		Model:               cfg.LLMModel,
		Temperature:         cfg.LLMTemperature,
		MaxTokens:           cfg.LLMMaxTokens,
		MaxContextTurns:     cfg.MaxContextTurns,
		MaxAudioFrameBytes:  cfg.MaxAudioFrameBytes,
		MaxAudioFPS:         cfg.MaxAudioFPS,
		MaxAudioBytesPerSec: cfg.MaxAudioBytesPerSec,
		InboundBurstSeconds: cfg.InboundBurstSeconds,
		PingInterval:        cfg.WSPingInterval,
		WriteTimeout:        cfg.WSWriteTimeout,
	}
}

func STTConfig(cfg config.Config) stt.Config {
	return stt.Config{
		Model:            cfg.STTModel,
		Language:         cfg.STTLanguage,
		SampleRate:       cfg.STTSampleRate,
		WriteTimeout:     cfg.UpstreamWriteTimeout,
		HandshakeTimeout: cfg.UpstreamDialTimeout,
	}
}

func TTSConfig(cfg config.Config) tts.Config {
	return tts.Config{
		Voice:            cfg.TTSVoice,
		Model:            cfg.TTSModel,
		SampleRate:       cfg.TTSSampleRate,
		WriteTimeout:     cfg.UpstreamWriteTimeout,
		HandshakeTimeout: cfg.UpstreamDialTimeout,
	}
}

var errSessionNotStarted = errors.New("voice session not started")

// sessionRef lets the tracker reach a session that is registered before the
// websocket upgrade creates it.
type sessionRef struct {
	mu       sync.Mutex
	s        *session.Session
	canceled bool
}

func (r *sessionRef) set(s *session.Session) {
	r.mu.Lock()
	r.s = s
	canceled := r.canceled
	r.mu.Unlock()
	if canceled {
		s.Cancel()
	}
}

func (r *sessionRef) cancel() {
	r.mu.Lock()
	r.canceled = true
	s := r.s
	r.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

func (r *sessionRef) warn(code, message string) error {
	r.mu.Lock()
	s := r.s
	r.mu.Unlock()
	if s == nil {
		return errSessionNotStarted
	}
	return s.Warn(code, message)
}
