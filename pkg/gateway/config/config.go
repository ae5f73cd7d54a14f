package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	// Voice sessions need a user identity. In disabled mode the user id is
	// taken from the user_id query parameter (local development only).
	AuthMode     AuthMode
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	CORSOrigins  map[string]struct{} // empty => same-origin websocket upgrades only
	MaxBodyBytes int64

	// Persistence
	DatabaseDriver string // postgres|sqlite
	DatabaseURL    string

	// Upstream providers
	STTProvider   string // deepgram|cartesia
	STTAPIKey     string
	STTModel      string
	STTLanguage   string
	STTSampleRate int

	TTSProvider   string // deepgram|cartesia|elevenlabs
	TTSAPIKey     string
	TTSVoice      string
	TTSModel      string
	TTSSampleRate int

	LLMProvider    string // openai|gemini
	LLMAPIKey      string
	LLMModel       string
	LLMBaseURL     string
	LLMTemperature float64
	LLMMaxTokens   int

	Persona         string
	MaxContextTurns int

	// Live voice orchestration
	TurnDebounce          time.Duration
	KeepaliveInterval     time.Duration
	KeepaliveFrameBytes   int
	SpeakMinChars         int
	DisplayLead           time.Duration
	DisplayWordInterval   time.Duration
	TTSFlushTimeout       time.Duration
	UpstreamWriteTimeout  time.Duration
	UpstreamDialTimeout   time.Duration
	MaxAudioFrameBytes    int
	MaxAudioFPS           int
	MaxAudioBytesPerSec   int64
	InboundBurstSeconds   int
	WSPingInterval        time.Duration
	WSWriteTimeout        time.Duration
	WSMaxSessionDuration  time.Duration
	WSMaxSessionsPerUser  int
	TurnTimeout           time.Duration
	PersistTimeout        time.Duration
	TitleTimeout          time.Duration
	SummaryTimeout        time.Duration
	BackgroundDrainPeriod time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("VAI_VOICE_ADDR", ":8080"),
		AuthMode:              AuthMode(envOr("VAI_VOICE_AUTH_MODE", string(AuthModeRequired))),
		JWTSecret:             envOr("VAI_VOICE_JWT_SECRET", ""),
		JWTIssuer:             envOr("VAI_VOICE_JWT_ISSUER", ""),
		JWTAudience:           envOr("VAI_VOICE_JWT_AUDIENCE", ""),
		CORSOrigins:           make(map[string]struct{}),
		MaxBodyBytes:          envInt64Or("VAI_VOICE_MAX_BODY_BYTES", 1<<20),
		DatabaseDriver:        envOr("VAI_VOICE_DATABASE_DRIVER", "sqlite"),
		DatabaseURL:           envOr("VAI_VOICE_DATABASE_URL", "vai-voice.sqlite"),
		STTProvider:           envOr("VAI_VOICE_STT_PROVIDER", "deepgram"),
		STTAPIKey:             envOr("VAI_VOICE_STT_API_KEY", ""),
		STTModel:              envOr("VAI_VOICE_STT_MODEL", ""),
		STTLanguage:           envOr("VAI_VOICE_STT_LANGUAGE", "en"),
		STTSampleRate:         envIntOr("VAI_VOICE_STT_SAMPLE_RATE", 16000),
		TTSProvider:           envOr("VAI_VOICE_TTS_PROVIDER", "deepgram"),
		TTSAPIKey:             envOr("VAI_VOICE_TTS_API_KEY", ""),
		TTSVoice:              envOr("VAI_VOICE_TTS_VOICE", ""),
		TTSModel:              envOr("VAI_VOICE_TTS_MODEL", ""),
		TTSSampleRate:         envIntOr("VAI_VOICE_TTS_SAMPLE_RATE", 24000),
		LLMProvider:           envOr("VAI_VOICE_LLM_PROVIDER", "openai"),
		LLMAPIKey:             envOr("VAI_VOICE_LLM_API_KEY", ""),
		LLMModel:              envOr("VAI_VOICE_LLM_MODEL", ""),
		LLMBaseURL:            envOr("VAI_VOICE_LLM_BASE_URL", ""),
		LLMTemperature:        envFloat64Or("VAI_VOICE_LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:          envIntOr("VAI_VOICE_LLM_MAX_TOKENS", 400),
		Persona:               envOr("VAI_VOICE_PERSONA", ""),
		MaxContextTurns:       envIntOr("VAI_VOICE_MAX_CONTEXT_TURNS", 8),
		TurnDebounce:          envDurationOr("VAI_VOICE_TURN_DEBOUNCE", 2500*time.Millisecond),
		KeepaliveInterval:     envDurationOr("VAI_VOICE_KEEPALIVE_INTERVAL", 300*time.Millisecond),
		KeepaliveFrameBytes:   envIntOr("VAI_VOICE_KEEPALIVE_FRAME_BYTES", 3200),
		SpeakMinChars:         envIntOr("VAI_VOICE_SPEAK_MIN_CHARS", 40),
		DisplayLead:           envDurationOr("VAI_VOICE_DISPLAY_LEAD", 300*time.Millisecond),
		DisplayWordInterval:   envDurationOr("VAI_VOICE_DISPLAY_WORD_INTERVAL", 60*time.Millisecond),
		TTSFlushTimeout:       envDurationOr("VAI_VOICE_TTS_FLUSH_TIMEOUT", 15*time.Second),
		UpstreamWriteTimeout:  envDurationOr("VAI_VOICE_UPSTREAM_WRITE_TIMEOUT", 5*time.Second),
		UpstreamDialTimeout:   envDurationOr("VAI_VOICE_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		MaxAudioFrameBytes:    envIntOr("VAI_VOICE_MAX_AUDIO_FRAME_BYTES", 32*1024),
		MaxAudioFPS:           envIntOr("VAI_VOICE_MAX_AUDIO_FPS", 100),
		MaxAudioBytesPerSec:   envInt64Or("VAI_VOICE_MAX_AUDIO_BPS", 128*1024),
		InboundBurstSeconds:   envIntOr("VAI_VOICE_INBOUND_BURST_SECONDS", 2),
		WSPingInterval:        envDurationOr("VAI_VOICE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:        envDurationOr("VAI_VOICE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxSessionDuration:  envDurationOr("VAI_VOICE_WS_MAX_DURATION", time.Hour),
		WSMaxSessionsPerUser:  envIntOr("VAI_VOICE_WS_MAX_SESSIONS_PER_USER", 2),
		TurnTimeout:           envDurationOr("VAI_VOICE_TURN_TIMEOUT", 60*time.Second),
		PersistTimeout:        envDurationOr("VAI_VOICE_PERSIST_TIMEOUT", 10*time.Second),
		TitleTimeout:          envDurationOr("VAI_VOICE_TITLE_TIMEOUT", 15*time.Second),
		SummaryTimeout:        envDurationOr("VAI_VOICE_SUMMARY_TIMEOUT", 30*time.Second),
		BackgroundDrainPeriod: envDurationOr("VAI_VOICE_BACKGROUND_DRAIN_PERIOD", 20*time.Second),
		ReadHeaderTimeout:     envDurationOr("VAI_VOICE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("VAI_VOICE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VAI_VOICE_CORS_ORIGINS")) {
		cfg.CORSOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting using its env var name.
func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired:
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return fmt.Errorf("VAI_VOICE_JWT_SECRET must be set when VAI_VOICE_AUTH_MODE=required")
		}
	case AuthModeDisabled:
	default:
		return fmt.Errorf("VAI_VOICE_AUTH_MODE must be one of required|disabled")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("VAI_VOICE_DATABASE_DRIVER must be one of postgres|sqlite")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("VAI_VOICE_DATABASE_URL must not be empty")
	}

	switch cfg.STTProvider {
	case "deepgram", "cartesia":
	default:
		return fmt.Errorf("VAI_VOICE_STT_PROVIDER must be one of deepgram|cartesia")
	}
	switch cfg.TTSProvider {
	case "deepgram", "cartesia":
	case "elevenlabs":
		if strings.TrimSpace(cfg.TTSVoice) == "" {
			return fmt.Errorf("VAI_VOICE_TTS_VOICE must be set when VAI_VOICE_TTS_PROVIDER=elevenlabs")
		}
	default:
		return fmt.Errorf("VAI_VOICE_TTS_PROVIDER must be one of deepgram|cartesia|elevenlabs")
	}
	switch cfg.LLMProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("VAI_VOICE_LLM_PROVIDER must be one of openai|gemini")
	}

	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("VAI_VOICE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.STTSampleRate <= 0 {
		return fmt.Errorf("VAI_VOICE_STT_SAMPLE_RATE must be > 0")
	}
	if cfg.TTSSampleRate <= 0 {
		return fmt.Errorf("VAI_VOICE_TTS_SAMPLE_RATE must be > 0")
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		return fmt.Errorf("VAI_VOICE_LLM_TEMPERATURE must be between 0 and 2")
	}
	if cfg.LLMMaxTokens <= 0 {
		return fmt.Errorf("VAI_VOICE_LLM_MAX_TOKENS must be > 0")
	}
	if cfg.MaxContextTurns < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_CONTEXT_TURNS must be >= 0")
	}
	if cfg.TurnDebounce <= 0 {
		return fmt.Errorf("VAI_VOICE_TURN_DEBOUNCE must be > 0")
	}
	if cfg.KeepaliveInterval <= 0 {
		return fmt.Errorf("VAI_VOICE_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.KeepaliveFrameBytes <= 0 || cfg.KeepaliveFrameBytes%2 != 0 {
		return fmt.Errorf("VAI_VOICE_KEEPALIVE_FRAME_BYTES must be a positive even number")
	}
	if cfg.SpeakMinChars <= 0 {
		return fmt.Errorf("VAI_VOICE_SPEAK_MIN_CHARS must be > 0")
	}
	if cfg.DisplayLead < 0 {
		return fmt.Errorf("VAI_VOICE_DISPLAY_LEAD must be >= 0")
	}
	if cfg.DisplayWordInterval < 0 {
		return fmt.Errorf("VAI_VOICE_DISPLAY_WORD_INTERVAL must be >= 0")
	}
	if cfg.TTSFlushTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_TTS_FLUSH_TIMEOUT must be > 0")
	}
	if cfg.UpstreamWriteTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_UPSTREAM_WRITE_TIMEOUT must be > 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("VAI_VOICE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSec < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSec > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("VAI_VOICE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxSessionsPerUser <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_MAX_SESSIONS_PER_USER must be > 0")
	}
	if cfg.TurnTimeout < 0 {
		return fmt.Errorf("VAI_VOICE_TURN_TIMEOUT must be >= 0")
	}
	if cfg.PersistTimeout <= 0 || cfg.TitleTimeout <= 0 || cfg.SummaryTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_PERSIST_TIMEOUT, VAI_VOICE_TITLE_TIMEOUT and VAI_VOICE_SUMMARY_TIMEOUT must be > 0")
	}
	if cfg.BackgroundDrainPeriod <= 0 {
		return fmt.Errorf("VAI_VOICE_BACKGROUND_DRAIN_PERIOD must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_VOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
