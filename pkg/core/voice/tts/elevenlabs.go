package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

// multi-stream-input supports per-message context_id; one spoken reply maps to
// one ElevenLabs context.
const defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/multi-stream-input"

type ElevenLabsProvider struct {
	apiKey  string
	baseURL string
}

func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, baseURL: defaultElevenLabsWSBase}
}

func NewElevenLabsWithURL(apiKey, baseURL string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, baseURL: baseURL}
}

func (e *ElevenLabsProvider) Name() string { return "elevenlabs" }

func (e *ElevenLabsProvider) NewSession(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(e.apiKey) == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return nil, errors.New("elevenlabs voice id is required")
	}
	cfg = cfg.withDefaults()
	wsURL, err := buildElevenLabsWSURL(e.baseURL, cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(e.apiKey))

	format := Format{Encoding: "linear16", SampleRate: cfg.SampleRate}
	return newStreamSession(ctx, socket.Dialer(wsURL, header, cfg.HandshakeTimeout), &elevenLabsCodec{}, format, cfg), nil
}

func buildElevenLabsWSURL(base string, cfg Config) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultElevenLabsWSBase
	}
	voiceID := strings.TrimSpace(cfg.Voice)
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		model := cfg.Model
		if model == "" {
			model = "eleven_flash_v2_5"
		}
		q.Set("model_id", model)
	}
	if q.Get("output_format") == "" {
		q.Set("output_format", "pcm_"+strconv.Itoa(cfg.SampleRate))
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "60")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type elevenLabsCodec struct {
	contextID string
}

func (c *elevenLabsCodec) speak(text string) ([]socket.Frame, error) {
	var msgs []map[string]any
	if c.contextID == "" {
		c.contextID = uuid.NewString()
		msgs = append(msgs, map[string]any{"text": " ", "context_id": c.contextID})
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	msgs = append(msgs, map[string]any{"text": text, "context_id": c.contextID})
	return encodeAll(msgs)
}

func (c *elevenLabsCodec) flush() ([]socket.Frame, error) {
	if c.contextID == "" {
		return nil, nil
	}
	id := c.contextID
	c.contextID = ""
	return encodeAll([]map[string]any{
		{"text": "", "context_id": id, "flush": true},
		{"context_id": id, "close_context": true},
	})
}

func encodeAll(msgs []map[string]any) ([]socket.Frame, error) {
	out := make([]socket.Frame, 0, len(msgs))
	for _, m := range msgs {
		f, err := socket.JSON(m)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

type elevenLabsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *elevenLabsCodec) decode(f socket.Frame) ([]Event, string, error) {
	var msg elevenLabsMessage
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return nil, "unparseable frame", nil
	}
	if msg.Error != "" {
		return nil, "", fmt.Errorf("elevenlabs error: %s", msg.Error)
	}
	var events []Event
	if msg.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, "", fmt.Errorf("decode elevenlabs audio: %w", err)
		}
		events = append(events, Event{Kind: EventAudio, Audio: audio})
	}
	if msg.IsFinal {
		events = append(events, Event{Kind: EventFlushed})
	}
	if len(events) == 0 {
		return nil, msg.Message, nil
	}
	return events, "", nil
}
