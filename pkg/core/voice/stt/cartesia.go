package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

const (
	cartesiaSTTURL  = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
)

// CartesiaProvider streams audio to Cartesia's ink-whisper websocket.
type CartesiaProvider struct {
	apiKey  string
	baseURL string
}

func NewCartesia(apiKey string) *CartesiaProvider {
	return &CartesiaProvider{apiKey: apiKey, baseURL: cartesiaSTTURL}
}

func NewCartesiaWithURL(apiKey, baseURL string) *CartesiaProvider {
	return &CartesiaProvider{apiKey: apiKey, baseURL: baseURL}
}

func (c *CartesiaProvider) Name() string { return "cartesia" }

func (c *CartesiaProvider) NewSession(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, errors.New("cartesia api key is required")
	}
	cfg = cfg.withDefaults()
	wsURL, err := c.streamURL(cfg)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	return newStreamSession(ctx, socket.Dialer(wsURL, headers, cfg.HandshakeTimeout), decodeCartesia, cfg), nil
}

func (c *CartesiaProvider) streamURL(cfg Config) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse cartesia url: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "ink-whisper"
	}
	encoding := cfg.Encoding
	if encoding == "" || encoding == "linear16" {
		encoding = "pcm_s16le"
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("language", cfg.Language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	// Low threshold so quiet speech still produces interim transcripts.
	q.Set("min_volume", "0.01")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type cartesiaSTTMessage struct {
	Type    string `json:"type"` // "transcript", "flush_done", "done", "error"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

func decodeCartesia(data []byte) (Fragment, bool, error) {
	var msg cartesiaSTTMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Fragment{}, false, nil
	}
	switch msg.Type {
	case "transcript":
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return Fragment{}, false, nil
		}
		return Fragment{Text: text, IsFinal: msg.IsFinal}, true, nil
	case "error":
		return Fragment{}, false, fmt.Errorf("cartesia error: %s", msg.Error)
	default:
		return Fragment{}, false, nil
	}
}
