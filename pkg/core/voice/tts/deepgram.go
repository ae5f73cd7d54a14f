package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

const deepgramSpeakURL = "wss://api.deepgram.com/v1/speak"

// DeepgramProvider streams text to Deepgram Aura over its speak websocket.
type DeepgramProvider struct {
	apiKey  string
	baseURL string
}

func NewDeepgram(apiKey string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: deepgramSpeakURL}
}

func NewDeepgramWithURL(apiKey, baseURL string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: baseURL}
}

func (d *DeepgramProvider) Name() string { return "deepgram" }

func (d *DeepgramProvider) NewSession(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(d.apiKey) == "" {
		return nil, errors.New("deepgram api key is required")
	}
	cfg = cfg.withDefaults()
	model := cfg.Model
	if model == "" {
		model = cfg.Voice
	}
	if model == "" {
		model = "aura-2-thalia-en"
	}
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	format := Format{Encoding: "linear16", SampleRate: cfg.SampleRate}
	return newStreamSession(ctx, socket.Dialer(u.String(), header, cfg.HandshakeTimeout), deepgramCodec{}, format, cfg), nil
}

type deepgramCodec struct{}

type deepgramCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (deepgramCodec) speak(text string) ([]socket.Frame, error) {
	f, err := socket.JSON(deepgramCommand{Type: "Speak", Text: text})
	if err != nil {
		return nil, err
	}
	return []socket.Frame{f}, nil
}

func (deepgramCodec) flush() ([]socket.Frame, error) {
	f, err := socket.JSON(deepgramCommand{Type: "Flush"})
	if err != nil {
		return nil, err
	}
	return []socket.Frame{f}, nil
}

func (deepgramCodec) decode(f socket.Frame) ([]Event, string, error) {
	if f.Type == websocket.BinaryMessage {
		if len(f.Data) == 0 {
			return nil, "", nil
		}
		return []Event{{Kind: EventAudio, Audio: f.Data}}, "", nil
	}
	var msg struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return nil, string(f.Data), nil
	}
	switch msg.Type {
	case "Flushed":
		return []Event{{Kind: EventFlushed}}, "", nil
	case "Error":
		return nil, "", fmt.Errorf("deepgram tts error: %s", msg.Description)
	default:
		// Metadata, Warning, Cleared.
		return nil, string(f.Data), nil
	}
}
