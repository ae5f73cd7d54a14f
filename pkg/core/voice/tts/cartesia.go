package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
)

// Default voice ID - users should provide their own voice IDs
const defaultCartesiaVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

// CartesiaProvider streams text to Cartesia sonic over its websocket, one
// continuation context per spoken reply.
type CartesiaProvider struct {
	apiKey  string
	baseURL string
}

func NewCartesia(apiKey string) *CartesiaProvider {
	return &CartesiaProvider{apiKey: apiKey, baseURL: cartesiaWSURL}
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
	voiceID := cfg.Voice
	if voiceID == "" {
		voiceID = defaultCartesiaVoiceID
	}
	model := cfg.Model
	if model == "" {
		model = "sonic-3"
	}

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	codec := &cartesiaCodec{
		base: cartesiaStreamingRequest{
			ModelID: model,
			Voice:   cartesiaVoiceSpec{Mode: "id", ID: voiceID},
			OutputFormat: cartesiaOutputFormat{
				Container:  "raw",
				Encoding:   "pcm_s16le",
				SampleRate: cfg.SampleRate,
			},
			MaxBufferDelayMs: 500,
		},
	}
	format := Format{Encoding: "linear16", SampleRate: cfg.SampleRate}
	return newStreamSession(ctx, socket.Dialer(c.baseURL, headers, cfg.HandshakeTimeout), codec, format, cfg), nil
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type cartesiaStreamingRequest struct {
	ModelID          string               `json:"model_id"`
	Transcript       string               `json:"transcript"`
	Voice            cartesiaVoiceSpec    `json:"voice"`
	OutputFormat     cartesiaOutputFormat `json:"output_format"`
	ContextID        string               `json:"context_id"`
	Continue         bool                 `json:"continue"`
	MaxBufferDelayMs int                  `json:"max_buffer_delay_ms,omitempty"`
}

type cartesiaWSResponse struct {
	Type  string `json:"type"` // "chunk", "done", "flush_done", "timestamps", "error"
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type cartesiaCodec struct {
	base      cartesiaStreamingRequest
	contextID string
}

func (c *cartesiaCodec) request(text string, more bool) ([]socket.Frame, error) {
	if c.contextID == "" {
		c.contextID = uuid.NewString()
	}
	req := c.base
	req.Transcript = text
	req.ContextID = c.contextID
	// continue=false closes the context; keep it open until the reply is flushed.
	req.Continue = more
	f, err := socket.JSON(req)
	if err != nil {
		return nil, err
	}
	return []socket.Frame{f}, nil
}

func (c *cartesiaCodec) speak(text string) ([]socket.Frame, error) {
	return c.request(text, true)
}

func (c *cartesiaCodec) flush() ([]socket.Frame, error) {
	frames, err := c.request("", false)
	c.contextID = ""
	return frames, err
}

func (c *cartesiaCodec) decode(f socket.Frame) ([]Event, string, error) {
	var msg cartesiaWSResponse
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return nil, "unparseable frame", nil
	}
	switch msg.Type {
	case "chunk":
		audio, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, "", fmt.Errorf("decode cartesia audio: %w", err)
		}
		return []Event{{Kind: EventAudio, Audio: audio}}, "", nil
	case "done":
		return []Event{{Kind: EventFlushed}}, "", nil
	case "error":
		return nil, "", fmt.Errorf("cartesia error: %s", msg.Error)
	default:
		return nil, msg.Type, nil
	}
}
