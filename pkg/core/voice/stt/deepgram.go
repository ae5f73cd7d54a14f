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

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// DeepgramProvider streams audio to Deepgram's live listen API.
type DeepgramProvider struct {
	apiKey  string
	baseURL string
}

func NewDeepgram(apiKey string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: deepgramListenURL}
}

// NewDeepgramWithURL points the provider at a different listen endpoint.
func NewDeepgramWithURL(apiKey, baseURL string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: baseURL}
}

func (d *DeepgramProvider) Name() string { return "deepgram" }

func (d *DeepgramProvider) NewSession(ctx context.Context, cfg Config) (Session, error) {
	if strings.TrimSpace(d.apiKey) == "" {
		return nil, errors.New("deepgram api key is required")
	}
	cfg = cfg.withDefaults()
	wsURL, err := d.listenURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	return newStreamSession(ctx, socket.Dialer(wsURL, header, cfg.HandshakeTimeout), decodeDeepgram, cfg), nil
}

func (d *DeepgramProvider) listenURL(cfg Config) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	encoding := cfg.Encoding
	if encoding == "" || encoding == "pcm_s16le" {
		encoding = "linear16"
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("language", cfg.Language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

func decodeDeepgram(data []byte) (Fragment, bool, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Fragment{}, false, nil
	}
	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return Fragment{}, false, nil
		}
		text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if text == "" {
			return Fragment{}, false, nil
		}
		return Fragment{Text: text, IsFinal: msg.IsFinal}, true, nil
	case "Error":
		return Fragment{}, false, fmt.Errorf("deepgram error: %s", msg.Description)
	default:
		// Metadata, SpeechStarted, UtteranceEnd.
		return Fragment{}, false, nil
	}
}
