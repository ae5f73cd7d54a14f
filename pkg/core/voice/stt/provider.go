// Package stt streams PCM audio to a speech-to-text service and decodes the
// transcript events it sends back.
package stt

import (
	"context"
	"log/slog"
	"time"
)

// Fragment is one transcript event. A partial fragment is a provisional
// rendering of the segment the next final fragment replaces.
type Fragment struct {
	Text    string
	IsFinal bool
}

// Config configures one streaming session.
type Config struct {
	Model      string // provider-specific model
	Language   string // ISO language code (default: "en")
	Encoding   string // raw audio encoding (default: linear16 / pcm_s16le)
	SampleRate int    // Hz (default: 16000)

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one live transcription stream. SendAudio never blocks; audio
// sent before the upstream is ready is queued and delivered in order.
type Session interface {
	SendAudio(pcm []byte) error
	Fragments() <-chan Fragment
	// Err delivers at most one error, after which the session is dead.
	Err() <-chan error
	Close() error
}

// Provider opens streaming sessions against one STT vendor.
type Provider interface {
	Name() string
	NewSession(ctx context.Context, cfg Config) (Session, error)
}
