// Package tts streams text fragments to a text-to-speech service and relays
// the audio it produces.
//
// Every vendor codec speaks the same two commands: Speak(text) queues text for
// synthesis, Flush asks the vendor to emit trailing audio for everything
// spoken so far. The vendor's flush acknowledgement surfaces as EventFlushed.
package tts

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

type EventKind int

const (
	EventAudio EventKind = iota
	EventFlushed
)

type Event struct {
	Kind  EventKind
	Audio []byte
}

// Format describes the audio a session produces.
type Format struct {
	Encoding   string // "linear16"
	SampleRate int
}

type Config struct {
	Voice      string
	Model      string
	SampleRate int // default: 24000

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one live synthesis stream. Speak and Flush never block; commands
// issued before the upstream is ready are delivered in order once it is.
type Session interface {
	Speak(text string) error
	Flush() error
	Events() <-chan Event
	// Err delivers at most one error, after which the session is dead.
	Err() <-chan error
	Format() Format
	Close() error
}

type Provider interface {
	Name() string
	NewSession(ctx context.Context, cfg Config) (Session, error)
}

// codec translates Speak/Flush into vendor frames and vendor frames into
// events. meta is a non-empty description for frames that are logged but not
// relayed.
type codec interface {
	speak(text string) ([]socket.Frame, error)
	flush() ([]socket.Frame, error)
	decode(f socket.Frame) (events []Event, meta string, err error)
}
