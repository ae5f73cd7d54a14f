package tts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

type streamSession struct {
	adapter *socket.Adapter
	codec   codec
	format  Format
	logger  *slog.Logger

	mu sync.Mutex // guards per-utterance codec state

	events  chan Event
	errCh   chan error
	errOnce sync.Once
}

func newStreamSession(ctx context.Context, dial socket.DialFunc, c codec, format Format, cfg Config) *streamSession {
	s := &streamSession{
		adapter: socket.New(socket.Config{
			Name:         "tts",
			Dial:         dial,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       cfg.Logger,
		}),
		codec:  c,
		format: format,
		logger: cfg.Logger,
		events: make(chan Event, 256),
		errCh:  make(chan error, 1),
	}
	s.adapter.Connect(ctx)
	go s.decodeLoop()
	return s
}

func (s *streamSession) Speak(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	frames, err := s.codec.speak(text)
	if err != nil {
		return err
	}
	return s.sendAll(frames)
}

func (s *streamSession) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames, err := s.codec.flush()
	if err != nil {
		return err
	}
	return s.sendAll(frames)
}

func (s *streamSession) sendAll(frames []socket.Frame) error {
	for _, f := range frames {
		if err := s.adapter.Send(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamSession) Events() <-chan Event { return s.events }

func (s *streamSession) Err() <-chan error { return s.errCh }

func (s *streamSession) Format() Format { return s.format }

func (s *streamSession) Close() error { return s.adapter.Close() }

func (s *streamSession) report(err error) {
	s.errOnce.Do(func() {
		s.errCh <- err
		_ = s.adapter.Close()
	})
}

func (s *streamSession) decodeLoop() {
	for {
		select {
		case f := <-s.adapter.Inbound():
			events, meta, err := s.codec.decode(f)
			if err != nil {
				s.report(err)
				return
			}
			if meta != "" {
				s.logger.Debug("tts metadata", "message", meta)
			}
			for _, ev := range events {
				select {
				case s.events <- ev:
				case <-s.adapter.Done():
					return
				}
			}
		case err := <-s.adapter.Err():
			s.report(err)
			return
		case <-s.adapter.Done():
			select {
			case err := <-s.adapter.Err():
				s.report(err)
			default:
			}
			return
		}
	}
}
