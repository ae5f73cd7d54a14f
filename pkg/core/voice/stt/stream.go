package stt

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

// decodeFunc turns one upstream text frame into a fragment. ok=false means the
// frame carried nothing to relay (metadata, empty transcripts).
type decodeFunc func(data []byte) (frag Fragment, ok bool, err error)

type streamSession struct {
	adapter *socket.Adapter
	decode  decodeFunc
	logger  *slog.Logger

	fragments chan Fragment
	errCh     chan error
	errOnce   sync.Once
}

func newStreamSession(ctx context.Context, dial socket.DialFunc, decode decodeFunc, cfg Config) *streamSession {
	s := &streamSession{
		adapter: socket.New(socket.Config{
			Name:         "stt",
			Dial:         dial,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       cfg.Logger,
		}),
		decode:    decode,
		logger:    cfg.Logger,
		fragments: make(chan Fragment, 128),
		errCh:     make(chan error, 1),
	}
	s.adapter.Connect(ctx)
	go s.decodeLoop()
	return s
}

func (s *streamSession) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.adapter.Send(socket.Binary(pcm))
}

func (s *streamSession) Fragments() <-chan Fragment { return s.fragments }

func (s *streamSession) Err() <-chan error { return s.errCh }

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
			if f.Type != websocket.TextMessage {
				continue
			}
			frag, ok, err := s.decode(f.Data)
			if err != nil {
				s.report(err)
				return
			}
			if !ok {
				continue
			}
			select {
			case s.fragments <- frag:
			case <-s.adapter.Done():
				return
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
