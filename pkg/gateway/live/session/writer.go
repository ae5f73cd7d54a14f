package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn is the client websocket as the session uses it.
// *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	messageType int
	payload     []byte
}

// outboundWriter is the only goroutine that writes to the client socket.
// Priority frames (errors) jump the queue; normal frames keep event order.
type outboundWriter struct {
	ws           ClientConn
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = 5 * time.Second
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drainOnShutdown()
			_ = w.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(w.writeTimeout))
			return w.ws.Close()
		default:
		}

		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-w.ctx.Done():
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		}
	}
}

// drainOnShutdown writes what is already queued, priority first, within a
// short budget, so a final error or end event reaches the client.
func (w *outboundWriter) drainOnShutdown() {
	budget := 100 * time.Millisecond
	if w.writeTimeout < budget {
		budget = w.writeTimeout
	}
	deadline := time.Now().Add(budget)
	const maxFrames = 32

	for _, ch := range []<-chan outboundFrame{w.priority, w.normal} {
		for i := 0; ch != nil && i < maxFrames && time.Now().Before(deadline); i++ {
			select {
			case frame, ok := <-ch:
				if !ok {
					ch = nil
					continue
				}
				if err := w.write(frame); err != nil {
					return
				}
			default:
				ch = nil
			}
		}
	}
}

func (w *outboundWriter) write(frame outboundFrame) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(frame.messageType, frame.payload)
}
