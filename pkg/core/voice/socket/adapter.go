// Package socket wraps one outbound upstream websocket (an STT or TTS leg).
//
// An Adapter hides the connect/ready/close lifecycle from its callers. Frames
// sent before the connection is ready are queued in arrival order and written
// exactly once, in order, when the dial completes. Send never blocks.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the adapter is terminal.
var ErrClosed = errors.New("socket closed")

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one websocket message. Type is websocket.TextMessage or
// websocket.BinaryMessage.
type Frame struct {
	Type int
	Data []byte
}

func Text(data []byte) Frame   { return Frame{Type: websocket.TextMessage, Data: data} }
func Binary(data []byte) Frame { return Frame{Type: websocket.BinaryMessage, Data: data} }

// JSON encodes v as a text frame.
func JSON(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal frame: %w", err)
	}
	return Text(data), nil
}

// Conn is the subset of *websocket.Conn the adapter drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type DialFunc func(ctx context.Context) (Conn, error)

// Dialer returns a DialFunc that opens rawURL with gorilla's default dialer.
func Dialer(rawURL string, header http.Header, handshakeTimeout time.Duration) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		d := *websocket.DefaultDialer
		if handshakeTimeout > 0 {
			d.HandshakeTimeout = handshakeTimeout
		}
		conn, resp, err := d.DialContext(ctx, rawURL, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", redactURL(rawURL), err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", redactURL(rawURL), err)
		}
		return conn, nil
	}
}

// redactURL drops the query string, which may carry api keys.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

type Config struct {
	// Name prefixes errors and log lines ("stt", "tts").
	Name string
	Dial DialFunc

	WriteTimeout time.Duration
	Logger       *slog.Logger

	// OnReady frames are written ahead of anything queued by Send.
	OnReady []Frame

	InboundBuffer int
}

type Adapter struct {
	name         string
	dial         DialFunc
	writeTimeout time.Duration
	logger       *slog.Logger
	onReady      []Frame

	mu    sync.Mutex
	state State
	queue []Frame
	conn  Conn

	wake    chan struct{}
	ready   chan struct{}
	inbound chan Frame
	errCh   chan error
	done    chan struct{}

	connectOnce  sync.Once
	teardownOnce sync.Once
}

func New(cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "socket"
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inboundBuffer := cfg.InboundBuffer
	if inboundBuffer <= 0 {
		inboundBuffer = 256
	}
	return &Adapter{
		name:         name,
		dial:         cfg.Dial,
		writeTimeout: writeTimeout,
		logger:       logger,
		onReady:      cfg.OnReady,
		state:        StateConnecting,
		wake:         make(chan struct{}, 1),
		ready:        make(chan struct{}),
		inbound:      make(chan Frame, inboundBuffer),
		errCh:        make(chan error, 1),
		done:         make(chan struct{}),
	}
}

// Connect starts dialing in the background. It returns immediately; the
// adapter becomes ready (or reports an error on Err) asynchronously.
func (a *Adapter) Connect(ctx context.Context) {
	a.connectOnce.Do(func() {
		go a.run(ctx)
	})
}

// Send writes f when ready, queues it while connecting, and fails with
// ErrClosed once terminal. It never blocks.
func (a *Adapter) Send(f Frame) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.queue = append(a.queue, f)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Inbound delivers received frames in arrival order.
func (a *Adapter) Inbound() <-chan Frame { return a.inbound }

// Err delivers at most one error: the first unexpected dial, read or write
// failure. A Close initiated by the caller never produces one.
func (a *Adapter) Err() <-chan error { return a.errCh }

// Ready is closed once the connection is established.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Done is closed once the adapter is terminal.
func (a *Adapter) Done() <-chan struct{} { return a.done }

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Pending reports how many frames are queued and not yet written.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Close terminates the socket and discards queued frames. Safe to call more
// than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.state = StateClosed
	a.queue = nil
	a.mu.Unlock()
	a.teardown()
	return nil
}

func (a *Adapter) teardown() {
	a.teardownOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (a *Adapter) fail(err error) {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.state = StateClosed
	dropped := len(a.queue)
	a.queue = nil
	a.mu.Unlock()

	a.logger.Warn("upstream socket failed", "socket", a.name, "error", err, "dropped_frames", dropped)
	a.errCh <- err
	a.teardown()
}

func (a *Adapter) run(ctx context.Context) {
	if a.dial == nil {
		a.fail(fmt.Errorf("%s: no dialer configured", a.name))
		return
	}
	conn, err := a.dial(ctx)
	if err != nil {
		a.fail(fmt.Errorf("%s connect: %w", a.name, err))
		return
	}

	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.conn = conn
	a.state = StateReady
	pending := len(a.queue)
	a.mu.Unlock()
	close(a.ready)

	a.logger.Debug("upstream socket ready", "socket", a.name, "queued_frames", pending)

	go a.readLoop(conn)
	a.writeLoop(conn)
}

func (a *Adapter) readLoop(conn Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			a.fail(fmt.Errorf("%s read: %w", a.name, err))
			return
		}
		select {
		case a.inbound <- Frame{Type: mt, Data: data}:
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) writeLoop(conn Conn) {
	for _, f := range a.onReady {
		if err := a.write(conn, f); err != nil {
			a.fail(fmt.Errorf("%s write: %w", a.name, err))
			return
		}
	}

	for {
		frames, ok := a.take()
		if !ok {
			return
		}
		if len(frames) == 0 {
			select {
			case <-a.wake:
				continue
			case <-a.done:
				return
			}
		}
		for _, f := range frames {
			select {
			case <-a.done:
				return
			default:
			}
			if err := a.write(conn, f); err != nil {
				a.fail(fmt.Errorf("%s write: %w", a.name, err))
				return
			}
		}
	}
}

func (a *Adapter) take() ([]Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed {
		return nil, false
	}
	frames := a.queue
	a.queue = nil
	return frames, true
}

func (a *Adapter) write(conn Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(a.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(f.Type, f.Data)
}
