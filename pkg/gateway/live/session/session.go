package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-voice/pkg/core/generation"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/live/background"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-voice/pkg/store"
)

var (
	errBackpressure = errors.New("voice outbound backpressure")
	errClosed       = errors.New("voice session closed")
)

const outboundPriorityQueueSize = 8

// State is the turn-taking state of a session.
type State int

const (
	StateListening State = iota
	StateDebouncing
	StateGenerating
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateDebouncing:
		return "debouncing"
	case StateGenerating:
		return "generating"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

type Config struct {
	Debounce            time.Duration
	KeepaliveInterval   time.Duration
	KeepaliveFrameBytes int
	SpeakMinChars       int
	DisplayLead         time.Duration
	DisplayWordInterval time.Duration
	TTSFlushTimeout     time.Duration
	TurnTimeout         time.Duration
	MaxSessionDuration  time.Duration

	Persona         string
	Model           string
	Temperature     float64
	MaxTokens       int
	MaxContextTurns int

	MaxAudioFrameBytes  int
	MaxAudioFPS         int
	MaxAudioBytesPerSec int64
	InboundBurstSeconds int

	PingInterval      time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2500 * time.Millisecond
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 300 * time.Millisecond
	}
	if c.KeepaliveFrameBytes <= 0 {
		c.KeepaliveFrameBytes = 3200
	}
	if c.SpeakMinChars <= 0 {
		c.SpeakMinChars = 40
	}
	if c.TTSFlushTimeout <= 0 {
		c.TTSFlushTimeout = 15 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 400
	}
	if c.MaxContextTurns < 0 {
		c.MaxContextTurns = 0
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	return c
}

// Background accepts completed turns for persistence, titling and
// summarization. *background.Coordinator satisfies it.
type Background interface {
	Submit(job background.Job)
}

type Deps struct {
	Conn       ClientConn
	STT        stt.Provider
	STTConfig  stt.Config
	TTS        tts.Provider
	TTSConfig  tts.Config
	Generator  generation.Streamer
	Store      store.Store
	Background Background
	Config     Config
	Logger     *slog.Logger
	Clock      Clock
	SessionID  string
}

// Session orchestrates one voice conversation over a client websocket. All
// turn state is owned by the goroutine running Run.
type Session struct {
	id         string
	conn       ClientConn
	sttProv    stt.Provider
	sttCfg     stt.Config
	ttsProv    tts.Provider
	ttsCfg     tts.Config
	generator  generation.Streamer
	store      store.Store
	background Background
	cfg        Config
	logger     *slog.Logger
	clock      Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	priority   chan outboundFrame
	normal     chan outboundFrame
	writerDone chan struct{}

	renamed   chan string
	summaries chan string

	state      State
	conv       store.Conversation
	history    []generation.Exchange
	summary    string
	turnCount  int
	sttSess    stt.Session
	ttsSess    tts.Session
	detector   *detector
	keepalive  *keepalive
	chunker    *chunker
	pacer      *pacer
	limiter    *inboundAudioLimiter
	turn       *turn
	speech     speechState
	flushTimer Timer
	dropWarned bool
}

// turn is the in-flight assistant reply.
type turn struct {
	userText string
	reply    strings.Builder
	info     generation.ContextInfo
	events   chan genEvent
	cancel   context.CancelFunc
	genDone  bool
	spoke    bool
	started  time.Time
}

// speechState spans one or more turns: tts-start opens it and tts-end closes
// it once every flush has been acknowledged.
type speechState struct {
	active         bool
	pendingFlushes int
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Deps) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Background == nil {
		return nil, fmt.Errorf("background coordinator is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		deps.SessionID = "vs_" + uuid.NewString()
	}
	cfg := deps.Config.withDefaults()

	s := &Session{
		id:         deps.SessionID,
		conn:       deps.Conn,
		sttProv:    deps.STT,
		sttCfg:     deps.STTConfig,
		ttsProv:    deps.TTS,
		ttsCfg:     deps.TTSConfig,
		generator:  deps.Generator,
		store:      deps.Store,
		background: deps.Background,
		cfg:        cfg,
		logger:     deps.Logger.With("session_id", deps.SessionID),
		clock:      deps.Clock,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		priority:   make(chan outboundFrame, outboundPriorityQueueSize),
		normal:     make(chan outboundFrame, cfg.OutboundQueueSize),
		writerDone: make(chan struct{}),
		renamed:    make(chan string, 4),
		summaries:  make(chan string, 4),
	}
	s.detector = newDetector(s.clock, cfg.Debounce)
	s.keepalive = newKeepalive(s.clock, cfg.KeepaliveInterval, cfg.KeepaliveFrameBytes)
	s.chunker = newChunker(cfg.SpeakMinChars)
	s.pacer = newPacer(s.clock, cfg.DisplayLead, cfg.DisplayWordInterval)
	s.limiter = newInboundAudioLimiter(s.clock.Now, cfg.MaxAudioFPS, cfg.MaxAudioBytesPerSec, cfg.InboundBurstSeconds)
	return s, nil
}

// Start builds a session and runs it until the client leaves.
func Start(ctx context.Context, deps Deps, userID, conversationID string) error {
	s, err := New(deps)
	if err != nil {
		return err
	}
	return s.Run(ctx, userID, conversationID)
}

func (s *Session) ID() string { return s.id }

// Cancel asks Run to shut down. It is safe to call from any goroutine.
func (s *Session) Cancel() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Warn queues an error event ahead of normal traffic. It never blocks.
func (s *Session) Warn(code, message string) error {
	ev := protocol.NewError(code)
	if strings.TrimSpace(message) != "" {
		ev.Message = message
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.writerDone:
		return errClosed
	default:
	}
	select {
	case s.priority <- outboundFrame{messageType: websocket.TextMessage, payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

// Run resolves the conversation, opens both upstream streams and drives the
// session until the client stops, the context ends or an upstream fails.
func (s *Session) Run(ctx context.Context, userID, conversationID string) error {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger = s.logger.With("user_id", userID)
	startedAt := s.clock.Now()

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerErr := make(chan error, 1)
	go func() {
		defer close(s.writerDone)
		w := &outboundWriter{
			ws:           s.conn,
			ctx:          writerCtx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.priority,
			normal:       s.normal,
		}
		writerErr <- w.Run()
	}()
	defer s.closeClient(stopWriter)

	conv, created, err := store.ResolveConversation(ctx, s.store, userID, conversationID)
	if err != nil {
		s.logger.Error("resolve conversation", "error", err)
		s.sendFatal(protocol.CodeConversation)
		return fmt.Errorf("resolve conversation: %w", err)
	}
	s.conv = conv
	s.summary = conv.Summary
	if !created {
		turns, err := s.store.ListTurns(ctx, conv.ID)
		if err != nil {
			s.logger.Error("load conversation history", "conversation_id", conv.ID, "error", err)
			s.sendFatal(protocol.CodeConversation)
			return fmt.Errorf("load history: %w", err)
		}
		s.history = exchangesFromTurns(turns)
	}
	s.logger = s.logger.With("conversation_id", conv.ID)

	sttCfg := s.sttCfg
	if sttCfg.Logger == nil {
		sttCfg.Logger = s.logger
	}
	sttSess, err := s.sttProv.NewSession(ctx, sttCfg)
	if err != nil {
		s.logger.Error("open stt session", "provider", s.sttProv.Name(), "error", err)
		s.sendFatal(protocol.CodeSTTUnavailable)
		return fmt.Errorf("open stt session: %w", err)
	}
	s.sttSess = sttSess
	defer sttSess.Close()

	ttsCfg := s.ttsCfg
	if ttsCfg.Logger == nil {
		ttsCfg.Logger = s.logger
	}
	ttsSess, err := s.ttsProv.NewSession(ctx, ttsCfg)
	if err != nil {
		s.logger.Error("open tts session", "provider", s.ttsProv.Name(), "error", err)
		s.sendFatal(protocol.CodeTTSUnavailable)
		return fmt.Errorf("open tts session: %w", err)
	}
	s.ttsSess = ttsSess
	defer ttsSess.Close()

	s.conn.SetReadLimit(int64(max(4*s.cfg.MaxAudioFrameBytes, 64<<10)))
	inbound := make(chan inboundFrame, 64)
	go s.readLoop(inbound)

	var deadline Timer
	if s.cfg.MaxSessionDuration > 0 {
		deadline = s.clock.NewTimer(s.cfg.MaxSessionDuration)
		defer deadline.Stop()
	}

	s.logger.Info("voice session started",
		"created", created,
		"history_turns", len(s.history),
		"stt", s.sttProv.Name(),
		"tts", s.ttsProv.Name(),
		"model", s.generator.Name(),
	)

	for s.state != StateShuttingDown {
		select {
		case <-ctx.Done():
			s.shutdown("context done")

		case <-s.stopCh:
			s.shutdown("canceled")

		case <-timerC(deadline):
			s.sendFatal(protocol.CodeSessionExpired)
			s.shutdown("max duration")

		case err := <-writerErr:
			s.logger.Warn("client write failed", "error", err)
			s.shutdown("client write failed")

		case in, ok := <-inbound:
			if !ok || in.err != nil {
				if in.err != nil && !websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("client read ended", "error", in.err)
				}
				s.shutdown("client closed")
				continue
			}
			s.onClientFrame(in)

		case frag, ok := <-sttSess.Fragments():
			if !ok {
				s.shutdown("stt closed")
				continue
			}
			s.onFragment(frag)

		case err := <-sttSess.Err():
			s.logger.Error("stt session failed", "provider", s.sttProv.Name(), "error", err)
			s.sendFatal(protocol.CodeSTTUnavailable)
			s.shutdown("stt failed")

		case ev, ok := <-ttsSess.Events():
			if !ok {
				s.shutdown("tts closed")
				continue
			}
			s.onSpeechEvent(ev)

		case err := <-ttsSess.Err():
			s.logger.Error("tts session failed", "provider", s.ttsProv.Name(), "error", err)
			s.sendFatal(protocol.CodeTTSUnavailable)
			s.shutdown("tts failed")

		case <-s.detector.C():
			if s.detector.expired(s.state == StateGenerating) {
				s.settle(ctx)
			}

		case <-s.keepalive.C():
			if err := sttSess.SendAudio(s.keepalive.silence()); err != nil {
				s.logger.Debug("keepalive send failed", "error", err)
			}

		case ev := <-s.turnEvents():
			s.onGenerated(ctx, ev)

		case <-s.pacer.C():
			s.display(s.pacer.fire())
			s.maybeCompleteTurn(ctx)

		case <-timerC(s.flushTimer):
			s.flushTimer = nil
			s.logger.Warn("tts flush not acknowledged", "timeout", s.cfg.TTSFlushTimeout)
			s.speech.pendingFlushes = 0
			s.maybeEndSpeech()

		case title := <-s.renamed:
			s.conv.Title = title
			s.send(protocol.ConversationRenamed{Type: protocol.TypeConversationRenamed, ConversationID: s.conv.ID, Title: title})

		case summary := <-s.summaries:
			s.summary = summary
		}
	}

	s.logger.Info("voice session ended",
		"turns", s.turnCount,
		"duration_ms", s.clock.Now().Sub(startedAt).Milliseconds(),
	)
	return nil
}

func (s *Session) shutdown(reason string) {
	if s.state == StateShuttingDown {
		return
	}
	s.state = StateShuttingDown
	s.logger.Info("voice session stopping", "reason", reason)

	if s.turn != nil {
		s.turn.cancel()
		s.turn = nil
	}
	s.detector.stop()
	s.keepalive.stop()
	s.pacer.reset()
	stopTimer(&s.flushTimer)
	if s.sttSess != nil {
		_ = s.sttSess.Close()
	}
	if s.ttsSess != nil {
		_ = s.ttsSess.Close()
	}
}

// closeClient lets the writer drain, sends a close frame and closes the socket.
func (s *Session) closeClient(stopWriter context.CancelFunc) {
	stopWriter()
	wait := s.cfg.WriteTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case <-s.writerDone:
	case <-time.After(wait + 200*time.Millisecond):
		s.logger.Warn("client writer did not stop in time")
	}
	_ = s.conn.Close()
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		select {
		case out <- inboundFrame{messageType: messageType, data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) onClientFrame(in inboundFrame) {
	switch in.messageType {
	case websocket.BinaryMessage:
		s.onAudio(in.data)
	case websocket.TextMessage:
		msg, err := protocol.DecodeClientMessage(in.data)
		if err != nil {
			ev := protocol.NewError(protocol.CodeBadRequest)
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				ev.Message = de.Error()
			}
			s.send(ev)
			return
		}
		switch msg.(type) {
		case protocol.StopVoice:
			s.shutdown("stop-voice")
		}
	}
}

func (s *Session) onAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if s.cfg.MaxAudioFrameBytes > 0 && len(pcm) > s.cfg.MaxAudioFrameBytes {
		s.dropAudio("frame too large", len(pcm))
		return
	}
	if s.limiter != nil && !s.limiter.Allow(len(pcm)) {
		s.dropAudio("rate limited", len(pcm))
		return
	}
	if err := s.sttSess.SendAudio(pcm); err != nil {
		s.logger.Debug("stt send failed", "error", err)
	}
}

// dropAudio logs every dropped frame and tells the client once.
func (s *Session) dropAudio(reason string, size int) {
	s.logger.Debug("dropping client audio", "reason", reason, "bytes", size)
	if s.dropWarned {
		return
	}
	s.dropWarned = true
	s.send(protocol.NewError(protocol.CodeAudioDropped))
}

func (s *Session) onFragment(frag stt.Fragment) {
	caption := s.detector.observe(frag)
	s.send(protocol.Transcript{Type: protocol.TypeTranscript, Text: caption, Final: frag.IsFinal})
	if frag.IsFinal && s.state == StateListening {
		s.state = StateDebouncing
	}
}

// settle hands the buffered utterance to generation, or returns to listening
// when nothing was said.
func (s *Session) settle(ctx context.Context) {
	text, ok := s.detector.settle()
	if !ok {
		s.state = StateListening
		return
	}
	s.beginTurn(ctx, text)
}

func (s *Session) beginTurn(ctx context.Context, text string) {
	s.state = StateGenerating
	s.turnCount++
	s.pacer.reset()
	s.pacer.hold()
	s.chunker.flush()
	s.keepalive.start()

	s.send(protocol.UserMessage{Type: protocol.TypeUserMessage, Text: text, ConversationID: s.conv.ID})
	s.send(protocol.BotTyping{Type: protocol.TypeBotTyping, Typing: true})

	msgs, info := generation.BuildMessages(generation.Prompt{
		Persona:   s.cfg.Persona,
		Summary:   s.summary,
		History:   s.history,
		MaxTurns:  s.cfg.MaxContextTurns,
		Utterance: text,
	})

	var genCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.TurnTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
	} else {
		genCtx, cancel = context.WithCancel(ctx)
	}
	t := &turn{
		userText: text,
		info:     info,
		events:   make(chan genEvent, 64),
		cancel:   cancel,
		started:  s.clock.Now(),
	}
	s.turn = t
	go streamReply(genCtx, s.generator, generation.Request{
		Model:       s.cfg.Model,
		Messages:    msgs,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}, t.events)

	s.logger.Info("turn started",
		"turn", s.turnCount,
		"chars", len(text),
		"summary_used", info.SummaryUsed,
		"history_turns", info.HistoryTurns,
	)
}

func (s *Session) turnEvents() <-chan genEvent {
	if s.turn == nil || s.turn.genDone {
		return nil
	}
	return s.turn.events
}

func (s *Session) onGenerated(ctx context.Context, ev genEvent) {
	t := s.turn
	if !ev.done {
		t.reply.WriteString(ev.text)
		for _, chunk := range s.chunker.push(ev.text) {
			s.speak(t, chunk)
		}
		s.display(s.pacer.push(ev.text))
		return
	}

	t.genDone = true
	if ev.err == nil && strings.TrimSpace(t.reply.String()) == "" {
		ev.err = generation.ErrEmptyReply
	}
	if ev.err != nil {
		s.failTurn(ctx, t, ev.err)
		return
	}
	if rest := s.chunker.flush(); rest != "" {
		s.speak(t, rest)
	}
	s.display(s.pacer.release())
	if t.spoke {
		s.flushSpeech()
	}
	s.maybeCompleteTurn(ctx)
}

func (s *Session) speak(t *turn, text string) {
	if !s.speech.active {
		s.speech.active = true
		s.send(protocol.Marker{Type: protocol.TypeTTSStart})
	}
	t.spoke = true
	if err := s.ttsSess.Speak(text); err != nil {
		s.logger.Warn("tts speak failed", "error", err)
	}
	// Text display trails the first Speak of the turn.
	s.display(s.pacer.release())
}

func (s *Session) flushSpeech() {
	if err := s.ttsSess.Flush(); err != nil {
		s.logger.Warn("tts flush failed", "error", err)
	}
	s.speech.pendingFlushes++
	stopTimer(&s.flushTimer)
	s.flushTimer = s.clock.NewTimer(s.cfg.TTSFlushTimeout)
}

func (s *Session) display(words []string) {
	for _, w := range words {
		s.send(protocol.Content{Type: protocol.TypeContent, Text: w})
	}
}

// maybeCompleteTurn finishes the turn once generation is done and every word
// has been displayed.
func (s *Session) maybeCompleteTurn(ctx context.Context) {
	t := s.turn
	if t == nil || !t.genDone || !s.pacer.idle() {
		return
	}
	reply := strings.TrimSpace(t.reply.String())
	t.cancel()
	s.turn = nil
	s.state = s.idleState()

	s.send(protocol.BotTyping{Type: protocol.TypeBotTyping, Typing: false})
	s.send(protocol.End{
		Type:           protocol.TypeEnd,
		Text:           reply,
		ConversationID: s.conv.ID,
		Context: protocol.EndContext{
			SummaryUsed:  t.info.SummaryUsed,
			HistoryTurns: t.info.HistoryTurns,
		},
	})

	prior := slices.Clone(s.history)
	firstTurn := len(prior) == 0 && s.conv.Title == ""
	s.history = append(s.history, generation.Exchange{User: t.userText, Assistant: reply})
	s.background.Submit(background.Job{
		SessionID:      s.id,
		ConversationID: s.conv.ID,
		UserText:       t.userText,
		AssistantText:  reply,
		History:        prior,
		FirstTurn:      firstTurn,
		OnRenamed:      s.notifyRenamed,
		OnSummary:      s.notifySummary,
	})

	s.logger.Info("turn completed",
		"turn", s.turnCount,
		"reply_chars", len(reply),
		"spoke", t.spoke,
		"duration_ms", s.clock.Now().Sub(t.started).Milliseconds(),
	)

	s.maybeEndSpeech()
	if s.detector.takeDeferred() {
		s.settle(ctx)
	}
}

// failTurn abandons a turn whose generation failed. Audio already handed to
// TTS is allowed to finish; nothing is persisted.
func (s *Session) failTurn(ctx context.Context, t *turn, err error) {
	s.logger.Error("generation failed", "turn", s.turnCount, "error", err)
	t.cancel()
	s.turn = nil
	s.pacer.reset()
	s.chunker.flush()
	s.state = s.idleState()

	s.send(protocol.BotTyping{Type: protocol.TypeBotTyping, Typing: false})
	s.send(protocol.NewError(protocol.CodeGenerationFailed))
	if t.spoke {
		s.flushSpeech()
	}
	s.maybeEndSpeech()
	if s.detector.takeDeferred() {
		s.settle(ctx)
	}
}

func (s *Session) idleState() State {
	if s.detector.C() != nil {
		return StateDebouncing
	}
	return StateListening
}

func (s *Session) onSpeechEvent(ev tts.Event) {
	switch ev.Kind {
	case tts.EventAudio:
		if !s.speech.active {
			s.logger.Debug("dropping tts audio outside speech", "bytes", len(ev.Audio))
			return
		}
		format := s.ttsSess.Format()
		s.send(protocol.TTSAudioChunk{
			Type:       protocol.TypeTTSAudioChunk,
			Audio:      base64.StdEncoding.EncodeToString(ev.Audio),
			Encoding:   format.Encoding,
			SampleRate: format.SampleRate,
		})
	case tts.EventFlushed:
		if s.speech.pendingFlushes > 0 {
			s.speech.pendingFlushes--
		}
		if s.speech.pendingFlushes == 0 {
			stopTimer(&s.flushTimer)
		}
		s.maybeEndSpeech()
	}
}

// maybeEndSpeech closes the speaking span once no turn is generating and all
// flushes are acknowledged, then stops the keepalive.
func (s *Session) maybeEndSpeech() {
	if s.state == StateGenerating || s.state == StateShuttingDown {
		return
	}
	if s.speech.active {
		if s.speech.pendingFlushes > 0 {
			return
		}
		s.speech.active = false
		s.send(protocol.Marker{Type: protocol.TypeTTSEnd})
	}
	stopTimer(&s.flushTimer)
	s.keepalive.stop()
}

func (s *Session) notifyRenamed(title string) {
	select {
	case s.renamed <- title:
	case <-s.done:
	default:
		s.logger.Warn("dropping rename notice", "title", title)
	}
}

func (s *Session) notifySummary(summary string) {
	select {
	case s.summaries <- summary:
	case <-s.done:
	default:
		s.logger.Warn("dropping summary update")
	}
}

// send queues an event in order. A full queue means the client cannot keep up
// and ends the session.
func (s *Session) send(v any) {
	if err := s.enqueue(s.normal, v); err != nil {
		if errors.Is(err, errBackpressure) {
			s.logger.Warn("client cannot keep up", "queue", cap(s.normal))
			s.shutdown("client backpressure")
		}
	}
}

// sendFatal queues an error event ahead of pending traffic.
func (s *Session) sendFatal(code string) {
	if err := s.enqueue(s.priority, protocol.NewError(code)); err != nil {
		s.logger.Debug("error event not delivered", "code", code, "error", err)
	}
}

func (s *Session) enqueue(ch chan outboundFrame, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode event", "error", err)
		return err
	}
	select {
	case <-s.writerDone:
		return errClosed
	default:
	}
	select {
	case ch <- outboundFrame{messageType: websocket.TextMessage, payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func exchangesFromTurns(turns []store.Turn) []generation.Exchange {
	out := make([]generation.Exchange, 0, len(turns))
	for _, t := range turns {
		out = append(out, generation.Exchange{User: t.UserText, Assistant: t.AssistantText})
	}
	return out
}
