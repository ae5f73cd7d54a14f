package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-voice/pkg/core/generation"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/live/background"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-voice/pkg/store"
)

var errFakeClosed = errors.New("fake session closed")

type fakeSTT struct {
	sessions chan *fakeSTTSession
}

func newFakeSTT() *fakeSTT { return &fakeSTT{sessions: make(chan *fakeSTTSession, 1)} }

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) NewSession(context.Context, stt.Config) (stt.Session, error) {
	s := &fakeSTTSession{fragments: make(chan stt.Fragment, 16), errCh: make(chan error, 1)}
	f.sessions <- s
	return s, nil
}

type fakeSTTSession struct {
	fragments chan stt.Fragment
	errCh     chan error

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeSTTSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errFakeClosed
	}
	s.frames = append(s.frames, pcm)
	return nil
}

func (s *fakeSTTSession) Fragments() <-chan stt.Fragment { return s.fragments }
func (s *fakeSTTSession) Err() <-chan error              { return s.errCh }

func (s *fakeSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSTTSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSTTSession) frameSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, len(f))
	}
	return out
}

type fakeTTS struct {
	sessions chan *fakeTTSSession
}

func newFakeTTS() *fakeTTS { return &fakeTTS{sessions: make(chan *fakeTTSSession, 1)} }

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) NewSession(context.Context, tts.Config) (tts.Session, error) {
	s := &fakeTTSSession{events: make(chan tts.Event, 64), errCh: make(chan error, 1)}
	f.sessions <- s
	return s, nil
}

// fakeTTSSession answers each Flush with one audio chunk and an ack.
type fakeTTSSession struct {
	events chan tts.Event
	errCh  chan error

	mu     sync.Mutex
	spoken []string
	closed bool
}

func (s *fakeTTSSession) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeTTSSession) Flush() error {
	s.events <- tts.Event{Kind: tts.EventAudio, Audio: []byte{1, 2, 3, 4}}
	s.events <- tts.Event{Kind: tts.EventFlushed}
	return nil
}

func (s *fakeTTSSession) Events() <-chan tts.Event { return s.events }
func (s *fakeTTSSession) Err() <-chan error        { return s.errCh }
func (s *fakeTTSSession) Format() tts.Format {
	return tts.Format{Encoding: "linear16", SampleRate: 24000}
}

func (s *fakeTTSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeTTSSession) spokenText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.spoken, "")
}

func (s *fakeTTSSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeGenerator struct {
	parts     []string
	openErr   error
	streamErr error
}

func (g *fakeGenerator) Name() string { return "fake-llm" }

func (g *fakeGenerator) Stream(context.Context, generation.Request) (generation.Stream, error) {
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &fakeStream{parts: g.parts, err: g.streamErr}, nil
}

type fakeStream struct {
	parts []string
	cur   string
	err   error
}

func (s *fakeStream) Next() bool {
	if len(s.parts) == 0 {
		return false
	}
	s.cur, s.parts = s.parts[0], s.parts[1:]
	return true
}

func (s *fakeStream) Text() string { return s.cur }
func (s *fakeStream) Err() error   { return s.err }
func (s *fakeStream) Close() error { return nil }

func requestFor(text string) generation.Request {
	msgs, _ := generation.BuildMessages(generation.Prompt{Utterance: text})
	return generation.Request{Messages: msgs}
}

// gatedGenerator holds its first reply until gate is closed. Later replies
// stream immediately.
type gatedGenerator struct {
	gate  chan struct{}
	parts []string

	mu      sync.Mutex
	calls   int
	gateCtx context.Context
}

func (g *gatedGenerator) Name() string { return "gated-llm" }

func (g *gatedGenerator) Stream(ctx context.Context, _ generation.Request) (generation.Stream, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	if first {
		g.gateCtx = ctx
	}
	g.mu.Unlock()

	s := &fakeStream{parts: append([]string(nil), g.parts...)}
	if !first {
		return s, nil
	}
	return &gatedStream{fakeStream: s, ctx: ctx, gate: g.gate}, nil
}

func (g *gatedGenerator) firstCtx() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gateCtx
}

type gatedStream struct {
	*fakeStream
	ctx  context.Context
	gate chan struct{}
}

func (s *gatedStream) Next() bool {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return false
		}
		s.gate = nil
	}
	return s.fakeStream.Next()
}

type recordingBackground struct {
	mu   sync.Mutex
	jobs []background.Job
}

func (b *recordingBackground) Submit(job background.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
}

func (b *recordingBackground) snapshot() []background.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]background.Job(nil), b.jobs...)
}

// slowPersistStore holds every AppendTurn until its context ends.
type slowPersistStore struct {
	*store.SQLite
}

func (s slowPersistStore) AppendTurn(ctx context.Context, _ store.Turn) (store.Turn, error) {
	<-ctx.Done()
	return store.Turn{}, ctx.Err()
}

type harness struct {
	stt    *fakeSTT
	tts    *fakeTTS
	deps   Deps
	runErr chan error
	client *websocket.Conn
}

func newHarness(t *testing.T, g generation.Streamer) *harness {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{stt: newFakeSTT(), tts: newFakeTTS(), runErr: make(chan error, 1)}
	h.deps = Deps{
		STT:        h.stt,
		TTS:        h.tts,
		Generator:  g,
		Store:      st,
		Background: &recordingBackground{},
		Config: Config{
			Debounce:            30 * time.Millisecond,
			KeepaliveInterval:   10 * time.Millisecond,
			KeepaliveFrameBytes: 320,
			SpeakMinChars:       12,
			TTSFlushTimeout:     time.Second,
			WriteTimeout:        time.Second,
			PingInterval:        time.Hour,
		},
	}
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.runErr <- err
			return
		}
		deps := h.deps
		deps.Conn = conn
		h.runErr <- Start(context.Background(), deps, "user-1", "")
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	h.client = client
	return client
}

func (h *harness) sessions(t *testing.T) (*fakeSTTSession, *fakeTTSSession) {
	t.Helper()
	var s *fakeSTTSession
	select {
	case s = <-h.stt.sessions:
	case <-time.After(2 * time.Second):
		t.Fatalf("stt session was not opened")
	}
	select {
	case ts := <-h.tts.sessions:
		return s, ts
	case <-time.After(2 * time.Second):
		t.Fatalf("tts session was not opened")
	}
	return nil, nil
}

type event map[string]any

func (e event) typ() string { return e.str("type") }

func (e event) str(k string) string {
	s, _ := e[k].(string)
	return s
}

func readEvent(t *testing.T, c *websocket.Conn) event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("message type=%d", mt)
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return ev
}

// readUntil collects events up to and including the first one of type typ.
func readUntil(t *testing.T, c *websocket.Conn, typ string) []event {
	t.Helper()
	var out []event
	for {
		ev := readEvent(t, c)
		out = append(out, ev)
		if ev.typ() == typ {
			return out
		}
	}
}

func indexOf(events []event, match func(event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func ofType(typ string) func(event) bool {
	return func(ev event) bool { return ev.typ() == typ }
}

func TestSession_TurnEventOrder(t *testing.T) {
	reply := []string{"Sure. ", "Head north on Main Street ", "for two blocks, ", "then turn left."}
	h := newHarness(t, &fakeGenerator{parts: reply})
	client := h.dial(t)
	sttSess, ttsSess := h.sessions(t)

	sttSess.fragments <- stt.Fragment{Text: "how do I"}
	sttSess.fragments <- stt.Fragment{Text: "how do I get home", IsFinal: true}

	events := readUntil(t, client, protocol.TypeTTSEnd)

	if events[0].typ() != protocol.TypeTranscript || events[0].str("text") != "how do I" || events[0]["final"] != false {
		t.Fatalf("first event=%v", events[0])
	}
	if events[1].typ() != protocol.TypeTranscript || events[1]["final"] != true {
		t.Fatalf("second event=%v", events[1])
	}

	userMsg := indexOf(events, ofType(protocol.TypeUserMessage))
	typingOn := indexOf(events, func(ev event) bool { return ev.typ() == protocol.TypeBotTyping && ev["typing"] == true })
	typingOff := indexOf(events, func(ev event) bool { return ev.typ() == protocol.TypeBotTyping && ev["typing"] == false })
	ttsStart := indexOf(events, ofType(protocol.TypeTTSStart))
	firstContent := indexOf(events, ofType(protocol.TypeContent))
	end := indexOf(events, ofType(protocol.TypeEnd))
	ttsEnd := len(events) - 1

	if !(userMsg >= 0 && userMsg < typingOn && typingOn < ttsStart && ttsStart < firstContent) {
		t.Fatalf("bad opening order: %v", events)
	}
	if !(typingOff < end && end < ttsEnd) {
		t.Fatalf("bad closing order: %v", events)
	}

	var shown strings.Builder
	for i, ev := range events {
		if ev.typ() == protocol.TypeContent {
			if i > end {
				t.Fatalf("content after end: %v", events)
			}
			shown.WriteString(ev.str("text"))
		}
	}
	want := strings.Join(reply, "")
	if shown.String() != want {
		t.Fatalf("content=%q, want %q", shown.String(), want)
	}
	if got := events[end].str("text"); got != strings.TrimSpace(want) {
		t.Fatalf("end text=%q", got)
	}
	if convID := events[end].str("conversation_id"); convID == "" || convID != events[userMsg].str("conversation_id") {
		t.Fatalf("conversation ids: user-message=%q end=%q", events[userMsg].str("conversation_id"), convID)
	}
	if got := ttsSess.spokenText(); got != want {
		t.Fatalf("spoken=%q, want %q", got, want)
	}

	audio := indexOf(events, ofType(protocol.TypeTTSAudioChunk))
	if audio < ttsStart || audio > ttsEnd {
		t.Fatalf("audio outside speech span: %v", events)
	}
	if events[audio]["sample_rate"] != float64(24000) || events[audio].str("audio") == "" {
		t.Fatalf("audio chunk=%v", events[audio])
	}

	jobs := h.deps.Background.(*recordingBackground).snapshot()
	if len(jobs) != 1 || !jobs[0].FirstTurn || jobs[0].UserText != "how do I get home" || len(jobs[0].History) != 0 {
		t.Fatalf("jobs=%+v", jobs)
	}
	if jobs[0].AssistantText != strings.TrimSpace(want) {
		t.Fatalf("job reply=%q", jobs[0].AssistantText)
	}
}

func TestSession_KeepaliveOnlyWhileBusy(t *testing.T) {
	h := newHarness(t, &fakeGenerator{parts: []string{"Okay then."}})
	client := h.dial(t)
	sttSess, _ := h.sessions(t)

	time.Sleep(50 * time.Millisecond)
	if n := len(sttSess.frameSizes()); n != 0 {
		t.Fatalf("keepalive ran while listening: %d frames", n)
	}

	sttSess.fragments <- stt.Fragment{Text: "hello", IsFinal: true}
	readUntil(t, client, protocol.TypeTTSEnd)
	busy := len(sttSess.frameSizes())

	time.Sleep(50 * time.Millisecond)
	sizes := sttSess.frameSizes()
	if len(sizes) != busy {
		t.Fatalf("keepalive still running after tts-end: %d -> %d", busy, len(sizes))
	}
	for _, n := range sizes {
		if n != 320 {
			t.Fatalf("keepalive frame size=%d", n)
		}
	}
}

func TestSession_GenerationFailure(t *testing.T) {
	h := newHarness(t, &fakeGenerator{openErr: errors.New("upstream 500: secret detail")})
	client := h.dial(t)
	sttSess, _ := h.sessions(t)

	sttSess.fragments <- stt.Fragment{Text: "tell me a joke", IsFinal: true}
	events := readUntil(t, client, protocol.TypeError)

	last := events[len(events)-1]
	if last.str("code") != protocol.CodeGenerationFailed || strings.Contains(last.str("message"), "secret") {
		t.Fatalf("error event=%v", last)
	}
	if indexOf(events, ofType(protocol.TypeEnd)) >= 0 || indexOf(events, ofType(protocol.TypeTTSStart)) >= 0 {
		t.Fatalf("failed turn produced reply events: %v", events)
	}
	if i := indexOf(events, func(ev event) bool { return ev.typ() == protocol.TypeBotTyping && ev["typing"] == false }); i < 0 {
		t.Fatalf("typing indicator not cleared: %v", events)
	}
	if jobs := h.deps.Background.(*recordingBackground).snapshot(); len(jobs) != 0 {
		t.Fatalf("failed turn was submitted: %+v", jobs)
	}
}

func TestSession_StopVoiceClosesUpstreams(t *testing.T) {
	h := newHarness(t, &fakeGenerator{parts: []string{"hi"}})
	h.deps.Config.MaxAudioFrameBytes = 8
	client := h.dial(t)
	sttSess, ttsSess := h.sessions(t)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, client); ev.str("code") != protocol.CodeBadRequest {
		t.Fatalf("unknown message reply=%v", ev)
	}

	for range 2 {
		if err := client.WriteMessage(websocket.BinaryMessage, make([]byte, 16)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if ev := readEvent(t, client); ev.str("code") != protocol.CodeAudioDropped {
		t.Fatalf("oversized frame reply=%v", ev)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, make([]byte, 4)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop-voice"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
	}

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
	if !sttSess.isClosed() || !ttsSess.isClosed() {
		t.Fatalf("upstreams not closed: stt=%v tts=%v", sttSess.isClosed(), ttsSess.isClosed())
	}
	if sizes := sttSess.frameSizes(); len(sizes) != 1 || sizes[0] != 4 {
		t.Fatalf("forwarded frames=%v, want one 4-byte frame", sizes)
	}
}

func TestSession_SlowPersistenceDoesNotDelayEnd(t *testing.T) {
	g := &fakeGenerator{parts: []string{"Directions home are easy."}}
	h := newHarness(t, g)
	sqlite := h.deps.Store.(*store.SQLite)
	slow := slowPersistStore{SQLite: sqlite}
	coord := background.New(slow, g, background.Config{PersistTimeout: 2 * time.Second}, nil)
	h.deps.Store = slow
	h.deps.Background = coord

	client := h.dial(t)
	sttSess, _ := h.sessions(t)
	sttSess.fragments <- stt.Fragment{Text: "how do I get home", IsFinal: true}

	readUntil(t, client, protocol.TypeUserMessage)
	started := time.Now()
	events := readUntil(t, client, protocol.TypeEnd)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("end took %v behind a blocked store", elapsed)
	}
	convID := events[len(events)-1].str("conversation_id")

	renamed := readUntil(t, client, protocol.TypeConversationRenamed)
	ev := renamed[len(renamed)-1]
	if ev.str("conversation_id") != convID || ev.str("title") == "" {
		t.Fatalf("rename event=%v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Wait(ctx); err != nil {
		t.Fatalf("coordinator wait: %v", err)
	}
}

func TestSession_TokenizedReplyKeepsAudioFirst(t *testing.T) {
	reply := []string{"Sure", ",", " turn", " left."}
	h := newHarness(t, &fakeGenerator{parts: reply})
	client := h.dial(t)
	sttSess, ttsSess := h.sessions(t)

	sttSess.fragments <- stt.Fragment{Text: "turn left"}
	sttSess.fragments <- stt.Fragment{Text: "turn left at the light.", IsFinal: true}

	events := readUntil(t, client, protocol.TypeTTSEnd)

	userMsg := indexOf(events, ofType(protocol.TypeUserMessage))
	ttsStart := indexOf(events, ofType(protocol.TypeTTSStart))
	firstContent := indexOf(events, ofType(protocol.TypeContent))
	end := indexOf(events, ofType(protocol.TypeEnd))
	if events[userMsg].str("text") != "turn left at the light." {
		t.Fatalf("user-message=%v", events[userMsg])
	}
	if !(userMsg < ttsStart && ttsStart < firstContent && firstContent < end && end < len(events)-1) {
		t.Fatalf("order: %v", events)
	}

	var shown strings.Builder
	for _, ev := range events {
		if ev.typ() == protocol.TypeContent {
			shown.WriteString(ev.str("text"))
		}
	}
	if want := strings.Join(reply, ""); shown.String() != want || ttsSess.spokenText() != want {
		t.Fatalf("content=%q spoken=%q, want %q", shown.String(), ttsSess.spokenText(), want)
	}
}

func TestSession_WhitespaceTailIsSpoken(t *testing.T) {
	reply := []string{"Okay, that is settled then.", "\n"}
	h := newHarness(t, &fakeGenerator{parts: reply})
	client := h.dial(t)
	sttSess, ttsSess := h.sessions(t)

	sttSess.fragments <- stt.Fragment{Text: "sounds good", IsFinal: true}
	readUntil(t, client, protocol.TypeTTSEnd)

	if got, want := ttsSess.spokenText(), strings.Join(reply, ""); got != want {
		t.Fatalf("spoken=%q, want %q", got, want)
	}
}

func assertFatalUpstream(t *testing.T, h *harness, client *websocket.Conn, code string) {
	t.Helper()
	var errorsSeen []event
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if ev.typ() == protocol.TypeError {
			errorsSeen = append(errorsSeen, ev)
		}
	}
	if len(errorsSeen) != 1 {
		t.Fatalf("error events=%v, want exactly one", errorsSeen)
	}
	want := protocol.NewError(code)
	if errorsSeen[0].str("code") != want.Code || errorsSeen[0].str("message") != want.Message {
		t.Fatalf("error event=%v, want %+v", errorsSeen[0], want)
	}
	select {
	case <-h.runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after upstream failure")
	}
}

func TestSession_STTFailureIsFatal(t *testing.T) {
	h := newHarness(t, &fakeGenerator{parts: []string{"unused"}})
	client := h.dial(t)
	sttSess, ttsSess := h.sessions(t)

	sttSess.errCh <- errors.New("listen socket closed: 1011 internal token abc123")
	assertFatalUpstream(t, h, client, protocol.CodeSTTUnavailable)
	if !sttSess.isClosed() || !ttsSess.isClosed() {
		t.Fatalf("upstreams not closed: stt=%v tts=%v", sttSess.isClosed(), ttsSess.isClosed())
	}
}

func TestSession_TTSFailureIsFatal(t *testing.T) {
	h := newHarness(t, &fakeGenerator{parts: []string{"unused"}})
	client := h.dial(t)
	sttSess, ttsSess := h.sessions(t)

	ttsSess.errCh <- errors.New("speak socket closed: quota exceeded for key sk-live")
	assertFatalUpstream(t, h, client, protocol.CodeTTSUnavailable)
	if !sttSess.isClosed() || !ttsSess.isClosed() {
		t.Fatalf("upstreams not closed: stt=%v tts=%v", sttSess.isClosed(), ttsSess.isClosed())
	}
}

func TestSession_FinalDuringGenerationIsDeferred(t *testing.T) {
	g := &gatedGenerator{gate: make(chan struct{}), parts: []string{"Happy to help with that."}}
	h := newHarness(t, g)
	client := h.dial(t)
	sttSess, _ := h.sessions(t)

	sttSess.fragments <- stt.Fragment{Text: "first question", IsFinal: true}
	first := readUntil(t, client, protocol.TypeUserMessage)
	if got := first[len(first)-1].str("text"); got != "first question" {
		t.Fatalf("first user-message=%q", got)
	}

	// The second utterance settles while the first reply is still streaming.
	sttSess.fragments <- stt.Fragment{Text: "second question", IsFinal: true}
	time.Sleep(5 * h.deps.Config.Debounce)
	close(g.gate)

	untilEnd := readUntil(t, client, protocol.TypeEnd)
	if i := indexOf(untilEnd, ofType(protocol.TypeUserMessage)); i >= 0 {
		t.Fatalf("second turn started before the first ended: %v", untilEnd)
	}

	next := readUntil(t, client, protocol.TypeUserMessage)
	if got := next[len(next)-1].str("text"); got != "second question" {
		t.Fatalf("second user-message=%q", got)
	}
	rest := readUntil(t, client, protocol.TypeEnd)
	if i := indexOf(rest, ofType(protocol.TypeUserMessage)); i >= 0 {
		t.Fatalf("deferred turn ran more than once: %v", rest)
	}
}

func TestSession_StopDuringGenerationDiscardsReply(t *testing.T) {
	g := &gatedGenerator{gate: make(chan struct{}), parts: []string{"This reply never arrives."}}
	t.Cleanup(func() { close(g.gate) })
	h := newHarness(t, g)
	client := h.dial(t)
	sttSess, _ := h.sessions(t)

	sttSess.fragments <- stt.Fragment{Text: "tell me something", IsFinal: true}
	readUntil(t, client, protocol.TypeUserMessage)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop-voice"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var after []event
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		after = append(after, ev)
	}

	select {
	case <-h.runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return while generation was pending")
	}
	for _, typ := range []string{protocol.TypeContent, protocol.TypeEnd, protocol.TypeTTSStart} {
		if i := indexOf(after, ofType(typ)); i >= 0 {
			t.Fatalf("%s sent after stop: %v", typ, after)
		}
	}
	ctx := g.firstCtx()
	if ctx == nil || ctx.Err() == nil {
		t.Fatalf("generation context not canceled on shutdown")
	}
	if jobs := h.deps.Background.(*recordingBackground).snapshot(); len(jobs) != 0 {
		t.Fatalf("background jobs=%d, want none for a discarded turn", len(jobs))
	}
}
