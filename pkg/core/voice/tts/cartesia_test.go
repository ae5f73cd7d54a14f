package tts

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/vango-go/vai-voice/pkg/core/voice/socket"
)

func TestCartesiaCodec_ContextPerReply(t *testing.T) {
	c := &cartesiaCodec{base: cartesiaStreamingRequest{ModelID: "sonic-3"}}

	decode := func(f socket.Frame) cartesiaStreamingRequest {
		t.Helper()
		var req cartesiaStreamingRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return req
	}

	f1, err := c.speak("Hello there, ")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	f2, _ := c.speak("friend.")
	flush, _ := c.flush()

	r1, r2, rf := decode(f1[0]), decode(f2[0]), decode(flush[0])
	if r1.ContextID == "" || r1.ContextID != r2.ContextID || r2.ContextID != rf.ContextID {
		t.Fatalf("context ids=%q/%q/%q, want one shared id", r1.ContextID, r2.ContextID, rf.ContextID)
	}
	if !r1.Continue || !r2.Continue || rf.Continue {
		t.Fatalf("continue flags=%v/%v/%v, want true/true/false", r1.Continue, r2.Continue, rf.Continue)
	}
	if rf.Transcript != "" {
		t.Fatalf("flush transcript=%q, want empty", rf.Transcript)
	}

	next, _ := c.speak("Again.")
	if decode(next[0]).ContextID == r1.ContextID {
		t.Fatalf("expected a fresh context after flush")
	}
}

func TestCartesiaCodec_Decode(t *testing.T) {
	c := &cartesiaCodec{}
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})

	events, _, err := c.decode(socket.Text([]byte(`{"type":"chunk","data":"` + audio + `"}`)))
	if err != nil || len(events) != 1 || events[0].Kind != EventAudio || len(events[0].Audio) != 3 {
		t.Fatalf("chunk events=%+v err=%v", events, err)
	}
	events, _, err = c.decode(socket.Text([]byte(`{"type":"done"}`)))
	if err != nil || len(events) != 1 || events[0].Kind != EventFlushed {
		t.Fatalf("done events=%+v err=%v", events, err)
	}
	events, meta, err := c.decode(socket.Text([]byte(`{"type":"timestamps"}`)))
	if err != nil || len(events) != 0 || meta == "" {
		t.Fatalf("timestamps events=%+v meta=%q err=%v", events, meta, err)
	}
	if _, _, err := c.decode(socket.Text([]byte(`{"type":"error","error":"nope"}`))); err == nil {
		t.Fatalf("expected error")
	}
}

func TestElevenLabsCodec_OpensAndClosesContext(t *testing.T) {
	c := &elevenLabsCodec{}
	frames, err := c.speak("Hi")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("first speak frames=%d, want init + text", len(frames))
	}
	var text map[string]any
	_ = json.Unmarshal(frames[1].Data, &text)
	if text["text"] != "Hi " {
		t.Fatalf("text=%v, want trailing space", text["text"])
	}

	frames, _ = c.speak("there")
	if len(frames) != 1 {
		t.Fatalf("second speak frames=%d, want 1", len(frames))
	}
	frames, _ = c.flush()
	if len(frames) != 2 {
		t.Fatalf("flush frames=%d, want flush + close_context", len(frames))
	}
	if frames, _ := c.flush(); len(frames) != 0 {
		t.Fatalf("flush without context frames=%d, want 0", len(frames))
	}

	audio := base64.StdEncoding.EncodeToString([]byte{9})
	events, _, err := c.decode(socket.Text([]byte(`{"audio":"` + audio + `","isFinal":true}`)))
	if err != nil || len(events) != 2 || events[0].Kind != EventAudio || events[1].Kind != EventFlushed {
		t.Fatalf("events=%+v err=%v", events, err)
	}
}

func TestBuildElevenLabsWSURL(t *testing.T) {
	raw, err := buildElevenLabsWSURL("", Config{Voice: "v1"}.withDefaults())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "wss://api.elevenlabs.io/v1/text-to-speech/v1/multi-stream-input?inactivity_timeout=60&model_id=eleven_flash_v2_5&output_format=pcm_24000"
	if raw != want {
		t.Fatalf("url=%q\nwant %q", raw, want)
	}
}
