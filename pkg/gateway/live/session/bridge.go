package session

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/vango-go/vai-voice/pkg/core/generation"
)

// genEvent is one step of a streaming reply. The final event has done set.
type genEvent struct {
	text string
	done bool
	err  error
}

// streamReply runs one generation call and forwards its fragments to out.
// Once ctx is canceled nothing more is delivered.
func streamReply(ctx context.Context, g generation.Streamer, req generation.Request, out chan<- genEvent) {
	send := func(ev genEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	stream, err := g.Stream(ctx, req)
	if err != nil {
		send(genEvent{done: true, err: err})
		return
	}
	defer stream.Close()

	for stream.Next() {
		text := stream.Text()
		if text == "" {
			continue
		}
		if !send(genEvent{text: text}) {
			return
		}
	}
	send(genEvent{done: true, err: stream.Err()})
}

// chunker groups reply fragments into TTS Speak commands. Once the buffer holds
// at least minChars runes it is cut at the last sentence end (or failing that
// the last space) and the head is released; the concatenation of everything
// released plus flush equals everything pushed.
type chunker struct {
	minChars int
	buf      strings.Builder
}

func newChunker(minChars int) *chunker {
	if minChars <= 0 {
		minChars = 1
	}
	return &chunker{minChars: minChars}
}

func (c *chunker) push(text string) []string {
	c.buf.WriteString(text)
	s := c.buf.String()
	if utf8.RuneCountInString(s) < c.minChars {
		return nil
	}

	cut := lastBoundaryCut(s)
	if cut <= 0 || strings.TrimSpace(s[:cut]) == "" {
		cut = len(s)
	}
	c.buf.Reset()
	c.buf.WriteString(s[cut:])
	return []string{s[:cut]}
}

// flush releases whatever is buffered.
func (c *chunker) flush() string {
	s := c.buf.String()
	c.buf.Reset()
	return s
}

func isSentenceBoundary(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == '\n'
}

// lastBoundaryCut returns the byte index just past the last sentence boundary
// (and any whitespace after it), else just past the last whitespace, else 0.
func lastBoundaryCut(s string) int {
	lastBoundary, lastSpace := 0, 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case isSentenceBoundary(r):
			j := i
			for j < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[j:])
				if !unicode.IsSpace(r2) {
					break
				}
				j += sz
			}
			lastBoundary = j
		case unicode.IsSpace(r):
			lastSpace = i
		}
	}
	if lastBoundary > 0 {
		return lastBoundary
	}
	return lastSpace
}

// pacer staggers assistant text for display. The first word of a turn waits
// lead; each later word waits interval. Both zero disables pacing.
//
// While held, pushed text is only queued; the lead starts at release, so
// nothing is displayed before the turn's first Speak.
type pacer struct {
	clock    Clock
	lead     time.Duration
	interval time.Duration

	queue   []string
	timer   Timer
	started bool
	held    bool
}

func newPacer(clock Clock, lead, interval time.Duration) *pacer {
	return &pacer{clock: clock, lead: lead, interval: interval}
}

func (p *pacer) disabled() bool { return p.lead <= 0 && p.interval <= 0 }

// push queues text and returns whatever is due immediately.
func (p *pacer) push(text string) []string {
	if text == "" {
		return nil
	}
	if p.disabled() {
		if p.held {
			p.queue = append(p.queue, text)
			return nil
		}
		p.started = true
		return []string{text}
	}
	p.queue = append(p.queue, splitWords(text)...)
	if p.held || p.timer != nil {
		return nil
	}
	return p.schedule()
}

func (p *pacer) hold() { p.held = true }

// release ends a hold and returns whatever is due immediately.
func (p *pacer) release() []string {
	if !p.held {
		return nil
	}
	p.held = false
	if p.disabled() {
		out := p.queue
		p.queue = nil
		if len(out) > 0 {
			p.started = true
		}
		return out
	}
	if p.timer != nil {
		return nil
	}
	return p.schedule()
}

// fire is called when C delivers; it returns the words now due.
func (p *pacer) fire() []string {
	p.timer = nil
	if len(p.queue) == 0 {
		return nil
	}
	out := []string{p.pop()}
	return append(out, p.schedule()...)
}

func (p *pacer) schedule() []string {
	var out []string
	for len(p.queue) > 0 {
		wait := p.interval
		if !p.started {
			wait = p.lead
		}
		if wait > 0 {
			p.timer = p.clock.NewTimer(wait)
			return out
		}
		out = append(out, p.pop())
	}
	return out
}

func (p *pacer) pop() string {
	w := p.queue[0]
	p.queue = p.queue[1:]
	p.started = true
	return w
}

func (p *pacer) C() <-chan time.Time { return timerC(p.timer) }

// idle reports whether everything pushed has been displayed.
func (p *pacer) idle() bool { return len(p.queue) == 0 && p.timer == nil }

func (p *pacer) reset() {
	stopTimer(&p.timer)
	p.queue = nil
	p.started = false
	p.held = false
}

// splitWords splits text after each run of whitespace, so the pieces
// concatenate back to text.
func splitWords(text string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			out = append(out, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
