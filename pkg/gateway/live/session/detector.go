package session

import (
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
)

// detector turns a stream of transcript fragments into settled user turns.
//
// The buffer is the committed final segments plus the current partial. Each
// final (re)arms the debounce timer; when it fires with no newer final the
// committed text is handed off as one turn.
type detector struct {
	clock    Clock
	debounce time.Duration

	finals  []string
	partial string
	timer   Timer

	// deferred is set when the timer fired while a turn was still in flight.
	deferred bool
}

func newDetector(clock Clock, debounce time.Duration) *detector {
	return &detector{clock: clock, debounce: debounce}
}

// observe records one fragment and returns the caption text to relay.
func (d *detector) observe(f stt.Fragment) string {
	text := strings.TrimSpace(f.Text)
	if !f.IsFinal {
		d.partial = text
		return d.caption()
	}

	d.partial = ""
	if text != "" {
		d.finals = append(d.finals, text)
	}
	d.deferred = false
	stopTimer(&d.timer)
	d.timer = d.clock.NewTimer(d.debounce)
	return d.caption()
}

func (d *detector) caption() string {
	parts := d.finals
	if d.partial != "" {
		parts = append(parts[:len(parts):len(parts)], d.partial)
	}
	return strings.Join(parts, " ")
}

// C fires when the debounce window closes.
func (d *detector) C() <-chan time.Time { return timerC(d.timer) }

// expired consumes a timer fire. It reports false if the caller must wait.
func (d *detector) expired(busy bool) bool {
	d.timer = nil
	if busy {
		d.deferred = true
		return false
	}
	return true
}

// takeDeferred reports whether a settle was postponed, clearing the flag.
func (d *detector) takeDeferred() bool {
	ok := d.deferred
	d.deferred = false
	return ok
}

// settle hands off the committed text and clears the buffer. Empty text
// yields no turn. A partial still in progress is kept for the next turn.
func (d *detector) settle() (string, bool) {
	text := strings.TrimSpace(strings.Join(d.finals, " "))
	d.finals = nil
	stopTimer(&d.timer)
	return text, text != ""
}

func (d *detector) stop() {
	stopTimer(&d.timer)
	d.finals = nil
	d.partial = ""
	d.deferred = false
}
