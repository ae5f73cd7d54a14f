package session

import "time"

// keepalive feeds silent PCM to the STT stream while the assistant is
// thinking or speaking, so the upstream does not close the idle socket.
type keepalive struct {
	clock    Clock
	interval time.Duration
	frame    []byte
	ticker   Timer
}

func newKeepalive(clock Clock, interval time.Duration, frameBytes int) *keepalive {
	return &keepalive{
		clock:    clock,
		interval: interval,
		frame:    make([]byte, frameBytes),
	}
}

// start (re)starts the ticker.
func (k *keepalive) start() {
	stopTimer(&k.ticker)
	k.ticker = k.clock.NewTicker(k.interval)
}

func (k *keepalive) stop() { stopTimer(&k.ticker) }

func (k *keepalive) running() bool { return k.ticker != nil }

func (k *keepalive) C() <-chan time.Time { return timerC(k.ticker) }

// silence returns a zeroed frame. Callers must not retain or mutate it.
func (k *keepalive) silence() []byte { return k.frame }
