package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle carries process shutdown state shared by handlers. Once draining,
// readiness fails and new voice sessions are refused.
type Lifecycle struct {
	draining atomic.Bool
	once     sync.Once
	drainCh  chan struct{}
	initOnce sync.Once
}

func (l *Lifecycle) ch() chan struct{} {
	l.initOnce.Do(func() { l.drainCh = make(chan struct{}) })
	return l.drainCh
}

// BeginDrain flips the process into draining. It is safe to call repeatedly.
func (l *Lifecycle) BeginDrain() {
	if l == nil {
		return
	}
	l.draining.Store(true)
	ch := l.ch()
	l.once.Do(func() { close(ch) })
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Draining is closed when BeginDrain is first called.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.ch()
}
