package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrUserLimit is returned by Register when the user already has the maximum
// number of live voice sessions.
var ErrUserLimit = errors.New("too many voice sessions for user")

// Handle is how the server reaches a running session during shutdown.
type Handle struct {
	UserID string
	// Cancel stops the session without waiting for it.
	Cancel func()
	// Warn sends a best-effort notice to the client.
	Warn func(code, message string) error
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	perUser  map[string]int
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		perUser:  make(map[string]int),
	}
}

// Register admits a session, enforcing maxPerUser when it is positive.
// The returned unregister func is idempotent.
func (t *Tracker) Register(sessionID string, maxPerUser int, h Handle) (unregister func(), err error) {
	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if maxPerUser > 0 && t.perUser[h.UserID] >= maxPerUser {
		t.mu.Unlock()
		return nil, ErrUserLimit
	}
	if old := t.sessions[sessionID]; old != nil {
		t.mu.Unlock()
		return nil, errors.New("duplicate session id " + sessionID)
	}
	t.sessions[sessionID] = entry
	t.perUser[h.UserID]++
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
			user := entry.handle.UserID
			if t.perUser[user]--; t.perUser[user] <= 0 {
				delete(t.perUser, user)
			}
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) CountUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perUser[userID]
}

// WarnAll returns how many sessions accepted the notice.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		if err := h.Warn(code, message); err == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.handle)
	}
	return out
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
