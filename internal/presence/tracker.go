package presence

import (
	"sync"
	"time"
)

// Tracker is this process's registry of live socket connections per user.
// When a user's last connection closes it waits GraceWindow before calling
// OnOffline, so a reconnect inside the window produces no transition.
type Tracker struct {
	grace     time.Duration
	onOffline func(userID string)

	mu      sync.Mutex
	conns   map[string]map[string]struct{}
	pending map[string]*time.Timer
	gen     map[string]uint64
	stopped bool
}

// NewTracker builds a tracker. onOffline runs on its own goroutine.
func NewTracker(grace time.Duration, onOffline func(userID string)) *Tracker {
	if grace < 0 {
		grace = 0
	}
	return &Tracker{
		grace:     grace,
		onOffline: onOffline,
		conns:     make(map[string]map[string]struct{}),
		pending:   make(map[string]*time.Timer),
		gen:       make(map[string]uint64),
	}
}

// Connect records connID for userID and cancels any pending offline timer.
// It reports whether this is the user's only connection.
func (t *Tracker) Connect(userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
		delete(t.pending, userID)
	}
	t.gen[userID]++
	set, ok := t.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		t.conns[userID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1
}

// Disconnect forgets connID. It reports whether it was the user's last
// connection, in which case the grace timer is armed.
func (t *Tracker) Disconnect(userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) > 0 {
		return false
	}
	delete(t.conns, userID)
	if t.stopped {
		return true
	}
	t.gen[userID]++
	gen := t.gen[userID]
	t.pending[userID] = time.AfterFunc(t.grace, func() { t.expire(userID, gen) })
	return true
}

func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	if t.stopped || t.gen[userID] != gen || len(t.conns[userID]) > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.pending, userID)
	delete(t.gen, userID)
	t.mu.Unlock()

	if t.onOffline != nil {
		t.onOffline(userID)
	}
}

// Connections returns the ids of userID's live connections.
func (t *Tracker) Connections(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns[userID]))
	for id := range t.conns[userID] {
		out = append(out, id)
	}
	return out
}

// IsPresent reports whether userID has a live connection on this process.
func (t *Tracker) IsPresent(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[userID]) > 0
}

// Stop cancels pending offline timers. Later disconnects arm none.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
