package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type offlineRecorder struct {
	mu    sync.Mutex
	users []string
}

func (r *offlineRecorder) record(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func (r *offlineRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func TestTracker_MultipleDevices(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(20*time.Millisecond, rec.record)
	defer tr.Stop()

	assert.True(t, tr.Connect("u1", "c1"))
	assert.False(t, tr.Connect("u1", "c2"))
	assert.ElementsMatch(t, []string{"c1", "c2"}, tr.Connections("u1"))

	assert.False(t, tr.Disconnect("u1", "c1"))
	assert.True(t, tr.IsPresent("u1"))
	assert.True(t, tr.Disconnect("u1", "c2"))
	assert.False(t, tr.IsPresent("u1"))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTracker_ReconnectWithinGrace(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(100*time.Millisecond, rec.record)
	defer tr.Stop()

	tr.Connect("u1", "c1")
	tr.Disconnect("u1", "c1")
	time.Sleep(20 * time.Millisecond)
	tr.Connect("u1", "c2")

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.True(t, tr.IsPresent("u1"))
}

func TestTracker_ExactlyOneOfflineAfterWindow(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(30*time.Millisecond, rec.record)
	defer tr.Stop()

	tr.Connect("u1", "c1")
	tr.Disconnect("u1", "c1")
	// Unknown connections are ignored.
	assert.False(t, tr.Disconnect("u1", "c1"))
	assert.False(t, tr.Disconnect("nobody", "c9"))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{"u1"}, rec.users)
}

func TestTracker_StopCancelsTimers(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(30*time.Millisecond, rec.record)

	tr.Connect("u1", "c1")
	tr.Disconnect("u1", "c1")
	tr.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, rec.count())
}
