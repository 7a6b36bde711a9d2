package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(requests int, window time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(Limit{Requests: requests, Window: window})
	tracker.SetClock(clock.Now)
	return tracker, clock
}

func TestTracker_TryReserveSpendsBudget(t *testing.T) {
	tracker, _ := newTestTracker(3, time.Minute)

	assert.True(t, tracker.TryReserve("twitter", "search", 1))
	assert.True(t, tracker.TryReserve("twitter", "search", 2))
	assert.False(t, tracker.TryReserve("twitter", "search", 1))
	assert.Equal(t, 0, tracker.Status("twitter", "search").Remaining)
}

func TestTracker_DeniedReservationDoesNotMutate(t *testing.T) {
	tracker, _ := newTestTracker(2, time.Minute)

	assert.False(t, tracker.TryReserve("twitter", "search", 5))
	assert.Equal(t, 2, tracker.Status("twitter", "search").Remaining)
}

func TestTracker_WindowResets(t *testing.T) {
	tracker, clock := newTestTracker(1, time.Minute)

	assert.True(t, tracker.TryReserve("twitter", "search", 1))
	assert.False(t, tracker.TryReserve("twitter", "search", 1))

	clock.Advance(time.Minute)
	assert.True(t, tracker.TryReserve("twitter", "search", 1))
	assert.Equal(t, clock.Now().Add(time.Minute), tracker.Status("twitter", "search").WindowResetAt)
}

func TestTracker_EndpointsAreIndependent(t *testing.T) {
	tracker, _ := newTestTracker(1, time.Minute)
	tracker.Configure("reddit", "search", Limit{Requests: 2, Window: time.Minute})

	assert.True(t, tracker.TryReserve("twitter", "search", 1))
	assert.False(t, tracker.TryReserve("twitter", "search", 1))
	assert.True(t, tracker.TryReserve("reddit", "search", 1))
	assert.True(t, tracker.TryReserve("reddit", "search", 1))
}

func TestTracker_ObserveClampsToZero(t *testing.T) {
	tracker, clock := newTestTracker(10, time.Minute)

	tracker.Observe("twitter", "search", -4, clock.Now().Add(30*time.Second))

	status := tracker.Status("twitter", "search")
	assert.Equal(t, 0, status.Remaining)
	assert.False(t, tracker.TryReserve("twitter", "search", 1))
}

func TestTracker_ConcurrentReservationsNeverOverspend(t *testing.T) {
	tracker, _ := newTestTracker(50, time.Hour)

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.TryReserve("twitter", "search", 1) {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), granted)
	assert.Equal(t, 0, tracker.Status("twitter", "search").Remaining)
}
