package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limit configures the budget of one provider endpoint
type Limit struct {
	Requests int
	Window   time.Duration
}

// Status is a point-in-time view of one budget
type Status struct {
	Provider      string    `json:"provider"`
	Endpoint      string    `json:"endpoint"`
	Remaining     int       `json:"remaining"`
	Limit         int       `json:"limit"`
	WindowResetAt time.Time `json:"window_reset_at"`
}

type key struct {
	provider string
	endpoint string
}

type budget struct {
	remaining     int
	limit         int
	window        time.Duration
	windowResetAt time.Time
}

// Tracker gates provider calls on a fixed-window request budget. It is the
// only state shared between monitors, so every read-modify-write holds mu.
type Tracker struct {
	mu       sync.Mutex
	budgets  map[key]*budget
	defaults Limit
	now      func() time.Time
}

// NewTracker creates a tracker that applies defaults to unconfigured endpoints
func NewTracker(defaults Limit) *Tracker {
	if defaults.Requests < 0 {
		defaults.Requests = 0
	}
	if defaults.Window <= 0 {
		defaults.Window = 15 * time.Minute
	}
	return &Tracker{
		budgets:  make(map[key]*budget),
		defaults: defaults,
		now:      time.Now,
	}
}

// SetClock replaces the time source (tests)
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Configure sets the budget of a provider endpoint, starting a fresh window
func (t *Tracker) Configure(provider, endpoint string, limit Limit) {
	if limit.Window <= 0 {
		limit.Window = t.defaults.Window
	}
	if limit.Requests < 0 {
		limit.Requests = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.budgets[key{provider, endpoint}] = &budget{
		remaining:     limit.Requests,
		limit:         limit.Requests,
		window:        limit.Window,
		windowResetAt: t.now().Add(limit.Window),
	}
}

// TryReserve spends cost requests if the budget allows it. A denied
// reservation leaves the budget untouched.
func (t *Tracker) TryReserve(provider, endpoint string, cost int) bool {
	if cost < 1 {
		cost = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(provider, endpoint)
	now := t.now()
	if !now.Before(b.windowResetAt) {
		b.remaining = b.limit
		b.windowResetAt = now.Add(b.window)
	}

	if b.remaining < cost {
		logrus.Debugf("Rate limit reservation denied for %s/%s (remaining %d, cost %d)", provider, endpoint, b.remaining, cost)
		return false
	}

	b.remaining -= cost
	return true
}

// Observe aligns a budget with what the provider reported in its response headers
func (t *Tracker) Observe(provider, endpoint string, remaining int, resetAt time.Time) {
	if remaining < 0 {
		remaining = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(provider, endpoint)
	if remaining < b.remaining {
		b.remaining = remaining
	}
	if !resetAt.IsZero() && resetAt.After(t.now()) {
		b.windowResetAt = resetAt
	}
}

// Status returns the current budget of a provider endpoint
func (t *Tracker) Status(provider, endpoint string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(provider, endpoint)
	return Status{
		Provider:      provider,
		Endpoint:      endpoint,
		Remaining:     b.remaining,
		Limit:         b.limit,
		WindowResetAt: b.windowResetAt,
	}
}

func (t *Tracker) budgetLocked(provider, endpoint string) *budget {
	k := key{provider, endpoint}
	b, ok := t.budgets[k]
	if !ok {
		b = &budget{
			remaining:     t.defaults.Requests,
			limit:         t.defaults.Requests,
			window:        t.defaults.Window,
			windowResetAt: t.now().Add(t.defaults.Window),
		}
		t.budgets[k] = b
	}
	return b
}
