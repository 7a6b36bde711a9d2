package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned for unknown monitor IDs
	ErrNotFound = errors.New("monitor not found")
	// ErrBusy is returned when a monitor is already being evaluated
	ErrBusy = errors.New("monitor is already being evaluated")
	// ErrInactive is returned when an inactive monitor is asked to evaluate or commit
	ErrInactive = errors.New("monitor is not active")
)

// Phase is the evaluation state of a monitor
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseFetching Phase = "fetching"
	PhaseScoring  Phase = "scoring"
	PhaseDeciding Phase = "deciding"
)

// Persister stores monitors. The SQLite and blob stores implement it.
type Persister interface {
	SaveMonitorState(ctx context.Context, monitor models.Monitor) error
	DeleteMonitor(ctx context.Context, id string) error
}

// EventType tells subscribers what happened to a monitor
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is published after every committed configuration change
type Event struct {
	Type    EventType
	Monitor models.Monitor
}

// MonitorConfig is the input of Create
type MonitorConfig struct {
	Name       string            `json:"name"`
	ProjectID  string            `json:"project_id,omitempty"`
	Source     string            `json:"source,omitempty"`
	Keywords   []string          `json:"keywords"`
	Filters    models.Filters    `json:"filters"`
	Thresholds models.Thresholds `json:"thresholds"`
	Webhooks   []string          `json:"webhooks,omitempty"`
	Notify     models.Notify     `json:"notify"`
	IsActive   *bool             `json:"is_active,omitempty"`
}

// MonitorPatch holds the fields of an update; nil fields are left unchanged
type MonitorPatch struct {
	Name       *string            `json:"name,omitempty"`
	ProjectID  *string            `json:"project_id,omitempty"`
	Source     *string            `json:"source,omitempty"`
	Keywords   *[]string          `json:"keywords,omitempty"`
	Filters    *models.Filters    `json:"filters,omitempty"`
	Thresholds *models.Thresholds `json:"thresholds,omitempty"`
	Webhooks   *[]string          `json:"webhooks,omitempty"`
	Notify     *models.Notify     `json:"notify,omitempty"`
	IsActive   *bool              `json:"is_active,omitempty"`
}

// Options configure a Registry
type Options struct {
	Sources       []string
	DefaultSource string
	HistorySize   int
	Persister     Persister
}

// Registry owns the monitors. Reads see an immutable snapshot of the map;
// writers copy it under a lock and swap it in.
type Registry struct {
	options Options
	now     func() time.Time

	mu       sync.Mutex
	monitors atomic.Value // map[string]models.Monitor

	phaseMu sync.Mutex
	phases  map[string]Phase

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// New creates an empty registry
func New(opts Options) *Registry {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.DefaultSource == "" {
		opts.DefaultSource = "twitter"
	}
	r := &Registry{
		options: opts,
		now:     time.Now,
		phases:  make(map[string]Phase),
	}
	r.monitors.Store(map[string]models.Monitor{})
	return r
}

// SetClock replaces the clock used for timestamps
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Subscribe registers fn for every committed configuration change
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) publish(e Event) {
	r.subMu.RLock()
	subs := append([]func(Event){}, r.subscribers...)
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(Event{Type: e.Type, Monitor: e.Monitor.Clone()})
	}
}

func (r *Registry) snapshot() map[string]models.Monitor {
	return r.monitors.Load().(map[string]models.Monitor)
}

// write applies fn to a copy of the map and swaps it in if fn succeeds.
// Callers must hold r.mu.
func (r *Registry) write(fn func(map[string]models.Monitor) error) error {
	current := r.snapshot()
	next := make(map[string]models.Monitor, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	r.monitors.Store(next)
	return nil
}

func (r *Registry) persist(ctx context.Context, m models.Monitor) error {
	if r.options.Persister == nil {
		return nil
	}
	if err := r.options.Persister.SaveMonitorState(ctx, m); err != nil {
		return fmt.Errorf("failed to save monitor %s: %w", m.ID, err)
	}
	return nil
}

// Create validates cfg and registers a new monitor
func (r *Registry) Create(ctx context.Context, cfg MonitorConfig) (models.Monitor, error) {
	now := r.now().UTC()
	m := models.Monitor{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(cfg.Name),
		ProjectID:  strings.TrimSpace(cfg.ProjectID),
		Source:     strings.ToLower(strings.TrimSpace(cfg.Source)),
		Keywords:   normalizeKeywords(cfg.Keywords),
		Filters:    cfg.Filters,
		Thresholds: cfg.Thresholds,
		Webhooks:   cfg.Webhooks,
		Notify:     cfg.Notify,
		IsActive:   true,
		State: models.MonitorState{
			RecentVolumeHistory:    models.NewHistory(r.options.HistorySize),
			RecentSentimentHistory: models.NewHistory(r.options.HistorySize),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.Source == "" {
		m.Source = r.options.DefaultSource
	}
	if m.Thresholds.SentimentDirection == "" {
		m.Thresholds.SentimentDirection = models.DirectionAny
	}
	if cfg.IsActive != nil {
		m.IsActive = *cfg.IsActive
	}
	m = m.Clone()

	if err := Validate(m, r.options.Sources); err != nil {
		return models.Monitor{}, err
	}

	r.mu.Lock()
	err := r.write(func(next map[string]models.Monitor) error {
		if err := r.persist(ctx, m); err != nil {
			return err
		}
		next[m.ID] = m
		return nil
	})
	r.mu.Unlock()
	if err != nil {
		return models.Monitor{}, err
	}

	logrus.WithFields(logrus.Fields{"monitor_id": m.ID, "name": m.Name}).Info("Monitor created")
	r.publish(Event{Type: EventCreated, Monitor: m})
	return m.Clone(), nil
}

// Update merges patch into the monitor. The merged result is validated and
// either committed whole or not at all.
func (r *Registry) Update(ctx context.Context, id string, patch MonitorPatch) (models.Monitor, error) {
	var updated models.Monitor

	r.mu.Lock()
	err := r.write(func(next map[string]models.Monitor) error {
		current, ok := next[id]
		if !ok {
			return ErrNotFound
		}

		m := current.Clone()
		if patch.Name != nil {
			m.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.ProjectID != nil {
			m.ProjectID = strings.TrimSpace(*patch.ProjectID)
		}
		if patch.Source != nil {
			m.Source = strings.ToLower(strings.TrimSpace(*patch.Source))
		}
		if patch.Keywords != nil {
			m.Keywords = normalizeKeywords(*patch.Keywords)
		}
		if patch.Filters != nil {
			m.Filters = *patch.Filters
		}
		if patch.Thresholds != nil {
			m.Thresholds = *patch.Thresholds
			if m.Thresholds.SentimentDirection == "" {
				m.Thresholds.SentimentDirection = models.DirectionAny
			}
		}
		if patch.Webhooks != nil {
			m.Webhooks = *patch.Webhooks
		}
		if patch.Notify != nil {
			m.Notify = *patch.Notify
		}
		if patch.IsActive != nil {
			m.IsActive = *patch.IsActive
		}
		m = m.Clone()

		if err := Validate(m, r.options.Sources); err != nil {
			return err
		}
		m.UpdatedAt = r.now().UTC()
		if err := r.persist(ctx, m); err != nil {
			return err
		}
		next[id] = m
		updated = m
		return nil
	})
	r.mu.Unlock()
	if err != nil {
		return models.Monitor{}, err
	}

	logrus.WithField("monitor_id", id).Info("Monitor updated")
	r.publish(Event{Type: EventUpdated, Monitor: updated})
	return updated.Clone(), nil
}

// Toggle flips the active flag of a monitor
func (r *Registry) Toggle(ctx context.Context, id string) (models.Monitor, error) {
	current, err := r.Get(id)
	if err != nil {
		return models.Monitor{}, err
	}
	active := !current.IsActive
	return r.Update(ctx, id, MonitorPatch{IsActive: &active})
}

// Delete removes a monitor. An in-flight evaluation completes but cannot
// commit its result.
func (r *Registry) Delete(ctx context.Context, id string) error {
	var removed models.Monitor

	r.mu.Lock()
	err := r.write(func(next map[string]models.Monitor) error {
		m, ok := next[id]
		if !ok {
			return ErrNotFound
		}
		if r.options.Persister != nil {
			if err := r.options.Persister.DeleteMonitor(ctx, id); err != nil {
				return fmt.Errorf("failed to delete monitor %s: %w", id, err)
			}
		}
		delete(next, id)
		removed = m
		return nil
	})
	r.mu.Unlock()
	if err != nil {
		return err
	}

	logrus.WithField("monitor_id", id).Info("Monitor deleted")
	r.publish(Event{Type: EventDeleted, Monitor: removed})
	return nil
}

// Get returns a copy of a monitor
func (r *Registry) Get(id string) (models.Monitor, error) {
	m, ok := r.snapshot()[id]
	if !ok {
		return models.Monitor{}, ErrNotFound
	}
	return m.Clone(), nil
}

// List returns copies of all monitors ordered by creation time
func (r *Registry) List() []models.Monitor {
	current := r.snapshot()
	out := make([]models.Monitor, 0, len(current))
	for _, m := range current {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListActive returns the active monitors ordered by creation time
func (r *Registry) ListActive() []models.Monitor {
	var active []models.Monitor
	for _, m := range r.List() {
		if m.IsActive {
			active = append(active, m)
		}
	}
	return active
}

// IsActive reports whether id exists and is active
func (r *Registry) IsActive(id string) bool {
	m, ok := r.snapshot()[id]
	return ok && m.IsActive
}

// Len returns the number of registered monitors
func (r *Registry) Len() int {
	return len(r.snapshot())
}

// Restore loads previously persisted monitors without persisting them again.
// Invalid monitors are skipped and reported in the returned count.
func (r *Registry) Restore(monitors []models.Monitor) (restored int, skipped int) {
	r.mu.Lock()
	_ = r.write(func(next map[string]models.Monitor) error {
		for _, m := range monitors {
			m = m.Clone()
			if m.ID == "" {
				skipped++
				continue
			}
			if m.Source == "" {
				m.Source = r.options.DefaultSource
			}
			if err := Validate(m, r.options.Sources); err != nil {
				logrus.WithField("monitor_id", m.ID).Warnf("Skipping stored monitor: %v", err)
				skipped++
				continue
			}
			if m.State.RecentVolumeHistory.Limit <= 0 {
				m.State.RecentVolumeHistory.Limit = r.options.HistorySize
			}
			if m.State.RecentSentimentHistory.Limit <= 0 {
				m.State.RecentSentimentHistory.Limit = r.options.HistorySize
			}
			next[m.ID] = m
			restored++
		}
		return nil
	})
	r.mu.Unlock()

	for _, m := range monitors {
		if r.IsActive(m.ID) {
			if current, err := r.Get(m.ID); err == nil {
				r.publish(Event{Type: EventCreated, Monitor: current})
			}
		}
	}
	return restored, skipped
}

// BeginEvaluation takes the evaluation lease of a monitor and returns the
// configuration snapshot the pass runs against. Only one lease per monitor
// can be held at a time.
func (r *Registry) BeginEvaluation(id string) (models.Monitor, error) {
	m, ok := r.snapshot()[id]
	if !ok {
		return models.Monitor{}, ErrNotFound
	}
	if !m.IsActive {
		return models.Monitor{}, ErrInactive
	}

	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	if _, running := r.phases[id]; running {
		return models.Monitor{}, ErrBusy
	}
	r.phases[id] = PhaseFetching
	return m.Clone(), nil
}

// SetPhase records the phase of an evaluation in progress
func (r *Registry) SetPhase(id string, phase Phase) {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	if _, running := r.phases[id]; running {
		r.phases[id] = phase
	}
}

// EndEvaluation releases the lease. The monitor is Idle afterwards.
func (r *Registry) EndEvaluation(id string) {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	delete(r.phases, id)
}

// Phase returns the evaluation phase of a monitor
func (r *Registry) Phase(id string) Phase {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	if p, ok := r.phases[id]; ok {
		return p
	}
	return PhaseIdle
}

// Evaluating reports whether the monitor holds an evaluation lease
func (r *Registry) Evaluating(id string) bool {
	return r.Phase(id) != PhaseIdle
}

// CommitState stores the state produced by an evaluation. The current
// configuration is kept, so updates made during the pass survive. When
// requireActive is set, a monitor deactivated mid-pass is left untouched
// and ErrInactive is returned.
func (r *Registry) CommitState(ctx context.Context, id string, state models.MonitorState, requireActive bool) (models.Monitor, error) {
	var committed models.Monitor

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.write(func(next map[string]models.Monitor) error {
		current, ok := next[id]
		if !ok {
			return ErrNotFound
		}
		if requireActive && !current.IsActive {
			return ErrInactive
		}
		m := current.Clone()
		m.State = state
		m = m.Clone()
		if err := r.persist(ctx, m); err != nil {
			// storage failures do not roll back the in-memory state
			logrus.WithField("monitor_id", id).Errorf("Failed to persist monitor state: %v", err)
		}
		next[id] = m
		committed = m
		return nil
	})
	if err != nil {
		return models.Monitor{}, err
	}
	return committed.Clone(), nil
}
