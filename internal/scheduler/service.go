package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/metrics"
	"github.com/cryptowatch/mentions-bot/internal/monitoring"
	"github.com/cryptowatch/mentions-bot/internal/registry"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Evaluator runs one evaluation pass. *monitoring.Service implements it.
type Evaluator interface {
	EvaluateMonitor(ctx context.Context, id string) monitoring.Result
}

// Config tunes the processing loop
type Config struct {
	// TickSpec is the cron spec of the queue check, e.g. "@every 30s"
	TickSpec string
	// Interval is how often each monitor becomes due
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

type dueEntry struct {
	at  time.Time
	seq uint64
}

// Service drives periodic evaluation of the active monitors
type Service struct {
	config    Config
	registry  *registry.Registry
	evaluator Evaluator
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	due      map[string]dueEntry
	inflight map[string]bool
	seq      uint64

	tickMu sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewService creates a new scheduler service
func NewService(cfg Config, reg *registry.Registry, evaluator Evaluator, m *metrics.Metrics) *Service {
	if cfg.TickSpec == "" {
		cfg.TickSpec = "@every 30s"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	s := &Service{
		config:    cfg,
		registry:  reg,
		evaluator: evaluator,
		metrics:   m,
		now:       time.Now,
		queued:    make(map[string]bool),
		due:       make(map[string]dueEntry),
		inflight:  make(map[string]bool),
	}
	reg.Subscribe(s.handleEvent)
	return s
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Start schedules every active monitor as due now and runs Tick on the cron schedule
func (s *Service) Start(ctx context.Context) error {
	for _, m := range s.registry.ListActive() {
		s.Schedule(m.ID, s.now())
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.config.TickSpec, func() { s.Tick(ctx) }); err != nil {
		cancel()
		return err
	}

	s.cron = c
	s.cancel = cancel
	c.Start()
	logrus.Infof("Scheduler started (%s, monitors due every %s, batch %d, concurrency %d)",
		s.config.TickSpec, s.config.Interval, s.config.BatchSize, s.config.Concurrency)
	return nil
}

// Stop stops the cron driver and waits for a running tick to finish
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	logrus.Info("Scheduler stopped")
}

// Schedule makes a monitor due at the given time. Monitors already queued
// or mid-evaluation keep their place.
func (s *Service) Schedule(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[id] || s.inflight[id] {
		return
	}
	s.seq++
	s.due[id] = dueEntry{at: at, seq: s.seq}
}

// Remove drops a monitor from the queue and the due set
func (s *Service) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.due, id)
	if s.queued[id] {
		delete(s.queued, id)
		for i, q := range s.queue {
			if q == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
}

// QueueDepth returns the number of due monitors waiting to be processed
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pending returns the number of monitors waiting to become due
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.due)
}

func (s *Service) handleEvent(e registry.Event) {
	switch e.Type {
	case registry.EventDeleted:
		s.Remove(e.Monitor.ID)
	case registry.EventCreated, registry.EventUpdated:
		if !e.Monitor.IsActive {
			s.Remove(e.Monitor.ID)
			return
		}
		s.mu.Lock()
		_, scheduled := s.due[e.Monitor.ID]
		s.mu.Unlock()
		if !scheduled {
			s.Schedule(e.Monitor.ID, s.now())
		}
	}
}

// Tick moves due monitors to the queue and evaluates up to one batch of
// them concurrently. Processed monitors that are still active become due
// again one interval later.
func (s *Service) Tick(ctx context.Context) []monitoring.Result {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	batch := s.takeBatch(s.now())
	s.metrics.ActiveMonitors(len(s.registry.ListActive()))
	if len(batch) == 0 {
		return nil
	}

	logrus.Debugf("Processing %d due monitors (%d still queued)", len(batch), s.QueueDepth())

	results := make([]monitoring.Result, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, id := range batch {
		g.Go(func() error {
			results[i] = s.evaluator.EvaluateMonitor(gctx, id)
			s.finish(id)
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.QueueDepth(s.QueueDepth())
	return results
}

func (s *Service) takeBatch(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []string
	for id, e := range s.due {
		if !e.at.After(now) {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := s.due[ready[i]], s.due[ready[j]]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})
	for _, id := range ready {
		delete(s.due, id)
		s.queue = append(s.queue, id)
		s.queued[id] = true
	}

	var batch []string
	for len(s.queue) > 0 && len(batch) < s.config.BatchSize {
		id := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, id)
		if !s.registry.IsActive(id) {
			continue
		}
		if s.registry.Evaluating(id) {
			s.seq++
			s.due[id] = dueEntry{at: now.Add(s.config.Interval), seq: s.seq}
			continue
		}
		s.inflight[id] = true
		batch = append(batch, id)
	}

	s.metrics.QueueDepth(len(s.queue))
	return batch
}

func (s *Service) finish(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()

	if s.registry.IsActive(id) {
		s.Schedule(id, s.now().Add(s.config.Interval))
	}
}
