package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/market"
	"github.com/cryptowatch/mentions-bot/internal/metrics"
	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/cryptowatch/mentions-bot/internal/notifications"
	"github.com/cryptowatch/mentions-bot/internal/registry"
	"github.com/cryptowatch/mentions-bot/internal/sources"
	"github.com/cryptowatch/mentions-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

// Outcome is how an evaluation pass ended
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeSourceUnavailable Outcome = "source_unavailable"
	OutcomeInactive          Outcome = "inactive"
	OutcomeBusy              Outcome = "busy"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeFailed            Outcome = "failed"
)

// Fetcher retrieves mentions for a monitor. *sources.Adapter implements it.
type Fetcher interface {
	Provider() string
	FetchMentions(ctx context.Context, keywords []string, window sources.Window, filters models.Filters) ([]models.Mention, error)
}

// Scorer aggregates sentiment. *sentiment.Aggregator implements it.
type Scorer interface {
	ScoreProject(ctx context.Context, mentions []models.Mention) models.ProjectSentimentSnapshot
}

// Limiter gates fetches. *ratelimit.Tracker implements it.
type Limiter interface {
	TryReserve(provider, endpoint string, cost int) bool
}

// Result describes one evaluation pass
type Result struct {
	MonitorID  string                           `json:"monitor_id"`
	Outcome    Outcome                          `json:"outcome"`
	Fetched    int                              `json:"fetched"`
	Scored     int                              `json:"scored"`
	Snapshot   *models.ProjectSentimentSnapshot `json:"snapshot,omitempty"`
	Alerts     []models.Alert                   `json:"alerts"`
	Suppressed bool                             `json:"suppressed"`
	Error      string                           `json:"error,omitempty"`
	Duration   string                           `json:"duration"`
}

// Stats holds evaluation statistics
type Stats struct {
	Evaluations      int            `json:"evaluations"`
	LastRun          time.Time      `json:"last_run"`
	LastRunDuration  string         `json:"last_run_duration"`
	Outcomes         map[string]int `json:"outcomes"`
	AlertsFired      map[string]int `json:"alerts_fired"`
	AlertsSuppressed int            `json:"alerts_suppressed"`
	TotalMentions    int            `json:"total_mentions"`
	ErrorCount       int            `json:"error_count"`
}

// Options wires the evaluator to its collaborators. Store, Market and
// Metrics are optional.
type Options struct {
	Registry *registry.Registry
	Fetchers map[string]Fetcher
	Limiter  Limiter
	Scorer   Scorer
	Notifier notifications.NotificationInterface
	Store    storage.Store
	Market   market.Provider
	Metrics  *metrics.Metrics

	Cooldown time.Duration
	Lookback time.Duration
}

// Service evaluates monitors one pass at a time
type Service struct {
	registry *registry.Registry
	fetchers map[string]Fetcher
	limiter  Limiter
	scorer   Scorer
	notifier notifications.NotificationInterface
	store    storage.Store
	market   market.Provider
	metrics  *metrics.Metrics

	cooldown time.Duration
	lookback time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	stats *Stats

	subMu       sync.RWMutex
	subscribers []func(models.Alert)
}

// NewService creates a new alert evaluator
func NewService(opts Options) *Service {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = time.Hour
	}
	return &Service{
		registry: opts.Registry,
		fetchers: opts.Fetchers,
		limiter:  opts.Limiter,
		scorer:   opts.Scorer,
		notifier: opts.Notifier,
		store:    opts.Store,
		market:   opts.Market,
		metrics:  opts.Metrics,
		cooldown: opts.Cooldown,
		lookback: opts.Lookback,
		now:      time.Now,
		stats: &Stats{
			Outcomes:    make(map[string]int),
			AlertsFired: make(map[string]int),
		},
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Subscribe registers fn to receive every fired alert, whatever channels
// the monitor notifies. fn runs on the evaluating goroutine and must not block.
func (s *Service) Subscribe(fn func(models.Alert)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// EvaluateMonitor runs one Fetching, Scoring, Deciding pass for a monitor.
// Every failure ends the pass with the monitor Idle; nothing is returned as
// an error so one monitor cannot break the caller's batch.
func (s *Service) EvaluateMonitor(ctx context.Context, id string) (res Result) {
	start := s.now()
	res = Result{MonitorID: id, Alerts: []models.Alert{}}
	log := logrus.WithField("monitor_id", id)

	monitor, err := s.registry.BeginEvaluation(id)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrBusy):
			res.Outcome = OutcomeBusy
		case errors.Is(err, registry.ErrInactive):
			res.Outcome = OutcomeInactive
		default:
			res.Outcome = OutcomeNotFound
		}
		res.Error = err.Error()
		log.Debugf("Evaluation skipped: %v", err)
		s.record(res, 0)
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("phase", s.registry.Phase(id)).Errorf("Evaluation panicked: %v", r)
			res.Outcome = OutcomeFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			res.Alerts = []models.Alert{}
		}
		s.registry.EndEvaluation(id)
		duration := s.now().Sub(start)
		res.Duration = duration.String()
		s.record(res, duration)
	}()

	s.evaluate(ctx, monitor, &res, log)
	return res
}

func (s *Service) evaluate(ctx context.Context, monitor models.Monitor, res *Result, log *logrus.Entry) {
	id := monitor.ID
	now := s.now()

	fetcher, ok := s.fetchers[monitor.Source]
	if !ok {
		res.Outcome = OutcomeSourceUnavailable
		res.Error = fmt.Sprintf("%v: no adapter for %q", sources.ErrSourceUnavailable, monitor.Source)
		log.Warn(res.Error)
		s.markChecked(ctx, monitor, now)
		return
	}

	if !s.limiter.TryReserve(fetcher.Provider(), sources.SearchEndpoint, 1) {
		res.Outcome = OutcomeRateLimited
		s.metrics.RateLimitDenied(fetcher.Provider())
		log.Infof("Rate limit budget for %s spent, skipping this tick", fetcher.Provider())
		s.markChecked(ctx, monitor, now)
		return
	}

	window := sources.Window{Start: monitor.State.LastProcessedAt, End: now}
	if window.Start.IsZero() {
		window.Start = now.Add(-s.lookback)
	}

	log.WithField("phase", registry.PhaseFetching).Debugf("Fetching mentions from %s since %s", fetcher.Provider(), window.Start.Format(time.RFC3339))
	mentions, err := fetcher.FetchMentions(ctx, monitor.SearchTerms(), window, monitor.Filters)
	if err != nil {
		res.Outcome = OutcomeSourceUnavailable
		res.Error = err.Error()
		log.Warnf("No new data this tick: %v", err)
		s.markChecked(ctx, monitor, now)
		return
	}
	res.Fetched = len(mentions)

	if s.store != nil && len(mentions) > 0 {
		if err := s.store.UpsertMentions(ctx, id, mentions); err != nil {
			log.Errorf("Failed to store mentions: %v", err)
		}
	}

	s.registry.SetPhase(id, registry.PhaseScoring)
	filtered := monitor.Filters.Apply(mentions)
	res.Scored = len(filtered)
	snapshot := s.scorer.ScoreProject(ctx, filtered)
	res.Snapshot = &snapshot
	s.metrics.SentimentDegraded(snapshot.DegradedCount)

	// a snapshot scored under a cancelled context is all fallbacks
	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		log.Warnf("Evaluation cancelled before deciding: %v", err)
		return
	}

	s.registry.SetPhase(id, registry.PhaseDeciding)
	if !s.registry.IsActive(id) {
		res.Outcome = OutcomeInactive
		log.Info("Monitor deactivated during evaluation, discarding result")
		return
	}

	decidedAt := s.now()
	candidates := Conditions(monitor, snapshot, len(filtered), decidedAt)

	state := monitor.State
	state.LastProcessedAt = window.End
	state.LastCheckedAt = decidedAt

	fired := false
	if len(candidates) > 0 {
		if InCooldown(monitor.State.LastAlertAt, decidedAt, s.cooldown) {
			res.Suppressed = true
			s.metrics.AlertsSuppressed()
			log.Infof("Suppressed %d alerts, monitor is cooling down", len(candidates))
		} else {
			fired = true
			state.LastAlertAt = decidedAt
			state.RecentVolumeHistory = state.RecentVolumeHistory.Append(float64(len(filtered)))
			if snapshot.TotalMentions > 0 {
				state.RecentSentimentHistory = state.RecentSentimentHistory.Append(snapshot.AverageScore)
			}
			state.RunningSentimentBaseline = snapshot.AverageScore
			state.HasBaseline = true
		}
	}
	if !state.HasBaseline && snapshot.TotalMentions > 0 {
		state.RunningSentimentBaseline = snapshot.AverageScore
		state.HasBaseline = true
	}

	committed, err := s.registry.CommitState(ctx, id, state, true)
	if err != nil {
		if errors.Is(err, registry.ErrInactive) {
			res.Outcome = OutcomeInactive
		} else {
			res.Outcome = OutcomeNotFound
		}
		res.Error = err.Error()
		log.Infof("Discarding evaluation result: %v", err)
		return
	}

	res.Outcome = OutcomeCompleted
	if !fired {
		return
	}

	s.enrich(ctx, committed, candidates, log)
	for _, alert := range candidates {
		if s.store != nil {
			if err := s.store.AppendAlert(ctx, alert); err != nil {
				log.Errorf("Failed to store alert %s: %v", alert.ID, err)
			}
		}
		s.metrics.AlertFired(string(alert.Type), string(alert.Severity))
		log.WithFields(logrus.Fields{"alert_type": alert.Type, "severity": alert.Severity}).Info("Alert fired")
		if s.notifier != nil {
			s.notifier.Enqueue(ctx, alert, committed)
		}
		s.publish(alert, log)
	}
	res.Alerts = candidates
}

// publish hands alert to every subscriber. A panicking subscriber is logged
// and skipped.
func (s *Service) publish(alert models.Alert, log *logrus.Entry) {
	s.subMu.RLock()
	subscribers := append([]func(models.Alert){}, s.subscribers...)
	s.subMu.RUnlock()

	for _, fn := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Alert subscriber panicked: %v", r)
				}
			}()
			fn(alert)
		}()
	}
}

// markChecked records a pass that ended before Deciding
func (s *Service) markChecked(ctx context.Context, monitor models.Monitor, now time.Time) {
	state := monitor.State
	state.LastCheckedAt = now
	if _, err := s.registry.CommitState(ctx, monitor.ID, state, true); err != nil {
		logrus.WithField("monitor_id", monitor.ID).Debugf("Check time not recorded: %v", err)
	}
}

// enrich adds market data to the trigger data of fired alerts. Failures are ignored.
func (s *Service) enrich(ctx context.Context, monitor models.Monitor, alerts []models.Alert, log *logrus.Entry) {
	if s.market == nil || monitor.ProjectID == "" {
		return
	}
	records, err := s.market.GetMarketData(ctx, []string{monitor.ProjectID})
	if err != nil || len(records) == 0 {
		log.Debugf("No market data for %s: %v", monitor.ProjectID, err)
		return
	}
	extra := records[0].TriggerData()
	for i := range alerts {
		data := make(map[string]interface{}, len(alerts[i].TriggerData)+len(extra))
		for k, v := range alerts[i].TriggerData {
			data[k] = v
		}
		for k, v := range extra {
			data[k] = v
		}
		alerts[i].TriggerData = data
	}
}

func (s *Service) record(res Result, duration time.Duration) {
	s.metrics.Evaluation(string(res.Outcome), duration)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Evaluations++
	s.stats.LastRun = s.now()
	s.stats.LastRunDuration = duration.String()
	s.stats.Outcomes[string(res.Outcome)]++
	s.stats.TotalMentions += res.Fetched
	if res.Suppressed {
		s.stats.AlertsSuppressed++
	}
	if res.Outcome == OutcomeFailed {
		s.stats.ErrorCount++
	}
	for _, a := range res.Alerts {
		s.stats.AlertsFired[string(a.Type)]++
	}
}

// GetStats returns current statistics as JSON
func (s *Service) GetStats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, _ := json.MarshalIndent(s.stats, "", "  ")
	return string(data)
}
