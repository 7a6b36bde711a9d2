package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/metrics"
	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/cryptowatch/mentions-bot/internal/monitoring"
	"github.com/cryptowatch/mentions-bot/internal/ratelimit"
	"github.com/cryptowatch/mentions-bot/internal/registry"
	"github.com/cryptowatch/mentions-bot/internal/sentiment"
	"github.com/cryptowatch/mentions-bot/internal/storage"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeframe = "24h"
	defaultSample    = 100
	maxSample        = 1000
	defaultAlerts    = 50
)

// Evaluator runs an on-demand evaluation pass
type Evaluator interface {
	EvaluateMonitor(ctx context.Context, id string) monitoring.Result
	GetStats() string
}

// Options wires the API. Store, Scorer, Cache, Feed, RateLimits and Metrics
// are optional; their endpoints answer 503 when missing.
type Options struct {
	Registry   *registry.Registry
	Evaluator  Evaluator
	Store      storage.Store
	Scorer     monitoring.Scorer
	Cache      *sentiment.SnapshotCache
	Feed       *Feed
	RateLimits func() []ratelimit.Status
	Metrics    *metrics.Metrics
}

// Server is the admin HTTP API
type Server struct {
	opts   Options
	router *mux.Router
	now    func() time.Time
}

// NewServer creates the API and registers its routes
func NewServer(opts Options) *Server {
	s := &Server{opts: opts, router: mux.NewRouter(), now: time.Now}

	if opts.Cache != nil {
		opts.Registry.Subscribe(func(e registry.Event) {
			opts.Cache.Invalidate(e.Monitor.ID)
		})
	}

	s.router.HandleFunc("/health", s.health).Methods("GET")
	s.router.HandleFunc("/stats", s.stats).Methods("GET")
	s.router.Handle("/metrics", opts.Metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/monitors", s.listMonitors).Methods("GET")
	api.HandleFunc("/monitors", s.createMonitor).Methods("POST")
	api.HandleFunc("/monitors/{id}", s.getMonitor).Methods("GET")
	api.HandleFunc("/monitors/{id}", s.updateMonitor).Methods("PATCH")
	api.HandleFunc("/monitors/{id}", s.deleteMonitor).Methods("DELETE")
	api.HandleFunc("/monitors/{id}/toggle", s.toggleMonitor).Methods("POST")
	api.HandleFunc("/monitors/{id}/evaluate", s.evaluateMonitor).Methods("POST")
	api.HandleFunc("/monitors/{id}/alerts", s.listAlerts).Methods("GET")
	api.HandleFunc("/monitors/{id}/sentiment", s.monitorSentiment).Methods("GET")
	api.HandleFunc("/notifications", s.notifications).Methods("GET")
	api.HandleFunc("/ratelimits", s.rateLimits).Methods("GET")

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Format(time.RFC3339),
		"monitors":  s.opts.Registry.Len(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.opts.Evaluator.GetStats()))
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	monitors := s.opts.Registry.List()
	if r.URL.Query().Get("active") == "true" {
		monitors = s.opts.Registry.ListActive()
	}
	writeJSON(w, http.StatusOK, monitors)
}

func (s *Server) createMonitor(w http.ResponseWriter, r *http.Request) {
	var cfg registry.MonitorConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	m, err := s.opts.Registry.Create(r.Context(), cfg)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"monitor": m,
		"phase":   s.opts.Registry.Phase(m.ID),
	})
}

func (s *Server) updateMonitor(w http.ResponseWriter, r *http.Request) {
	var patch registry.MonitorPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	m, err := s.opts.Registry.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Registry.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Registry.Toggle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) evaluateMonitor(w http.ResponseWriter, r *http.Request) {
	res := s.opts.Evaluator.EvaluateMonitor(r.Context(), mux.Vars(r)["id"])

	status := http.StatusOK
	switch res.Outcome {
	case monitoring.OutcomeNotFound:
		status = http.StatusNotFound
	case monitoring.OutcomeBusy, monitoring.OutcomeInactive:
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("storage is not configured"))
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.opts.Registry.Get(id); err != nil {
		writeRegistryError(w, err)
		return
	}

	limit, err := intParam(r, "limit", defaultAlerts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	alerts, err := s.opts.Store.ListAlerts(r.Context(), id, limit)
	if err != nil {
		logrus.Errorf("Failed to list alerts for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to list alerts"))
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) monitorSentiment(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil || s.opts.Scorer == nil || s.opts.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sentiment snapshots are not configured"))
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.opts.Registry.Get(id); err != nil {
		writeRegistryError(w, err)
		return
	}

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = defaultTimeframe
	}
	window, err := ParseTimeframe(timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sample, err := intParam(r, "sample", defaultSample)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if sample > maxSample {
		sample = maxSample
	}

	ctx := r.Context()
	snapshot, err := s.opts.Cache.GetOrLoad(sentiment.CacheKey(id, timeframe, sample), func() (models.ProjectSentimentSnapshot, error) {
		mentions, err := s.opts.Store.ListMentions(ctx, id, s.now().Add(-window), sample)
		if err != nil {
			return models.ProjectSentimentSnapshot{}, err
		}
		return s.opts.Scorer.ScoreProject(ctx, mentions), nil
	})
	if err != nil {
		logrus.Errorf("Failed to compute sentiment for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to compute sentiment"))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	if s.opts.Feed == nil {
		writeJSON(w, http.StatusOK, []models.Notification{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Feed.Recent())
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	if s.opts.RateLimits == nil {
		writeJSON(w, http.StatusOK, []ratelimit.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.RateLimits())
}

// ParseTimeframe accepts Go durations and whole days such as "7d"
func ParseTimeframe(tf string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(tf, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid timeframe %q", tf)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(tf)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	return d, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func writeRegistryError(w http.ResponseWriter, err error) {
	var verr *registry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		logrus.Errorf("Registry operation failed: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

// Feed keeps the most recent local notifications
type Feed struct {
	mu    sync.Mutex
	limit int
	items []models.Notification
}

// NewFeed creates a feed holding at most limit notifications
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 100
	}
	return &Feed{limit: limit}
}

// Add records a notification. It is meant to be a local channel subscriber.
func (f *Feed) Add(n models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
	if len(f.items) > f.limit {
		f.items = f.items[len(f.items)-f.limit:]
	}
}

// Recent returns the stored notifications, newest first
func (f *Feed) Recent() []models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Notification, 0, len(f.items))
	for i := len(f.items) - 1; i >= 0; i-- {
		out = append(out, f.items[i])
	}
	return out
}
