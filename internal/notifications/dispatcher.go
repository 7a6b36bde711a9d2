package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/metrics"
	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when the dispatcher no longer accepts alerts
var ErrStopped = errors.New("dispatcher stopped")

// DeliveryFailure is a channel delivery that failed after every attempt
type DeliveryFailure struct {
	Channel  string
	Target   string
	Attempts int
	Err      error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("%s delivery to %s failed after %d attempts: %v", e.Channel, e.Target, e.Attempts, e.Err)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}

// Config tunes delivery
type Config struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
	QueueSize  int
	// DedupSize bounds how many alert IDs are remembered for deduplication
	DedupSize int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Attempts:   3,
		Backoff:    time.Second,
		MaxBackoff: 10 * time.Second,
		Timeout:    30 * time.Second,
		QueueSize:  100,
		DedupSize:  10000,
	}
}

type job struct {
	ctx     context.Context
	alert   models.Alert
	monitor models.Monitor
	done    chan models.DeliveryResult
}

// Dispatcher delivers alerts in order from a single queue worker
type Dispatcher struct {
	config   Config
	channels []Channel
	recorder Recorder
	metrics  *metrics.Metrics

	queue chan job

	mu      sync.Mutex
	stopped bool
	seen    map[string]bool
	order   []string

	wg sync.WaitGroup
}

var _ NotificationInterface = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. recorder and m may be nil.
func NewDispatcher(cfg Config, channels []Channel, recorder Recorder, m *metrics.Metrics) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaults.Attempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaults.DedupSize
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		recorder: recorder,
		metrics:  m,
		queue:    make(chan job, cfg.QueueSize),
		seen:     make(map[string]bool),
	}
}

// Start runs the queue worker until Stop is called
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for j := range d.queue {
			j.done <- d.deliver(j.ctx, j.alert, j.monitor)
			close(j.done)
		}
	}()
	logrus.Infof("Notification dispatcher started with %d channels", len(d.channels))
}

// Stop stops accepting alerts and waits for the queued ones to be delivered
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	logrus.Info("Notification dispatcher stopped")
}

// Enqueue queues an alert for delivery. An alert ID that was already
// dispatched yields a Duplicate result without delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, alert models.Alert, monitor models.Monitor) <-chan models.DeliveryResult {
	done := make(chan models.DeliveryResult, 1)
	finish := func(r models.DeliveryResult) <-chan models.DeliveryResult {
		done <- r
		close(done)
		return done
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		logrus.WithField("alert_id", alert.ID).Warn("Dispatcher stopped, alert not delivered")
		return finish(models.DeliveryResult{AlertID: alert.ID, Channels: []models.ChannelResult{}})
	}
	if d.seen[alert.ID] {
		logrus.WithField("alert_id", alert.ID).Debug("Duplicate alert ignored")
		return finish(models.DeliveryResult{AlertID: alert.ID, Duplicate: true, Channels: []models.ChannelResult{}})
	}

	select {
	case d.queue <- job{ctx: context.WithoutCancel(ctx), alert: alert, monitor: monitor.Clone(), done: done}:
	case <-ctx.Done():
		return finish(models.DeliveryResult{AlertID: alert.ID, Channels: []models.ChannelResult{}})
	}
	d.remember(alert.ID)
	return done
}

// remember marks id as dispatched, forgetting the oldest IDs past DedupSize.
// Callers must hold d.mu.
func (d *Dispatcher) remember(id string) {
	d.seen[id] = true
	d.order = append(d.order, id)
	if len(d.order) > d.config.DedupSize {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}

// Dispatch queues an alert and waits for the result
func (d *Dispatcher) Dispatch(ctx context.Context, alert models.Alert, monitor models.Monitor) (models.DeliveryResult, error) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return models.DeliveryResult{AlertID: alert.ID}, ErrStopped
	}

	select {
	case r := <-d.Enqueue(ctx, alert, monitor):
		return r, nil
	case <-ctx.Done():
		return models.DeliveryResult{AlertID: alert.ID}, ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert models.Alert, monitor models.Monitor) models.DeliveryResult {
	result := models.DeliveryResult{AlertID: alert.ID, Channels: []models.ChannelResult{}}
	log := logrus.WithFields(logrus.Fields{"alert_id": alert.ID, "monitor_id": alert.MonitorID})

	for _, ch := range d.channels {
		for _, target := range ch.Targets(monitor) {
			cr := d.send(ctx, ch, target, alert, monitor)
			d.metrics.Delivery(cr.Channel, cr.Delivered)
			if !cr.Delivered {
				log.Errorf("Failed to deliver %s notification: %s", ch.Name(), cr.Error)
			}
			result.Channels = append(result.Channels, cr)
		}
	}

	result.Delivered = len(result.Channels) > 0
	for _, cr := range result.Channels {
		if !cr.Delivered {
			result.Delivered = false
		}
	}
	if len(result.Channels) == 0 {
		log.Warn("Alert has no delivery targets")
	} else if result.Delivered {
		log.Infof("Alert delivered to %d targets", len(result.Channels))
	}

	if d.recorder != nil {
		if err := d.recorder.RecordDelivery(ctx, result); err != nil {
			log.Errorf("Failed to record delivery: %v", err)
		}
	}
	return result
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, target string, alert models.Alert, monitor models.Monitor) models.ChannelResult {
	attempts := 0
	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil }).
		AbortOnErrors(context.Canceled).
		WithMaxAttempts(d.config.Attempts)
	if d.config.Backoff > 0 {
		builder = builder.WithBackoff(d.config.Backoff, d.config.MaxBackoff)
	}

	err := failsafe.With[any](builder.Build()).WithContext(ctx).Run(func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
		return ch.Send(callCtx, target, alert, monitor)
	})

	cr := models.ChannelResult{Channel: ch.Name(), Target: target, Attempts: attempts, Delivered: err == nil}
	if err != nil {
		cr.Error = (&DeliveryFailure{Channel: ch.Name(), Target: target, Attempts: attempts, Err: err}).Error()
	}
	return cr
}
