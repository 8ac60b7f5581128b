package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/localdirectory/guardian/metrics"
	"github.com/localdirectory/guardian/models"
)

// Hourly alert budget per severity is ten times these thresholds.
var DefaultThresholds = map[models.Severity]int{
	models.SeverityCritical: 1,
	models.SeverityHigh:     3,
	models.SeverityMedium:   10,
	models.SeverityLow:      50,
}

const (
	capMultiplier    = 10
	rateWindow       = time.Hour
	defaultQueueSize = 1000
	defaultPacing    = 100 * time.Millisecond
	defaultTimeout   = 5 * time.Second
)

type Options struct {
	Thresholds      map[models.Severity]int
	QueueSize       int
	Pacing          time.Duration
	DeliveryTimeout time.Duration
}

type hourlyCounter struct {
	count       int
	windowStart time.Time
}

type Stats struct {
	QueueDepth int            `json:"queue_depth"`
	Processing bool           `json:"processing"`
	Counters   map[string]int `json:"counters"`
	Channels   []string       `json:"channels"`
}

// Dispatcher rate-limits alerts per severity and delivers them to every
// channel from a single background drain.
type Dispatcher struct {
	channels   []Channel
	logger     *zap.Logger
	thresholds map[models.Severity]int
	queueSize  int
	pacing     time.Duration
	timeout    time.Duration
	now        func() time.Time

	mu         sync.Mutex
	idle       *sync.Cond
	queue      []*models.AlertPayload
	processing bool
	counters   map[models.Severity]*hourlyCounter
}

func NewDispatcher(channels []Channel, logger *zap.Logger, opts Options) *Dispatcher {
	thresholds := opts.Thresholds
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Pacing < 0 {
		opts.Pacing = defaultPacing
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultTimeout
	}

	d := &Dispatcher{
		channels:   channels,
		logger:     logger.Named("alerts"),
		thresholds: thresholds,
		queueSize:  opts.QueueSize,
		pacing:     opts.Pacing,
		timeout:    opts.DeliveryTimeout,
		now:        time.Now,
		counters:   make(map[models.Severity]*hourlyCounter),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// SendAlert enqueues alert for delivery. It reports false when the alert was
// dropped by the severity budget or a full queue.
func (d *Dispatcher) SendAlert(alert *models.AlertPayload) bool {
	if alert == nil || !alert.Severity.Valid() {
		d.logger.Warn("rejecting malformed alert")
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) >= d.queueSize {
		metrics.Alerts.WithLabelValues(string(alert.Severity), "queue_full").Inc()
		d.logger.Warn("alert queue full, dropping alert",
			zap.String("alert_id", alert.ID),
			zap.String("severity", string(alert.Severity)),
			zap.Int("queue_size", d.queueSize))
		return false
	}

	if !d.allowLocked(alert.Severity) {
		metrics.Alerts.WithLabelValues(string(alert.Severity), "rate_limited").Inc()
		d.logger.Warn("alert rate limit reached, dropping alert",
			zap.String("alert_id", alert.ID),
			zap.String("severity", string(alert.Severity)),
			zap.String("title", alert.Title))
		return false
	}

	d.queue = append(d.queue, alert)
	metrics.Alerts.WithLabelValues(string(alert.Severity), "queued").Inc()
	metrics.AlertQueueDepth.Set(float64(len(d.queue)))

	if !d.processing {
		d.processing = true
		go d.drain()
	}
	return true
}

func (d *Dispatcher) SendSecurityAlert(eventType models.EventType, severity models.Severity, description string, metadata map[string]string, userID, ip string) bool {
	return d.SendAlert(NewSecurityAlert(eventType, severity, description, metadata, userID, ip))
}

func (d *Dispatcher) SendSystemAlert(title, description string, severity models.Severity, metadata map[string]string) bool {
	return d.SendAlert(NewSystemAlert(title, description, severity, metadata))
}

func (d *Dispatcher) allowLocked(sev models.Severity) bool {
	now := d.now()
	c := d.counters[sev]
	if c == nil || now.Sub(c.windowStart) >= rateWindow {
		c = &hourlyCounter{windowStart: now}
		d.counters[sev] = c
	}
	if c.count >= d.thresholds[sev]*capMultiplier {
		return false
	}
	c.count++
	return true
}

func (d *Dispatcher) drain() {
	first := true
	for {
		if !first && d.pacing > 0 {
			time.Sleep(d.pacing)
		}
		first = false

		d.mu.Lock()
		if len(d.queue) == 0 {
			d.processing = false
			metrics.AlertQueueDepth.Set(0)
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		alert := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		metrics.AlertQueueDepth.Set(float64(len(d.queue)))
		d.mu.Unlock()

		d.deliver(alert)
	}
}

func (d *Dispatcher) deliver(alert *models.AlertPayload) {
	var g errgroup.Group
	for _, ch := range d.channels {
		ch := ch
		g.Go(func() error {
			if err := d.sendOne(ch, alert); err != nil {
				metrics.AlertDeliveries.WithLabelValues(ch.Name(), "failure").Inc()
				d.logger.Error("alert delivery failed",
					zap.String("channel", ch.Name()),
					zap.String("alert_id", alert.ID),
					zap.Error(err))
				return nil
			}
			metrics.AlertDeliveries.WithLabelValues(ch.Name(), "success").Inc()
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("alert dispatched",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title),
		zap.Int("channels", len(d.channels)))
}

func (d *Dispatcher) sendOne(ch Channel, alert *models.AlertPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return ch.Send(ctx, alert)
}

// Wait blocks until the queue is drained and the drain goroutine has exited.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	for d.processing {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Shutdown waits for pending alerts or gives up when ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("alert queue not drained"), ctx.Err())
	}
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	counters := make(map[string]int, len(d.counters))
	now := d.now()
	for sev, c := range d.counters {
		if now.Sub(c.windowStart) < rateWindow {
			counters[string(sev)] = c.count
		}
	}
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return Stats{
		QueueDepth: len(d.queue),
		Processing: d.processing,
		Counters:   counters,
		Channels:   names,
	}
}
