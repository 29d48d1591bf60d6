package queue

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/metrics"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/store"
)

// DispatcherConfig holds local queue dispatch settings
type DispatcherConfig struct {
	PollInterval    time.Duration // How often due messages are claimed
	BatchSize       int           // Messages claimed per poll
	Concurrency     int           // Deliveries in flight per poll
	DeliveryTimeout time.Duration
	// VisibilityTimeout is how long a message may stay delivering before it
	// is treated as lost (e.g. the process died mid-delivery) and redelivered.
	VisibilityTimeout time.Duration
	RetryPolicy       *models.RetryPolicy
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		PollInterval:      time.Second,
		BatchSize:         10,
		Concurrency:       4,
		DeliveryTimeout:   5 * time.Minute,
		VisibilityTimeout: 10 * time.Minute,
		RetryPolicy:       models.DefaultRetryPolicy(),
	}
}

// FailureFunc is called once a message has exhausted its deliveries
type FailureFunc func(ctx context.Context, msg *models.Message)

// Dispatcher drives the local queue: it claims due messages, delivers them
// and moves each through the delivery state machine.
type Dispatcher struct {
	store     store.QueueStore
	deliverer Deliverer
	config    *DispatcherConfig
	logger    *logging.Logger
	metrics   *metrics.Collector
	onFailed  FailureFunc
	now       func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewDispatcher creates a dispatcher. m and onFailed may be nil.
func NewDispatcher(s store.QueueStore, d Deliverer, config *DispatcherConfig, logger *logging.Logger, m *metrics.Collector, onFailed FailureFunc) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = models.DefaultRetryPolicy()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 2 * config.DeliveryTimeout
		if config.VisibilityTimeout <= 0 {
			config.VisibilityTimeout = 10 * time.Minute
		}
	}
	return &Dispatcher{
		store:     s,
		deliverer: d,
		config:    config,
		logger:    logger.WithField("component", "dispatcher"),
		metrics:   m,
		onFailed:  onFailed,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the dispatch loop
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting local queue dispatcher", map[string]interface{}{
		"poll_interval": d.config.PollInterval.String(),
		"batch_size":    d.config.BatchSize,
	})
	go d.loop(ctx)
}

// Stop ends the dispatch loop and waits for in-flight deliveries
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })

	select {
	case <-d.doneCh:
		d.logger.Info("Dispatcher stopped")
	case <-time.After(10 * time.Second):
		d.logger.Warn("Dispatcher stop timeout")
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Drain everything that is due before waiting again
			for {
				n, err := d.DispatchOnce(ctx)
				if err != nil {
					d.logger.Error("Dispatch failed", map[string]interface{}{"error": err.Error()})
					break
				}
				if n < d.config.BatchSize {
					break
				}
			}
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// DispatchOnce recovers lost deliveries, then claims one batch of due
// messages and delivers it. It returns the number of messages claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if _, err := d.RecoverStale(ctx); err != nil {
		d.logger.Error("Failed to recover stale messages", map[string]interface{}{"error": err.Error()})
	}

	msgs, err := d.store.ClaimDueMessages(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(msg *models.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, msg)
		}(msg)
	}
	wg.Wait()

	return len(msgs), nil
}

// RecoverStale puts messages stuck in delivering for longer than the
// visibility timeout back in the queue, or fails them once their attempts are
// used up. It returns how many messages it moved.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int, error) {
	now := d.now()
	stale, err := d.store.ListStaleMessages(ctx, now.Add(-d.config.VisibilityTimeout), d.config.BatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, msg := range stale {
		msg.LastError = "delivery lost after " + d.config.VisibilityTimeout.String()
		fields := map[string]interface{}{
			"message_id":  msg.ID,
			"destination": msg.Destination,
			"attempt":     msg.Attempts,
			"claimed_at":  msg.UpdatedAt.Format(time.RFC3339),
		}

		if d.config.RetryPolicy.ShouldRetry(msg, msg.LastError) {
			msg.NotBefore = now
			if d.transition(ctx, msg, models.MessageStatusRetrying) && d.transition(ctx, msg, models.MessageStatusQueued) {
				recovered++
				d.metrics.RecordDelivery("recovered")
				d.logger.Warn("Requeued lost delivery", fields)
			}
			continue
		}

		if d.transition(ctx, msg, models.MessageStatusFailed) {
			recovered++
			d.metrics.RecordDelivery("failed")
			d.logger.Error("Lost delivery has no attempts left", fields)
			if d.onFailed != nil {
				d.onFailed(ctx, msg)
			}
		}
	}
	return recovered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg *models.Message) {
	dctx := ctx
	if d.config.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.config.DeliveryTimeout)
		defer cancel()
	}

	fields := map[string]interface{}{
		"message_id":  msg.ID,
		"destination": msg.Destination,
		"attempt":     msg.Attempts,
	}

	err := d.deliverer.Deliver(dctx, msg)
	if err == nil {
		now := d.now()
		msg.DeliveredAt = &now
		msg.LastError = ""
		d.transition(ctx, msg, models.MessageStatusDelivered)
		d.metrics.RecordDelivery("delivered")
		d.logger.Debug("Message delivered", fields)
		return
	}

	msg.LastError = err.Error()
	fields["error"] = msg.LastError

	if d.config.RetryPolicy.ShouldRetry(msg, msg.LastError) {
		msg.NotBefore = d.now().Add(d.config.RetryPolicy.CalculateBackoff(msg.Attempts - 1))
		if d.transition(ctx, msg, models.MessageStatusRetrying) {
			d.transition(ctx, msg, models.MessageStatusQueued)
		}
		d.metrics.RecordDelivery("retried")
		fields["not_before"] = msg.NotBefore.Format(time.RFC3339)
		d.logger.Warn("Delivery failed, will retry", fields)
		return
	}

	d.transition(ctx, msg, models.MessageStatusFailed)
	d.metrics.RecordDelivery("failed")
	d.logger.Error("Delivery failed permanently", fields)
	if d.onFailed != nil {
		d.onFailed(ctx, msg)
	}
}

func (d *Dispatcher) transition(ctx context.Context, msg *models.Message, to models.MessageStatus) bool {
	if err := d.store.TransitionMessage(ctx, msg, to); err != nil {
		d.logger.Error("Failed to transition message", map[string]interface{}{
			"message_id": msg.ID,
			"to":         string(to),
			"error":      err.Error(),
		})
		return false
	}
	return true
}
