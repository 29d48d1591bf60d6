package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/store"
)

// LocalPublisher stores messages for the in-process Dispatcher
type LocalPublisher struct {
	store  store.QueueStore
	logger *logging.Logger
	now    func() time.Time
}

// NewLocalPublisher creates a store-backed publisher
func NewLocalPublisher(s store.QueueStore, logger *logging.Logger) *LocalPublisher {
	return &LocalPublisher{
		store:  s,
		logger: logger.WithField("component", "queue"),
		now:    time.Now,
	}
}

// Publish stores the message as queued. A message whose deduplication id
// was already published is dropped.
func (p *LocalPublisher) Publish(ctx context.Context, msg *Message) error {
	now := p.now()
	m := &models.Message{
		ID:              models.NewID("msg"),
		Destination:     msg.Destination,
		Body:            msg.Body,
		DeduplicationID: msg.DeduplicationID,
		Status:          models.MessageStatusQueued,
		MaxRetries:      msg.Retries,
		NotBefore:       now.Add(msg.Delay),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stored, err := p.store.EnqueueMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	if !stored {
		p.logger.Debug("Duplicate message dropped", map[string]interface{}{"deduplication_id": msg.DeduplicationID})
		return nil
	}

	p.logger.Debug("Message queued", map[string]interface{}{
		"message_id":  m.ID,
		"destination": m.Destination,
	})
	return nil
}
