// Package queue delivers job pages asynchronously, either through the
// hosted queue's HTTP publish API or through a store-backed local queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/partnerbatch/pkg/models"
)

// Message is one publish request
type Message struct {
	Destination     string // absolute URL the queue calls
	Body            []byte
	DeduplicationID string
	Delay           time.Duration
	Retries         int // 0 uses the queue default
}

// Publisher hands messages to a queue
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// CronPath returns the route a job's pages are delivered to
func CronPath(job string) string {
	return "/cron/" + job
}

// JobEnqueuer publishes job pages to the cron route of this service
type JobEnqueuer struct {
	publisher Publisher
	baseURL   string
	retries   int
}

// NewJobEnqueuer creates an enqueuer. baseURL is the public URL of partnerd
// as seen by the queue, e.g. "https://partners.example.com".
func NewJobEnqueuer(p Publisher, baseURL string, retries int) *JobEnqueuer {
	return &JobEnqueuer{
		publisher: p,
		baseURL:   strings.TrimRight(baseURL, "/"),
		retries:   retries,
	}
}

// Enqueue publishes the payload to /cron/{job}
func (e *JobEnqueuer) Enqueue(ctx context.Context, payload models.JobPayload, deduplicationID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return e.publisher.Publish(ctx, &Message{
		Destination:     e.baseURL + CronPath(payload.Job),
		Body:            body,
		DeduplicationID: deduplicationID,
		Retries:         e.retries,
	})
}
