package models

import (
	"fmt"
	"strings"
	"time"
)

// MessageStatus represents the delivery state of a queued message
type MessageStatus string

// Strict delivery states
const (
	MessageStatusQueued     MessageStatus = "queued"     // Waiting for its NotBefore time
	MessageStatusDelivering MessageStatus = "delivering" // Claimed by a dispatcher
	MessageStatusDelivered  MessageStatus = "delivered"  // Handler returned success
	MessageStatusRetrying   MessageStatus = "retrying"   // Handler failed, backoff pending
	MessageStatusFailed     MessageStatus = "failed"     // Attempts exhausted or non-retryable
)

// Message is one queued invocation of a cron route
type Message struct {
	ID              string        `json:"id"`
	Destination     string        `json:"destination"`
	Body            []byte        `json:"body"`
	DeduplicationID string        `json:"deduplication_id,omitempty"`
	Status          MessageStatus `json:"status"`
	Attempts        int           `json:"attempts"`
	MaxRetries      int           `json:"max_retries"`
	LastError       string        `json:"last_error,omitempty"`
	NotBefore       time.Time     `json:"not_before"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	DeliveredAt     *time.Time    `json:"delivered_at,omitempty"`
}

// validTransitions maps from-state to allowed to-states
var validTransitions = map[MessageStatus]map[MessageStatus]bool{
	MessageStatusQueued: {
		MessageStatusDelivering: true,
		MessageStatusFailed:     true, // dropped by an operator
	},
	MessageStatusDelivering: {
		MessageStatusDelivered: true,
		MessageStatusRetrying:  true,
		MessageStatusFailed:    true,
	},
	MessageStatusRetrying: {
		MessageStatusQueued: true,
		MessageStatusFailed: true,
	},
	// Terminal states
	MessageStatusDelivered: {},
	MessageStatusFailed:    {},
}

// ValidateTransition checks if a delivery state transition is valid
func ValidateTransition(from, to MessageStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the message will never be delivered again
func IsTerminalState(state MessageStatus) bool {
	return state == MessageStatusDelivered || state == MessageStatusFailed
}

// RetryPolicy defines redelivery behavior
type RetryPolicy struct {
	MaxRetries        int           // Maximum number of redeliveries
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
}

// DefaultRetryPolicy returns default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry count
func (rp *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return rp.InitialBackoff
	}

	// Exponential backoff: initialBackoff * (multiplier ^ retryCount)
	backoff := float64(rp.InitialBackoff)
	for i := 0; i < retryCount; i++ {
		backoff *= rp.BackoffMultiplier
		if time.Duration(backoff) > rp.MaxBackoff {
			return rp.MaxBackoff
		}
	}

	return time.Duration(backoff)
}

// ShouldRetry determines if a message should be redelivered after a failure
func (rp *RetryPolicy) ShouldRetry(msg *Message, lastErr string) bool {
	if msg.Attempts > rp.maxRetriesFor(msg) {
		return false
	}
	if strings.Contains(lastErr, "non-retryable") {
		return false
	}
	return true
}

func (rp *RetryPolicy) maxRetriesFor(msg *Message) int {
	if msg.MaxRetries > 0 {
		return msg.MaxRetries
	}
	return rp.MaxRetries
}
