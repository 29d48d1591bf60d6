package models

import (
	"encoding/json"
	"time"
)

// RunStatus represents the status of a job run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether no further pages will be processed for the run
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// JobPayload is the body the queue delivers to a cron route.
// StartingAfter is the id of the last record processed by the previous page.
type JobPayload struct {
	Job           string          `json:"job"`
	Params        json.RawMessage `json:"params,omitempty"`
	StartingAfter string          `json:"startingAfter,omitempty"`
	RunID         string          `json:"runId,omitempty"`
	Page          int             `json:"page,omitempty"`
}

// JobRequest represents a request to start a new run
type JobRequest struct {
	Params json.RawMessage `json:"params,omitempty"`
}

// JobRun tracks all pages of one logical job execution
type JobRun struct {
	ID          string          `json:"id"`
	Job         string          `json:"job"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      RunStatus       `json:"status"`
	Pages       int             `json:"pages"`
	Processed   int             `json:"processed"`
	Failed      int             `json:"failed"`
	Cursor      string          `json:"cursor,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// PageRecord marks one page of a run as processed. The (RunID, Cursor) pair
// is unique; NextCursor is empty when the page was the last one.
type PageRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Cursor      string     `json:"cursor"`
	Number      int        `json:"number"`
	Count       int        `json:"count"`
	NextCursor  string     `json:"next_cursor,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Completed reports whether the page finished processing
func (p *PageRecord) Completed() bool {
	return p.CompletedAt != nil
}

// RunFilter narrows run listings
type RunFilter struct {
	Job    string
	Status RunStatus
	Limit  int
}
