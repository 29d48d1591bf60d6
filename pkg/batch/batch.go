// Package batch runs bulk jobs one bounded page at a time. Each page is
// fetched with an id > cursor filter in ascending id order; a full page
// enqueues a continuation that resumes after the last id, a short page ends
// the run.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/models"
)

var (
	ErrUnknownJob    = errors.New("unknown job")
	ErrInvalidParams = errors.New("invalid job params")
	ErrRunFinished   = errors.New("run already finished")
	ErrStalledCursor = errors.New("full page did not advance the cursor")
)

// Page is the slice of work handed to a Handler
type Page struct {
	RunID  string
	Cursor string // id of the last record of the previous page, empty on the first
	Number int
	Size   int
}

// PageResult reports what a handler fetched and did
type PageResult struct {
	Count     int    // records fetched for the page
	LastID    string // id of the last fetched record
	Processed int
	Failed    int
	Message   string
}

// NewResult builds a PageResult from the fetched count, the last fetched id
// and the per-item tally.
func NewResult(count int, lastID string, tally Tally) *PageResult {
	return &PageResult{
		Count:     count,
		LastID:    lastID,
		Processed: tally.Processed,
		Failed:    tally.Failed,
	}
}

// Handler processes one page of a job
type Handler interface {
	Name() string
	PageSize() int
	Process(ctx context.Context, params json.RawMessage, page Page) (*PageResult, error)
}

// Validator is implemented by handlers that check params before a run starts
// and on every page.
type Validator interface {
	Validate(params json.RawMessage) error
}

// Finisher is implemented by handlers that need a hook once the last page
// has been processed. Finish must be idempotent; it runs again if the last
// page is redelivered before it was recorded.
type Finisher interface {
	Finish(ctx context.Context, params json.RawMessage, run *models.JobRun) error
}

// DecodeParams unmarshals job params into v, wrapping failures with
// ErrInvalidParams. Empty params leave v untouched.
func DecodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Policy selects how ForEach treats a failing item
type Policy int

const (
	// Abort stops at the first error; the page fails and the queue retries it.
	Abort Policy = iota
	// BestEffort logs and counts the error and moves on to the next item.
	BestEffort
)

func (p Policy) String() string {
	if p == BestEffort {
		return "best-effort"
	}
	return "abort"
}

// Tally counts items handled by ForEach
type Tally struct {
	Processed int
	Failed    int
	Errors    []error
}

// ForEach applies fn to every item under the given failure policy
func ForEach[T any](ctx context.Context, policy Policy, items []T, fn func(ctx context.Context, item T) error) (Tally, error) {
	var tally Tally
	logger := LoggerFromContext(ctx)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return tally, err
		}

		err := fn(ctx, item)
		if err == nil {
			tally.Processed++
			continue
		}

		if policy == Abort {
			return tally, fmt.Errorf("item %d: %w", i, err)
		}

		tally.Failed++
		tally.Errors = append(tally.Errors, err)
		logger.Warn("Item failed, continuing", map[string]interface{}{
			"index": i,
			"error": err.Error(),
		})
	}

	return tally, nil
}

type contextKey string

const loggerKey contextKey = "batch_logger"

var defaultLogger = logging.NewLogger(logging.INFO, false)

// WithLogger attaches a page-scoped logger to ctx
func WithLogger(ctx context.Context, logger *logging.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the page-scoped logger or a default one
func LoggerFromContext(ctx context.Context) *logging.Logger {
	if logger, ok := ctx.Value(loggerKey).(*logging.Logger); ok && logger != nil {
		return logger
	}
	return defaultLogger
}
