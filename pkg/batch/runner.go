package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/metrics"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/store"
	"github.com/psantana5/partnerbatch/pkg/tracing"
)

// Enqueuer schedules a page of a job for asynchronous delivery. Payloads with
// the same deduplication id are delivered at most once by the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, deduplicationID string) error
}

// DeduplicationID identifies the page of a run that starts after cursor
func DeduplicationID(runID, cursor string) string {
	if cursor == "" {
		return runID + ":start"
	}
	return runID + ":" + cursor
}

// OutcomeStatus describes what a call to Run did
type OutcomeStatus string

const (
	OutcomeContinued OutcomeStatus = "continued" // page processed, next page enqueued
	OutcomeCompleted OutcomeStatus = "completed" // last page processed
	OutcomeDuplicate OutcomeStatus = "duplicate" // page already processed, continuation re-published
	OutcomeCanceled  OutcomeStatus = "canceled"  // run canceled, nothing processed
	OutcomeSkipped   OutcomeStatus = "skipped"   // run already finished
	OutcomeFailed    OutcomeStatus = "failed"    // run failed permanently
)

// Outcome reports the result of one page delivery
type Outcome struct {
	RunID      string        `json:"run_id"`
	Job        string        `json:"job"`
	Page       int           `json:"page"`
	Status     OutcomeStatus `json:"status"`
	Count      int           `json:"count"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	NextCursor string        `json:"next_cursor,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// String renders the outcome as the plain-text body returned to the queue
func (o *Outcome) String() string {
	s := fmt.Sprintf("%s run %s page %d: %s (fetched %d, processed %d, failed %d)",
		o.Job, o.RunID, o.Page, o.Status, o.Count, o.Processed, o.Failed)
	if o.NextCursor != "" {
		s += ", continuing after " + o.NextCursor
	}
	if o.Message != "" {
		s += ": " + o.Message
	}
	return s
}

// RunnerConfig wires a Runner
type RunnerConfig struct {
	Registry *Registry
	Store    store.RunStore
	Enqueuer Enqueuer
	Logger   *logging.Logger
	Metrics  *metrics.Collector // optional
	Tracer   *tracing.Provider  // optional
}

// Runner executes pages of registered jobs and drives continuation
type Runner struct {
	registry *Registry
	store    store.RunStore
	enqueuer Enqueuer
	logger   *logging.Logger
	metrics  *metrics.Collector
	tracer   *tracing.Provider
	now      func() time.Time
}

// NewRunner creates a runner
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger
	}
	return &Runner{
		registry: cfg.Registry,
		store:    cfg.Store,
		enqueuer: cfg.Enqueuer,
		logger:   logger.WithField("component", "batch"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      time.Now,
	}
}

// Registry returns the handler registry
func (r *Runner) Registry() *Registry {
	return r.registry
}

func (r *Runner) validate(h Handler, params []byte) error {
	v, ok := h.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(params); err != nil {
		if errors.Is(err, ErrInvalidParams) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Start creates a run and enqueues its first page
func (r *Runner) Start(ctx context.Context, job string, params []byte) (*models.JobRun, error) {
	h, err := r.registry.Get(job)
	if err != nil {
		return nil, err
	}
	if err := r.validate(h, params); err != nil {
		return nil, err
	}

	now := r.now()
	run := &models.JobRun{
		ID:        models.NewID("run"),
		Job:       job,
		Params:    params,
		Status:    models.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	payload := models.JobPayload{Job: job, Params: params, RunID: run.ID, Page: 1}
	if err := r.enqueuer.Enqueue(ctx, payload, DeduplicationID(run.ID, "")); err != nil {
		return nil, fmt.Errorf("failed to enqueue first page: %w", err)
	}

	r.logger.Info("Run started", map[string]interface{}{"run_id": run.ID, "job": job})
	return run, nil
}

// Cancel marks a running run canceled. The page in flight finishes; the next
// page terminates without processing.
func (r *Runner) Cancel(ctx context.Context, runID string) (*models.JobRun, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.Status)
	}

	now := r.now()
	run.Status = models.RunStatusCanceled
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := r.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %s finished while canceling", ErrRunFinished, runID)
		}
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}

	r.metrics.RecordRunFinished(run.Job, run.Status)
	r.logger.Info("Run canceled", map[string]interface{}{"run_id": run.ID, "job": run.Job})
	return run, nil
}

// Fail marks a running run failed, e.g. when the queue gives up on a page
func (r *Runner) Fail(ctx context.Context, runID string, reason string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	err = r.finish(ctx, run, models.RunStatusFailed, reason)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (r *Runner) finish(ctx context.Context, run *models.JobRun, status models.RunStatus, reason string) error {
	now := r.now()
	run.Status = status
	run.Error = reason
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	r.metrics.RecordRunFinished(run.Job, status)
	return nil
}

// loadRun returns the run for the payload, creating it for first pages that
// arrive without a run id (cron triggers) or with an id not yet recorded.
func (r *Runner) loadRun(ctx context.Context, payload models.JobPayload) (*models.JobRun, error) {
	if payload.RunID != "" {
		run, err := r.store.GetRun(ctx, payload.RunID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load run: %w", err)
		}
	}

	now := r.now()
	run := &models.JobRun{
		ID:        payload.RunID,
		Job:       payload.Job,
		Params:    payload.Params,
		Status:    models.RunStatusRunning,
		Cursor:    payload.StartingAfter,
		StartedAt: now,
		UpdatedAt: now,
	}
	if run.ID == "" {
		run.ID = models.NewID("run")
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return r.store.GetRun(ctx, run.ID)
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// Run processes the page described by payload and decides whether the run
// continues. A returned error means the page should be redelivered.
func (r *Runner) Run(ctx context.Context, payload models.JobPayload) (*Outcome, error) {
	h, err := r.registry.Get(payload.Job)
	if err != nil {
		return nil, err
	}
	if err := r.validate(h, payload.Params); err != nil {
		return nil, err
	}

	run, err := r.loadRun(ctx, payload)
	if err != nil {
		return nil, err
	}

	number := payload.Page
	if number <= 0 {
		number = run.Pages + 1
	}
	outcome := &Outcome{RunID: run.ID, Job: run.Job, Page: number}
	logger := r.logger.WithFields(map[string]interface{}{
		"run_id": run.ID,
		"job":    run.Job,
		"page":   number,
	})

	switch run.Status {
	case models.RunStatusCanceled:
		outcome.Status = OutcomeCanceled
		logger.Info("Run canceled, not processing page")
		return outcome, nil
	case models.RunStatusCompleted, models.RunStatusFailed:
		outcome.Status = OutcomeSkipped
		logger.Info("Run already finished, skipping page", map[string]interface{}{"status": run.Status})
		return outcome, nil
	}

	page, created, err := r.store.ClaimPage(ctx, run.ID, payload.StartingAfter, number)
	if err != nil {
		return nil, fmt.Errorf("failed to claim page: %w", err)
	}
	if !created && page.Completed() {
		return r.redelivered(ctx, logger, run, page, payload, outcome)
	}

	size := h.PageSize()
	ctx = WithLogger(ctx, logger)
	ctx, span := r.tracer.StartPage(ctx, run.Job, run.ID, payload.StartingAfter, number)
	defer span.End()

	start := r.now()
	result, err := h.Process(ctx, payload.Params, Page{
		RunID:  run.ID,
		Cursor: payload.StartingAfter,
		Number: number,
		Size:   size,
	})
	if err == nil && result == nil {
		err = errors.New("handler returned no result")
	}
	if err != nil {
		tracing.SetError(ctx, err)
		r.metrics.RecordPage(run.Job, "error", time.Since(start))
		logger.Error("Page failed", map[string]interface{}{"error": err.Error()})
		if errors.Is(err, ErrInvalidParams) {
			// Not retried by the queue, so the run can never finish
			if ferr := r.finish(ctx, run, models.RunStatusFailed, err.Error()); ferr != nil && !errors.Is(ferr, store.ErrInvalidTransition) {
				logger.Error("Failed to mark run failed", map[string]interface{}{"error": ferr.Error()})
			}
		}
		return nil, fmt.Errorf("%s page %d: %w", run.Job, number, err)
	}

	outcome.Count = result.Count
	outcome.Processed = result.Processed
	outcome.Failed = result.Failed
	outcome.Message = result.Message
	r.metrics.RecordItemFailures(run.Job, result.Failed)

	full := result.Count >= size
	tracing.PageDone(span, result.Count, result.LastID, full)
	if full && (result.LastID == "" || result.LastID == payload.StartingAfter) {
		if err := r.completePage(ctx, page, result.Count, ""); err != nil {
			return nil, err
		}
		reason := fmt.Sprintf("%v at cursor %q", ErrStalledCursor, payload.StartingAfter)
		r.accumulate(run, result, payload.StartingAfter)
		if err := r.finish(ctx, run, models.RunStatusFailed, reason); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return r.interrupted(ctx, logger, run.ID, outcome)
			}
			return nil, err
		}
		r.metrics.RecordPage(run.Job, string(OutcomeFailed), time.Since(start))
		logger.Error("Run failed", map[string]interface{}{"error": reason})
		outcome.Status = OutcomeFailed
		outcome.Message = reason
		return outcome, nil
	}

	if !full {
		// Last page. Finish runs before the page is recorded so a failed hook
		// is retried by redelivery.
		r.accumulate(run, result, result.LastID)
		if f, ok := h.(Finisher); ok {
			current, err := r.store.GetRun(ctx, run.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load run: %w", err)
			}
			if current.Status != models.RunStatusRunning {
				return r.interrupted(ctx, logger, run.ID, outcome)
			}
			if err := f.Finish(ctx, payload.Params, run); err != nil {
				tracing.SetError(ctx, err)
				logger.Error("Finish hook failed", map[string]interface{}{"error": err.Error()})
				return nil, fmt.Errorf("%s finish: %w", run.Job, err)
			}
		}
		if err := r.completePage(ctx, page, result.Count, ""); err != nil {
			return nil, err
		}
		if err := r.finish(ctx, run, models.RunStatusCompleted, ""); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return r.interrupted(ctx, logger, run.ID, outcome)
			}
			return nil, err
		}
		r.metrics.RecordPage(run.Job, string(OutcomeCompleted), time.Since(start))
		logger.Info("Run completed", map[string]interface{}{
			"count":     result.Count,
			"pages":     run.Pages,
			"processed": run.Processed,
			"failed":    run.Failed,
		})
		outcome.Status = OutcomeCompleted
		return outcome, nil
	}

	next := result.LastID
	if err := r.completePage(ctx, page, result.Count, next); err != nil {
		return nil, err
	}
	r.accumulate(run, result, next)
	run.UpdatedAt = r.now()
	if err := r.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return r.interrupted(ctx, logger, run.ID, outcome)
		}
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	if err := r.enqueueNext(ctx, run, payload, next, number+1); err != nil {
		logger.Error("Failed to enqueue continuation", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	r.metrics.RecordPage(run.Job, string(OutcomeContinued), time.Since(start))
	logger.Info("Page processed, continuing", map[string]interface{}{
		"count":       result.Count,
		"next_cursor": next,
	})
	outcome.Status = OutcomeContinued
	outcome.NextCursor = next
	return outcome, nil
}

// redelivered handles a page the queue delivered again after it was
// recorded. Nothing is reprocessed; the recorded continuation is published
// again under the same deduplication id.
func (r *Runner) redelivered(ctx context.Context, logger *logging.Logger, run *models.JobRun, page *models.PageRecord, payload models.JobPayload, outcome *Outcome) (*Outcome, error) {
	outcome.Status = OutcomeDuplicate
	outcome.Count = page.Count
	outcome.NextCursor = page.NextCursor

	if page.NextCursor == "" {
		// The last page was recorded but the run was not marked finished
		if err := r.finish(ctx, run, models.RunStatusCompleted, ""); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return r.interrupted(ctx, logger, run.ID, outcome)
			}
			return nil, err
		}
		logger.Info("Duplicate delivery of last page, run completed")
		return outcome, nil
	}

	if err := r.enqueueNext(ctx, run, payload, page.NextCursor, page.Number+1); err != nil {
		logger.Error("Failed to re-publish continuation", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	logger.Info("Duplicate delivery, continuation re-published", map[string]interface{}{"next_cursor": page.NextCursor})
	return outcome, nil
}

// interrupted reports a page whose run was canceled or failed elsewhere while
// the page was in flight. The run keeps that status and nothing is enqueued.
func (r *Runner) interrupted(ctx context.Context, logger *logging.Logger, runID string, outcome *Outcome) (*Outcome, error) {
	current, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	outcome.Status = OutcomeSkipped
	if current.Status == models.RunStatusCanceled {
		outcome.Status = OutcomeCanceled
	}
	outcome.NextCursor = ""
	logger.Info("Run finished while page was in flight, not continuing", map[string]interface{}{"status": current.Status})
	return outcome, nil
}

func (r *Runner) enqueueNext(ctx context.Context, run *models.JobRun, payload models.JobPayload, next string, number int) error {
	followUp := models.JobPayload{
		Job:           run.Job,
		Params:        payload.Params,
		StartingAfter: next,
		RunID:         run.ID,
		Page:          number,
	}
	if err := r.enqueuer.Enqueue(ctx, followUp, DeduplicationID(run.ID, next)); err != nil {
		return fmt.Errorf("failed to enqueue continuation: %w", err)
	}
	r.metrics.RecordContinuation(run.Job)
	return nil
}

func (r *Runner) completePage(ctx context.Context, page *models.PageRecord, count int, next string) error {
	now := r.now()
	page.Count = count
	page.NextCursor = next
	page.CompletedAt = &now
	if err := r.store.CompletePage(ctx, page); err != nil {
		return fmt.Errorf("failed to record page: %w", err)
	}
	return nil
}

func (r *Runner) accumulate(run *models.JobRun, result *PageResult, cursor string) {
	run.Pages++
	run.Processed += result.Processed
	run.Failed += result.Failed
	if cursor != "" {
		run.Cursor = cursor
	}
}
