package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/store"
)

// sliceHandler pages over a sorted list of ids
type sliceHandler struct {
	name     string
	size     int
	ids      []string
	failOn   map[string]bool // ids that fail per item
	pageErr  error          // returned once, then cleared
	lastID   func(page []string, cursor string) string
	policy   Policy
	mu       sync.Mutex
	seen     map[string]int
	calls    int
	finishes int
	finErr   error
	during   func(page Page) // called before the page is fetched
}

func newSliceHandler(name string, size, n int) *sliceHandler {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("id_%04d", i+1)
	}
	return &sliceHandler{name: name, size: size, ids: ids, seen: make(map[string]int), failOn: map[string]bool{}}
}

func (h *sliceHandler) Name() string  { return h.name }
func (h *sliceHandler) PageSize() int { return h.size }

func (h *sliceHandler) Process(ctx context.Context, params json.RawMessage, page Page) (*PageResult, error) {
	h.mu.Lock()
	h.calls++
	if h.pageErr != nil {
		err := h.pageErr
		h.pageErr = nil
		h.mu.Unlock()
		return nil, err
	}
	during := h.during
	h.mu.Unlock()
	if during != nil {
		during(page)
	}

	i := sort.SearchStrings(h.ids, page.Cursor)
	if i < len(h.ids) && h.ids[i] == page.Cursor {
		i++
	}
	end := i + page.Size
	if end > len(h.ids) {
		end = len(h.ids)
	}
	items := h.ids[i:end]

	tally, err := ForEach(ctx, h.policy, items, func(ctx context.Context, id string) error {
		if h.failOn[id] {
			return fmt.Errorf("item %s failed", id)
		}
		h.mu.Lock()
		h.seen[id]++
		h.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	last := ""
	if len(items) > 0 {
		last = items[len(items)-1]
	}
	if h.lastID != nil {
		last = h.lastID(items, page.Cursor)
	}
	return NewResult(len(items), last, tally), nil
}

func (h *sliceHandler) Finish(ctx context.Context, params json.RawMessage, run *models.JobRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finErr != nil {
		err := h.finErr
		h.finErr = nil
		return err
	}
	h.finishes++
	return nil
}

type validatingHandler struct {
	*sliceHandler
}

func (h validatingHandler) Validate(params json.RawMessage) error {
	var p struct {
		ProgramID string `json:"programId"`
	}
	if err := DecodeParams(params, &p); err != nil {
		return err
	}
	if p.ProgramID == "" {
		return errors.New("programId is required")
	}
	return nil
}

type enqueued struct {
	payload models.JobPayload
	dedupID string
}

// memoryEnqueuer collects payloads and collapses duplicate dedup ids the way
// the queue does.
type memoryEnqueuer struct {
	mu      sync.Mutex
	pending []enqueued
	seen    map[string]bool
	all     []enqueued
	failN   int
}

func newMemoryEnqueuer() *memoryEnqueuer {
	return &memoryEnqueuer{seen: make(map[string]bool)}
}

func (q *memoryEnqueuer) Enqueue(ctx context.Context, payload models.JobPayload, dedupID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failN > 0 {
		q.failN--
		return errors.New("publish: connection refused")
	}
	q.all = append(q.all, enqueued{payload, dedupID})
	if q.seen[dedupID] {
		return nil
	}
	q.seen[dedupID] = true
	q.pending = append(q.pending, enqueued{payload, dedupID})
	return nil
}

func (q *memoryEnqueuer) pop() (models.JobPayload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return models.JobPayload{}, false
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	return next.payload, true
}

func newTestRunner(handlers ...Handler) (*Runner, *store.MemoryStore, *memoryEnqueuer) {
	s := store.NewMemoryStore()
	q := newMemoryEnqueuer()
	r := NewRunner(RunnerConfig{
		Registry: NewRegistry(handlers...),
		Store:    s,
		Enqueuer: q,
		Logger:   logging.NewLogger(logging.ERROR, false),
	})
	return r, s, q
}

// drain delivers queued pages until the queue is empty
func drain(t *testing.T, r *Runner, q *memoryEnqueuer) []*Outcome {
	t.Helper()
	var outcomes []*Outcome
	for i := 0; i < 1000; i++ {
		payload, ok := q.pop()
		if !ok {
			return outcomes
		}
		outcome, err := r.Run(context.Background(), payload)
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
	}
	t.Fatal("queue did not drain")
	return nil
}

func TestRunProcessesAllPages(t *testing.T) {
	tests := []struct {
		name      string
		items     int
		size      int
		wantPages int
	}{
		{"Partial last page", 250, 100, 3},
		{"Exact multiple ends with empty page", 200, 100, 3},
		{"Single short page", 7, 100, 1},
		{"Empty data set", 0, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSliceHandler("partners.rank", tt.size, tt.items)
			r, s, q := newTestRunner(h)

			run, err := r.Start(context.Background(), "partners.rank", nil)
			require.NoError(t, err)

			outcomes := drain(t, r, q)
			require.Len(t, outcomes, tt.wantPages)
			for _, o := range outcomes[:len(outcomes)-1] {
				assert.Equal(t, OutcomeContinued, o.Status)
			}
			assert.Equal(t, OutcomeCompleted, outcomes[len(outcomes)-1].Status)

			// Every record processed exactly once
			assert.Len(t, h.seen, tt.items)
			for id, n := range h.seen {
				assert.Equal(t, 1, n, "record %s", id)
			}

			got, err := s.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusCompleted, got.Status)
			assert.Equal(t, tt.wantPages, got.Pages)
			assert.Equal(t, tt.items, got.Processed)
			assert.NotNil(t, got.CompletedAt)
			assert.Equal(t, 1, h.finishes)
		})
	}
}

func TestContinuationCarriesCursorAndParams(t *testing.T) {
	h := newSliceHandler("partners.rank", 2, 5)
	r, _, q := newTestRunner(h)
	params := json.RawMessage(`{"programId":"prog_1"}`)

	run, err := r.Start(context.Background(), "partners.rank", params)
	require.NoError(t, err)

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "", first.StartingAfter)
	assert.Equal(t, 1, first.Page)

	outcome, err := r.Run(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "id_0002", outcome.NextCursor)

	next, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, run.ID, next.RunID)
	assert.Equal(t, "id_0002", next.StartingAfter)
	assert.Equal(t, 2, next.Page)
	assert.JSONEq(t, string(params), string(next.Params))
	assert.Equal(t, DeduplicationID(run.ID, "id_0002"), q.all[len(q.all)-1].dedupID)
}

func TestRedeliveredPageIsNotReprocessed(t *testing.T) {
	h := newSliceHandler("partners.rank", 2, 5)
	r, _, q := newTestRunner(h)

	_, err := r.Start(context.Background(), "partners.rank", nil)
	require.NoError(t, err)
	first, _ := q.pop()

	_, err = r.Run(context.Background(), first)
	require.NoError(t, err)
	callsAfterFirst := h.calls

	// The queue redelivers the same message
	outcome, err := r.Run(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome.Status)
	assert.Equal(t, "id_0002", outcome.NextCursor)
	assert.Equal(t, callsAfterFirst, h.calls, "handler must not run again")

	// The continuation was re-published under the same dedup id and collapsed
	last := q.all[len(q.all)-1]
	assert.Equal(t, q.all[len(q.all)-2].dedupID, last.dedupID)
	assert.Len(t, q.pending, 1)
}

func TestPublishFailureIsRetriedByRedelivery(t *testing.T) {
	h := newSliceHandler("partners.rank", 2, 5)
	r, s, q := newTestRunner(h)

	run, err := r.Start(context.Background(), "partners.rank", nil)
	require.NoError(t, err)
	first, _ := q.pop()

	q.failN = 1
	_, err = r.Run(context.Background(), first)
	require.Error(t, err)
	assert.Empty(t, q.pending)

	// Page was recorded before publishing; redelivery only re-publishes
	outcome, err := r.Run(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome.Status)
	assert.Equal(t, 1, h.calls)
	require.Len(t, q.pending, 1)

	drain(t, r, q)
	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Len(t, h.seen, 5)
}

func TestAbortingPageIsRetried(t *testing.T) {
	h := newSliceHandler("partners.rank", 10, 5)
	h.pageErr = errors.New("database unavailable")
	r, s, q := newTestRunner(h)

	run, err := r.Start(context.Background(), "partners.rank", nil)
	require.NoError(t, err)
	first, _ := q.pop()

	_, err = r.Run(context.Background(), first)
	require.Error(t, err)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status, "a failed page leaves the run running")

	outcome, err := r.Run(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
}

func TestForEachPolicies(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	fn := func(ctx context.Context, s string) error {
		if s == "b" || s == "c" {
			return errors.New("boom")
		}
		return nil
	}

	tally, err := ForEach(context.Background(), BestEffort, items, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, tally.Processed)
	assert.Equal(t, 2, tally.Failed)
	assert.Len(t, tally.Errors, 2)

	tally, err = ForEach(context.Background(), Abort, items, fn)
	require.Error(t, err)
	assert.Equal(t, 1, tally.Processed)
	assert.Equal(t, 0, tally.Failed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ForEach(ctx, BestEffort, items, fn)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBestEffortFailuresAreCounted(t *testing.T) {
	h := newSliceHandler("campaigns.send", 10, 5)
	h.policy = BestEffort
	h.failOn["id_0003"] = true
	r, s, q := newTestRunner(h)

	run, err := r.Start(context.Background(), "campaigns.send", nil)
	require.NoError(t, err)
	outcomes := drain(t, r, q)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 4, outcomes[0].Processed)
	assert.Equal(t, 1, outcomes[0].Failed)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Failed)
}

func TestStalledCursorFailsRun(t *testing.T) {
	tests := []struct {
		name      string
		lastID    func(page []string, cursor string) string
		wantPages int
	}{
		{"Empty last id", func([]string, string) string { return "" }, 1},
		{"Cursor did not move", func(page []string, cursor string) string {
			if cursor == "" {
				return page[len(page)-1]
			}
			return cursor
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSliceHandler("partners.rank", 2, 5)
			h.lastID = tt.lastID
			r, s, q := newTestRunner(h)

			run, err := r.Start(context.Background(), "partners.rank", nil)
			require.NoError(t, err)
			outcomes := drain(t, r, q)

			require.Len(t, outcomes, tt.wantPages)
			assert.Equal(t, OutcomeFailed, outcomes[len(outcomes)-1].Status)
			got, err := s.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusFailed, got.Status)
			assert.Contains(t, got.Error, ErrStalledCursor.Error())
		})
	}
}

func TestCancelStopsNextPage(t *testing.T) {
	h := newSliceHandler("partners.rank", 2, 10)
	r, s, q := newTestRunner(h)

	run, err := r.Start(context.Background(), "partners.rank", nil)
	require.NoError(t, err)
	first, _ := q.pop()
	_, err = r.Run(context.Background(), first)
	require.NoError(t, err)

	_, err = r.Cancel(context.Background(), run.ID)
	require.NoError(t, err)

	outcomes := drain(t, r, q)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeCanceled, outcomes[0].Status)
	assert.Equal(t, 1, h.calls)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, got.Status)

	_, err = r.Cancel(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestCancelDuringPageIsNotOverwritten(t *testing.T) {
	tests := []struct {
		name     string
		ids      int
		cancelOn int
		want     OutcomeStatus
	}{
		{"full page", 12, 1, OutcomeCanceled},
		{"last page", 3, 2, OutcomeCanceled},
		{"middle page", 12, 3, OutcomeCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSliceHandler("partners.rank", 2, tt.ids)
			r, s, q := newTestRunner(h)

			run, err := r.Start(context.Background(), "partners.rank", nil)
			require.NoError(t, err)
			h.during = func(page Page) {
				if page.Number == tt.cancelOn {
					_, err := r.Cancel(context.Background(), run.ID)
					require.NoError(t, err)
				}
			}

			outcomes := drain(t, r, q)
			require.Len(t, outcomes, tt.cancelOn)
			assert.Equal(t, tt.want, outcomes[len(outcomes)-1].Status)
			assert.Equal(t, tt.cancelOn, h.calls)
			assert.Zero(t, h.finishes)

			got, err := s.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusCanceled, got.Status)
		})
	}
}

func TestFailDuringPageStopsContinuation(t *testing.T) {
	h := newSliceHandler("partners.rank", 2, 10)
	r, s, q := newTestRunner(h)

	run, err := r.Start(context.Background(), "partners.rank", nil)
	require.NoError(t, err)
	h.during = func(page Page) {
		require.NoError(t, r.Fail(context.Background(), run.ID, "stale run"))
	}

	outcomes := drain(t, r, q)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSkipped, outcomes[0].Status)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, "stale run", got.Error)
}

func TestFinishHookRetried(t *testing.T) {
	h := newSliceHandler("payouts.prepare", 10, 3)
	h.finErr = errors.New("invoice update failed")
	r, s, q := newTestRunner(h)

	run, err := r.Start(context.Background(), "payouts.prepare", nil)
	require.NoError(t, err)
	first, _ := q.pop()

	_, err = r.Run(context.Background(), first)
	require.Error(t, err)

	outcome, err := r.Run(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Equal(t, 1, h.finishes)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}

func TestCronTriggerWithoutRunID(t *testing.T) {
	h := newSliceHandler("partners.rank", 100, 3)
	r, s, _ := newTestRunner(h)

	outcome, err := r.Run(context.Background(), models.JobPayload{Job: "partners.rank"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.NotEmpty(t, outcome.RunID)

	got, err := s.GetRun(context.Background(), outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	// A late redelivery of a finished run is skipped
	again, err := r.Run(context.Background(), models.JobPayload{Job: "partners.rank", RunID: outcome.RunID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, again.Status)
}

func TestRunRejectsUnknownJobAndBadParams(t *testing.T) {
	h := validatingHandler{newSliceHandler("discount-codes.sync", 10, 1)}
	r, _, _ := newTestRunner(h)

	_, err := r.Run(context.Background(), models.JobPayload{Job: "nope"})
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = r.Start(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = r.Start(context.Background(), "discount-codes.sync", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = r.Run(context.Background(), models.JobPayload{Job: "discount-codes.sync", Params: json.RawMessage(`{"programId":`)})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = r.Start(context.Background(), "discount-codes.sync", json.RawMessage(`{"programId":"prog_1"}`))
	assert.NoError(t, err)
}

func TestFailMarksRunFailed(t *testing.T) {
	h := newSliceHandler("partners.rank", 2, 10)
	r, s, _ := newTestRunner(h)

	run, err := r.Start(context.Background(), "partners.rank", nil)
	require.NoError(t, err)
	require.NoError(t, r.Fail(context.Background(), run.ID, "delivery attempts exhausted"))

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, "delivery attempts exhausted", got.Error)

	// Already terminal: no-op
	assert.NoError(t, r.Fail(context.Background(), run.ID, "again"))
}

func TestInvalidParamsDuringPageFailsRun(t *testing.T) {
	h := newSliceHandler("campaigns.send", 2, 10)
	h.pageErr = fmt.Errorf("%w: campaign %q not found", ErrInvalidParams, "cmp_x")
	r, s, q := newTestRunner(h)

	run, err := r.Start(context.Background(), "campaigns.send", nil)
	require.NoError(t, err)
	payload, ok := q.pop()
	require.True(t, ok)

	_, err = r.Run(context.Background(), payload)
	assert.ErrorIs(t, err, ErrInvalidParams)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "cmp_x")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(newSliceHandler("b.job", 1, 0), newSliceHandler("a.job", 1, 0))
	assert.Equal(t, []string{"a.job", "b.job"}, reg.Names())
	assert.Panics(t, func() { reg.Register(newSliceHandler("a.job", 1, 0)) })
}

func TestOutcomeString(t *testing.T) {
	o := &Outcome{RunID: "run_1", Job: "partners.rank", Page: 2, Status: OutcomeContinued, Count: 100, Processed: 100, NextCursor: "pn_9"}
	assert.Equal(t, "partners.rank run run_1 page 2: continued (fetched 100, processed 100, failed 0), continuing after pn_9", o.String())
}
