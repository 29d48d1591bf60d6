package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/store"
)

type startCall struct {
	job    string
	params string
}

// fakeRunner records calls and stores runs it starts
type fakeRunner struct {
	mu      sync.Mutex
	store   *store.MemoryStore
	started []startCall
	failed  map[string]string
	failN   int
	now     time.Time
}

func (r *fakeRunner) Start(ctx context.Context, job string, params []byte) (*models.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return nil, errors.New("publish: connection refused")
	}
	r.started = append(r.started, startCall{job, string(params)})
	run := &models.JobRun{
		ID:        models.NewID("run"),
		Job:       job,
		Params:    params,
		Status:    models.RunStatusRunning,
		StartedAt: r.now,
		UpdatedAt: r.now,
	}
	return run, r.store.CreateRun(ctx, run)
}

func (r *fakeRunner) Fail(ctx context.Context, runID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[runID] = reason
	return nil
}

var testLogger = logging.NewLogger(logging.ERROR, false)

const schedulesYAML = `
schedules:
  - job: partners.rank
    every: 24h
  - name: acme-export
    job: commissions.export
    every: 1h
    params:
      programId: prog_1
      status: paid
  - job: campaigns.send
    every: 1h
    enabled: false
    params:
      campaignId: cmp_1
`

func TestParse(t *testing.T) {
	schedules, err := Parse([]byte(schedulesYAML))
	require.NoError(t, err)
	require.Len(t, schedules, 3)

	assert.Equal(t, "partners.rank", schedules[0].Name)
	assert.Equal(t, 24*time.Hour, schedules[0].Interval())
	assert.True(t, schedules[0].IsEnabled())

	assert.Equal(t, "acme-export", schedules[1].Name)
	assert.JSONEq(t, `{"programId":"prog_1","status":"paid"}`, string(schedules[1].params))

	assert.False(t, schedules[2].IsEnabled())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing job", "schedules:\n  - every: 1h\n"},
		{"bad interval", "schedules:\n  - job: a\n    every: daily\n"},
		{"interval too short", "schedules:\n  - job: a\n    every: 10s\n"},
		{"duplicate name", "schedules:\n  - job: a\n    every: 1h\n  - job: a\n    every: 2h\n"},
		{"not yaml", "schedules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func newTestScheduler(t *testing.T, config Config) (*Scheduler, *fakeRunner, *store.MemoryStore, *time.Time) {
	t.Helper()
	schedules, err := Parse([]byte(schedulesYAML))
	require.NoError(t, err)

	s := store.NewMemoryStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	runner := &fakeRunner{store: s, failed: map[string]string{}, now: now}

	sch := New(runner, s, nil, config, testLogger)
	sch.now = func() time.Time { return now }
	sch.schedules = schedules
	for _, schedule := range schedules {
		sch.lastRun[schedule.Name] = now
	}
	return sch, runner, s, &now
}

func TestTickFiresDueSchedules(t *testing.T) {
	sch, runner, s, now := newTestScheduler(t, Config{})
	ctx := context.Background()

	assert.Empty(t, sch.Tick(ctx), "nothing is due right after start")

	*now = now.Add(time.Hour)
	started := sch.Tick(ctx)
	require.Len(t, started, 1)
	assert.Equal(t, "commissions.export", started[0].Job)
	assert.JSONEq(t, `{"programId":"prog_1","status":"paid"}`, runner.started[0].params)

	// The export is still running, so the next interval is skipped
	*now = now.Add(time.Hour)
	assert.Empty(t, sch.Tick(ctx))

	run, err := s.GetRun(ctx, started[0].ID)
	require.NoError(t, err)
	run.Status = models.RunStatusCompleted
	require.NoError(t, s.UpdateRun(ctx, run))

	*now = now.Add(22 * time.Hour)
	started = sch.Tick(ctx)
	jobs := []string{}
	for _, r := range started {
		jobs = append(jobs, r.Job)
	}
	assert.ElementsMatch(t, []string{"partners.rank", "commissions.export"}, jobs)
}

func TestTickRetriesFailedStart(t *testing.T) {
	sch, runner, _, now := newTestScheduler(t, Config{})
	ctx := context.Background()
	runner.failN = 1

	*now = now.Add(time.Hour)
	assert.Empty(t, sch.Tick(ctx))

	*now = now.Add(time.Minute)
	started := sch.Tick(ctx)
	require.Len(t, started, 1)
	assert.Equal(t, "commissions.export", started[0].Job)
}

func TestStaleRunsAreFailed(t *testing.T) {
	sch, runner, s, now := newTestScheduler(t, Config{StaleAfter: 2 * time.Hour})
	ctx := context.Background()

	stale := &models.JobRun{ID: "run_a", Job: "partners.rank", Status: models.RunStatusRunning, UpdatedAt: now.Add(-3 * time.Hour)}
	fresh := &models.JobRun{ID: "run_b", Job: "partners.rank", Status: models.RunStatusRunning, UpdatedAt: now.Add(-time.Hour)}
	done := &models.JobRun{ID: "run_c", Job: "partners.rank", Status: models.RunStatusCompleted, UpdatedAt: now.Add(-5 * time.Hour)}
	for _, r := range []*models.JobRun{stale, fresh, done} {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	sch.Tick(ctx)

	require.Len(t, runner.failed, 1)
	assert.Contains(t, runner.failed["run_a"], "stale")
}

func TestStartStop(t *testing.T) {
	sch, _, _, _ := newTestScheduler(t, Config{CheckInterval: 10 * time.Millisecond})
	sch.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sch.Stop()
	sch.Stop()
}
