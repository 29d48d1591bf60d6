// Package scheduler starts job runs on fixed intervals and fails runs that
// stopped making progress.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/models"
)

// Schedule triggers one job on an interval
type Schedule struct {
	Name    string                 `yaml:"name"`
	Job     string                 `yaml:"job"`
	Every   string                 `yaml:"every"`
	Params  map[string]interface{} `yaml:"params,omitempty"`
	Enabled *bool                  `yaml:"enabled,omitempty"` // defaults to true
	// AllowOverlap starts a new run even while one of the same job is running
	AllowOverlap bool `yaml:"allow_overlap,omitempty"`

	interval time.Duration
	params   []byte
}

// Interval returns the parsed trigger interval
func (s *Schedule) Interval() time.Duration {
	return s.interval
}

// IsEnabled reports whether the schedule fires
func (s *Schedule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// File is the schedules file layout
type File struct {
	Schedules []*Schedule `yaml:"schedules"`
}

// Parse decodes and validates a schedules document
func Parse(data []byte) ([]*Schedule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schedules: %w", err)
	}

	seen := make(map[string]bool)
	for i, s := range f.Schedules {
		if s.Job == "" {
			return nil, fmt.Errorf("schedule %d: job is required", i)
		}
		if s.Name == "" {
			s.Name = s.Job
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("schedule %q: duplicate name", s.Name)
		}
		seen[s.Name] = true

		d, err := time.ParseDuration(s.Every)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid interval %q: %w", s.Name, s.Every, err)
		}
		if d < time.Minute {
			return nil, fmt.Errorf("schedule %q: interval %v is below one minute", s.Name, d)
		}
		s.interval = d

		if len(s.Params) > 0 {
			params, err := json.Marshal(s.Params)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: invalid params: %w", s.Name, err)
			}
			s.params = params
		}
	}
	return f.Schedules, nil
}

// LoadFile reads schedules from a YAML file
func LoadFile(path string) ([]*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules: %w", err)
	}
	return Parse(data)
}

// Runner starts and fails runs
type Runner interface {
	Start(ctx context.Context, job string, params []byte) (*models.JobRun, error)
	Fail(ctx context.Context, runID string, reason string) error
}

// RunLister lists runs
type RunLister interface {
	ListRuns(ctx context.Context, f models.RunFilter) ([]*models.JobRun, error)
}

// Config configures a Scheduler
type Config struct {
	CheckInterval time.Duration // how often schedules are evaluated
	// StaleAfter fails running runs whose last page is older than this; zero
	// disables the check.
	StaleAfter time.Duration
}

// Scheduler manages interval triggers and stale run detection
type Scheduler struct {
	runner    Runner
	runs      RunLister
	schedules []*Schedule
	config    Config
	logger    *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Scheduler instance. Every schedule first fires one
// interval after the scheduler is created.
func New(runner Runner, runs RunLister, schedules []*Schedule, config Config, logger *logging.Logger) *Scheduler {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	s := &Scheduler{
		runner:    runner,
		runs:      runs,
		schedules: schedules,
		config:    config,
		logger:    logger.WithField("component", "scheduler"),
		now:       time.Now,
		lastRun:   make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	now := s.now()
	for _, sch := range schedules {
		s.lastRun[sch.Name] = now
	}
	return s
}

// Start begins the background scheduling loop
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Scheduler started", map[string]interface{}{
		"schedules":      len(s.schedules),
		"check_interval": s.config.CheckInterval.String(),
	})
	go s.run(ctx)
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.logger.Info("Scheduler stopped")
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick fires due schedules and fails stale runs. It returns the runs started.
func (s *Scheduler) Tick(ctx context.Context) []*models.JobRun {
	started := s.fireDue(ctx)
	s.failStaleRuns(ctx)
	return started
}

func (s *Scheduler) fireDue(ctx context.Context) []*models.JobRun {
	now := s.now()
	var started []*models.JobRun

	for _, sch := range s.schedules {
		if !sch.IsEnabled() {
			continue
		}
		s.mu.Lock()
		due := !now.Before(s.lastRun[sch.Name].Add(sch.interval))
		s.mu.Unlock()
		if !due {
			continue
		}

		if !sch.AllowOverlap {
			running, err := s.runs.ListRuns(ctx, models.RunFilter{Job: sch.Job, Status: models.RunStatusRunning, Limit: 1})
			if err != nil {
				s.logger.Error("Failed to check running runs", map[string]interface{}{"schedule": sch.Name, "error": err.Error()})
				continue
			}
			if len(running) > 0 {
				s.logger.Info("Previous run still in progress, skipping", map[string]interface{}{
					"schedule": sch.Name,
					"run_id":   running[0].ID,
				})
				continue
			}
		}

		run, err := s.runner.Start(ctx, sch.Job, sch.params)
		if err != nil {
			// Retried on the next tick
			s.logger.Error("Failed to start scheduled run", map[string]interface{}{"schedule": sch.Name, "error": err.Error()})
			continue
		}

		s.mu.Lock()
		s.lastRun[sch.Name] = now
		s.mu.Unlock()
		started = append(started, run)
		s.logger.Info("Scheduled run started", map[string]interface{}{"schedule": sch.Name, "run_id": run.ID})
	}
	return started
}

// failStaleRuns fails running runs that have not recorded a page within
// StaleAfter, e.g. because their continuation was lost.
func (s *Scheduler) failStaleRuns(ctx context.Context) {
	if s.config.StaleAfter <= 0 {
		return
	}
	runs, err := s.runs.ListRuns(ctx, models.RunFilter{Status: models.RunStatusRunning})
	if err != nil {
		s.logger.Error("Failed to list running runs", map[string]interface{}{"error": err.Error()})
		return
	}

	cutoff := s.now().Add(-s.config.StaleAfter)
	for _, run := range runs {
		if !run.UpdatedAt.Before(cutoff) {
			continue
		}
		reason := fmt.Sprintf("stale: no progress since %s", run.UpdatedAt.UTC().Format(time.RFC3339))
		if err := s.runner.Fail(ctx, run.ID, reason); err != nil {
			s.logger.Error("Failed to fail stale run", map[string]interface{}{"run_id": run.ID, "error": err.Error()})
			continue
		}
		s.logger.Warn("Stale run failed", map[string]interface{}{"run_id": run.ID, "job": run.Job})
	}
}
