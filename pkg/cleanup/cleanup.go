// Package cleanup removes finished runs, delivered messages and export part
// files past their retention and periodically vacuums the database.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/partnerbatch/pkg/jobs"
	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/store"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled          bool
	RunRetention     time.Duration // finished runs and their page records
	MessageRetention time.Duration // delivered and failed queue messages
	ExportDir        string        // export part files are pruned with runs
	CleanupInterval  time.Duration
	VacuumInterval   time.Duration
	DeleteBatchSize  int
	InitialDelay     time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		RunRetention:     30 * 24 * time.Hour,
		MessageRetention: 7 * 24 * time.Hour,
		CleanupInterval:  24 * time.Hour,
		VacuumInterval:   7 * 24 * time.Hour,
		DeleteBatchSize:  500,
		InitialDelay:     5 * time.Minute,
	}
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime      time.Time
	LastVacuumTime       time.Time
	TotalRunsDeleted     int64
	TotalMessagesDeleted int64
	TotalPartsPruned     int64
	TotalVacuumRuns      int64
	LastCleanupDuration  time.Duration
	LastVacuumDuration   time.Duration
}

// Manager handles automatic cleanup and maintenance
type Manager struct {
	config Config
	store  store.MaintenanceStore
	logger *logging.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a new cleanup manager
func NewManager(config Config, s store.MaintenanceStore, logger *logging.Logger) *Manager {
	defaults := DefaultConfig()
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.VacuumInterval <= 0 {
		config.VacuumInterval = defaults.VacuumInterval
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = defaults.DeleteBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		store:  s,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the automatic cleanup process
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", map[string]interface{}{
		"run_retention":     m.config.RunRetention.String(),
		"message_retention": m.config.MessageRetention.String(),
		"interval":          m.config.CleanupInterval.String(),
	})

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.vacuumLoop()
}

// Stop gracefully stops the cleanup manager
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.config.InitialDelay):
	}
	m.CleanupNow(m.ctx)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CleanupNow(m.ctx)
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.VacuumNow(m.ctx)
		}
	}
}

// deleteInBatches calls del until it deletes less than a full batch
func (m *Manager) deleteInBatches(ctx context.Context, del func(context.Context, time.Time, int) (int, error), cutoff time.Time) (int, error) {
	total := 0
	for {
		n, err := del(ctx, cutoff, m.config.DeleteBatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < m.config.DeleteBatchSize {
			return total, nil
		}
		// Keep the database responsive between batches
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// CleanupNow deletes finished runs and messages older than their retention.
// A zero retention keeps the records forever.
func (m *Manager) CleanupNow(ctx context.Context) (runs, messages int) {
	start := m.now()

	if m.config.RunRetention > 0 {
		n, err := m.deleteInBatches(ctx, m.store.DeleteRunsBefore, start.Add(-m.config.RunRetention))
		if err != nil {
			m.logger.Error("Failed to delete old runs", map[string]interface{}{"error": err.Error()})
		}
		runs = n
	}
	parts := 0
	if m.config.RunRetention > 0 && m.config.ExportDir != "" {
		n, err := jobs.PruneExportParts(m.config.ExportDir, start.Add(-m.config.RunRetention))
		if err != nil {
			m.logger.Error("Failed to prune export parts", map[string]interface{}{"error": err.Error()})
		}
		parts = n
	}
	if m.config.MessageRetention > 0 {
		n, err := m.deleteInBatches(ctx, m.store.DeleteMessagesBefore, start.Add(-m.config.MessageRetention))
		if err != nil {
			m.logger.Error("Failed to delete old messages", map[string]interface{}{"error": err.Error()})
		}
		messages = n
	}

	duration := m.now().Sub(start)

	m.mu.Lock()
	m.stats.LastCleanupTime = start
	m.stats.LastCleanupDuration = duration
	m.stats.TotalRunsDeleted += int64(runs)
	m.stats.TotalMessagesDeleted += int64(messages)
	m.stats.TotalPartsPruned += int64(parts)
	m.mu.Unlock()

	m.logger.Info("Cleanup complete", map[string]interface{}{
		"runs_deleted":     runs,
		"messages_deleted": messages,
		"parts_pruned":     parts,
		"duration":         duration.String(),
	})
	return runs, messages
}

// VacuumNow performs database maintenance
func (m *Manager) VacuumNow(ctx context.Context) error {
	start := m.now()
	if err := m.store.Vacuum(ctx); err != nil {
		m.logger.Error("Database vacuum failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	m.mu.Lock()
	m.stats.LastVacuumTime = start
	m.stats.LastVacuumDuration = m.now().Sub(start)
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Database vacuum complete")
	return nil
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
