// Package cleanup provides data retention and lease harvesting.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/patternops/patternops/pkg/fsm"
)

// Config holds the retention knobs.
type Config struct {
	// RetentionDaysFSMHistory bounds fsm_state_history age.
	RetentionDaysFSMHistory int

	// Interval is the loop period.
	Interval time.Duration

	// StaleExecutionAge is how long a workflow execution may sit in
	// running before startup recovery declares it orphaned.
	StaleExecutionAge time.Duration
}

// DefaultConfig returns the standing defaults.
func DefaultConfig(retentionDays int) Config {
	return Config{
		RetentionDaysFSMHistory: retentionDays,
		Interval:                time.Hour,
		StaleExecutionAge:       time.Hour,
	}
}

// Service periodically enforces retention policies:
//   - Prunes fsm_state_history rows past the retention window
//   - Harvests expired FSM leases
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config  Config
	db      *sql.DB
	reducer *fsm.Reducer
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, db *sql.DB, reducer *fsm.Reducer) *Service {
	return &Service{
		config:  cfg,
		db:      db,
		reducer: reducer,
		now:     time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"fsm_history_retention_days", s.config.RetentionDaysFSMHistory,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneFSMHistory(ctx)
	s.harvestLeases(ctx)
}

func (s *Service) pruneFSMHistory(ctx context.Context) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.config.RetentionDaysFSMHistory)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fsm_state_history WHERE created_at < $1`, cutoff)
	if err != nil {
		slog.Error("Retention: fsm history prune failed", "error", err)
		return
	}
	if count, _ := res.RowsAffected(); count > 0 {
		slog.Info("Retention: pruned fsm history", "count", count, "cutoff", cutoff)
	}
}

func (s *Service) harvestLeases(ctx context.Context) {
	count, err := s.reducer.HarvestExpiredLeases(ctx)
	if err != nil {
		slog.Error("Retention: lease harvest failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: harvested expired leases", "count", count)
	}
}

// RecoverStartupOrphans runs once at boot, before consumers start. A
// crashed replica leaves expired leases and workflow executions stuck
// in running; both are reclaimed here so redeliveries can make
// progress immediately.
func (s *Service) RecoverStartupOrphans(ctx context.Context) error {
	harvested, err := s.reducer.HarvestExpiredLeases(ctx)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	cutoff := now.Add(-s.config.StaleExecutionAge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'failed', error_message = 'orphaned by restart', completed_at = $1
		WHERE status = 'running' AND started_at < $2`,
		now, cutoff)
	if err != nil {
		return err
	}
	orphaned, _ := res.RowsAffected()
	if harvested > 0 || orphaned > 0 {
		slog.Info("Startup orphan recovery",
			"leases_harvested", harvested, "executions_failed", orphaned)
	}
	return nil
}
