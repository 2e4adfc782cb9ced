// Package maintenance runs the background hygiene jobs: purging expired
// idempotency records and removing terminal sagas past their retention.
//
// Jobs are submitted through the executor under periodic keys, so a fleet of
// workers sharing the stores runs each job once per day no matter how many
// schedulers fire.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	execapp "github.com/patrolshift/taskcore/internal/app/execution"
	sagaapp "github.com/patrolshift/taskcore/internal/app/saga"
	"github.com/patrolshift/taskcore/internal/domain/idempotency"
	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// Cleanup cadence and retention. Terminal sagas are kept for a week so
// operators can inspect recent workflow history; both sweeps run off-peak.
const (
	recordPurgeSchedule = "0 2 * * *"
	sagaSweepSchedule   = "30 3 * * *"

	recordPurgeTask = "maintenance.purge_expired_records"
	sagaSweepTask   = "maintenance.sweep_stale_sagas"

	sagaRetention = 7 * 24 * time.Hour

	jobTimeout = 5 * time.Minute
)

// Scheduler owns the cron jobs for storage hygiene.
type Scheduler struct {
	cron     *cron.Cron
	executor *execapp.Executor
	records  idempotency.RecordStore
	sagas    *sagaapp.Coordinator

	logger *logger.Logger
	now    func() time.Time
}

// NewScheduler creates a maintenance scheduler that runs its jobs through the
// given executor against the durable stores.
func NewScheduler(
	executor *execapp.Executor,
	records idempotency.RecordStore,
	sagas *sagaapp.Coordinator,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		executor: executor,
		records:  records,
		sagas:    sagas,
		logger:   log,
		now:      time.Now,
	}
}

// Start registers the cleanup jobs and begins the schedule. Jobs run in cron's
// own goroutines; each gets a bounded context.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(recordPurgeSchedule, s.purgeExpiredRecords); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(sagaSweepSchedule, s.sweepStaleSagas); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info(context.Background(), "maintenance scheduler started",
		"record_purge", recordPurgeSchedule, "saga_sweep", sagaSweepSchedule)
	return nil
}

// Stop halts the schedule and returns a context that completes when running
// jobs have drained.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// PurgeExpiredRecords removes idempotency records whose expiry has passed.
// Expired records are already invisible to duplicate checks; this reclaims
// the storage.
func (s *Scheduler) PurgeExpiredRecords(ctx context.Context) (int64, error) {
	return s.records.DeleteExpired(ctx, s.now())
}

// SweepStaleSagas removes terminal sagas past the retention window.
func (s *Scheduler) SweepStaleSagas(ctx context.Context) (int64, error) {
	return s.sagas.CleanupStale(ctx, sagaRetention)
}

func (s *Scheduler) purgeExpiredRecords() {
	s.runOncePerDay(recordPurgeTask, s.PurgeExpiredRecords)
}

func (s *Scheduler) sweepStaleSagas() {
	s.runOncePerDay(sagaSweepTask, s.SweepStaleSagas)
}

// runOncePerDay submits a cleanup job under its periodic key. The first
// scheduler in the fleet to fire executes it; the rest hit the cached result.
func (s *Scheduler) runOncePerDay(taskName string, job func(ctx context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	sub := execapp.Submission{
		TaskName: taskName,
		Key:      idempotency.PeriodicKey(taskName, s.now()),
		Scope:    idempotency.ScopeGlobal,
		Category: idempotency.CategoryMaintenance,
	}

	handle, err := s.executor.Execute(ctx, sub, func(ctx context.Context) (json.RawMessage, error) {
		deleted, err := job(ctx)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(fmt.Sprintf(`{"deleted":%d}`, deleted)), nil
	})
	if err != nil {
		s.logger.Error(ctx, "maintenance job failed", "task_name", taskName, "error", err)
		return
	}

	switch handle.Disposition {
	case execapp.DispositionCached:
		s.logger.Debug(ctx, "maintenance job already ran today", "task_name", taskName)
	case execapp.DispositionExecuted:
		s.logger.Info(ctx, "maintenance job completed",
			"task_name", taskName, "result", string(handle.Result), "duration", handle.Duration.String())
	}
}
