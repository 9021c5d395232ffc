package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	"go.uber.org/zap"
)

// runLockKey is shared by every replica; only the holder runs the jobs.
const runLockKey = "scheduler:billing:lock"

// acquireRunLock returns a release func when this replica may run. Without a
// locker every call is granted.
func (s *Scheduler) acquireRunLock(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}

	start := time.Now()
	token, ok, err := s.locker.TryLock(ctx, runLockKey, s.cfg.LockTTL)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSchedulerRun, time.Since(start))
	if err != nil || !ok {
		return nil, false, err
	}

	release := func() {
		// The run context may already be done; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, runLockKey, token); err != nil {
			s.log.Warn("scheduler.lock.release_failed", zap.Error(err))
		}
	}
	return release, true, nil
}
