package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dcaengine/internal/config"
	cronrunner "dcaengine/internal/cron"
	"dcaengine/internal/engine"
	"dcaengine/internal/lock"
	"dcaengine/internal/repository"
)

// ScanLockKey serializes the due-plan scan across scheduler instances. Only
// one instance works a tick; the per-plan lock inside the engine covers the
// window where a scan lease expires mid-batch.
const ScanLockKey = "dca:lock:scan"

type Executor interface {
	ExecutePlan(ctx context.Context, planID uint64) (*engine.Result, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) lock.Handle
}

type DueSource interface {
	FindDuePlans(ctx context.Context, now time.Time, limit int) ([]repository.PlanRef, error)
}

type Orchestrator struct {
	Due    DueSource
	Engine Executor
	Locks  Locker
	Logger *zap.Logger
	Config config.SchedulerConfig
}

// Register schedules Tick on the runner at the configured interval.
func (o *Orchestrator) Register(runner *cronrunner.Runner) (cron.EntryID, error) {
	return runner.Add(fmt.Sprintf("@every %s", o.Config.TickInterval), o.Tick)
}

// Tick runs one scheduling pass: grab the scan lock, list due plans, execute
// them one by one. Plans are processed oldest due first, and one plan's
// failure never stops the rest of the batch.
func (o *Orchestrator) Tick(ctx context.Context) {
	handle := o.Locks.Acquire(ctx, ScanLockKey, o.Config.ScanLockLease())
	if handle == nil {
		o.Logger.Debug("scan lock held elsewhere, skipping tick")
		return
	}
	defer handle.Release(ctx)

	refs, err := o.Due.FindDuePlans(ctx, time.Now().UTC(), o.Config.BatchLimit)
	if err != nil {
		o.Logger.Error("due-plan scan failed", zap.Error(err))
		return
	}
	if len(refs) == 0 {
		return
	}
	o.Logger.Info("tick started", zap.Int("due_plans", len(refs)))

	var executed, failed, skipped int
	for _, ref := range refs {
		if ctx.Err() != nil {
			o.Logger.Warn("tick interrupted by shutdown",
				zap.Int("remaining", len(refs)-executed-failed-skipped))
			return
		}
		res, err := o.executeOne(ctx, ref)
		switch {
		case err != nil:
			failed++
			o.Logger.Error("plan execution failed",
				zap.Uint64("plan_id", ref.ID), zap.Error(err))
		case res == nil:
			skipped++
		case res.Success():
			executed++
		default:
			failed++
		}
	}

	o.Logger.Info("tick finished",
		zap.Int("executed", executed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)
}

// executeOne shields the batch loop from a panicking execution.
func (o *Orchestrator) executeOne(ctx context.Context, ref repository.PlanRef) (res *engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic executing plan %d: %v", ref.ID, r)
		}
	}()
	return o.Engine.ExecutePlan(ctx, ref.ID)
}
