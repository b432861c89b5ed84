package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"dcaengine/internal/config"
	"dcaengine/internal/ledger"
	"dcaengine/internal/lock"
	"dcaengine/internal/models"
	"dcaengine/internal/notify"
	"dcaengine/internal/oracle"
	"dcaengine/internal/repository"
)

// Short-circuit failure reasons. None of these writes an execution record:
// the plan was cancelled, finished, or already served between scan and
// execution, which is a stale-scan condition, not a real attempt.
const (
	ReasonNotActive    = "plan not active"
	ReasonAllCompleted = "all executions completed"
	ReasonNotDue       = "not due yet"
)

// Produced amounts are floored at 8 fractional digits; rounding never
// creates value out of thin air.
const amountOutPrecision = 8

type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) lock.Handle
}

type PriceSource interface {
	CurrentPrice(ctx context.Context, pair string) (oracle.Quote, error)
}

type Invalidator interface {
	InvalidatePlan(ctx context.Context, planID uint64, ownerID string)
}

// Result is the outcome of one execution attempt. A nil *Result from
// ExecutePlan means the per-plan lock was held elsewhere; everything else,
// including business failures, is a non-nil Result.
type Result struct {
	PlanID          uint64
	OwnerID         string
	ExecutionNumber int
	Status          string
	Reason          string
	AmountIn        decimal.Decimal
	AmountOut       *decimal.Decimal
	Price           *decimal.Decimal
	LedgerTxID      *string
	PlanCompleted   bool

	// Replayed marks an idempotent replay: the slot's record already
	// existed and was returned verbatim, with no new writes.
	Replayed bool
	// RecordWritten marks that this attempt appended an execution record.
	RecordWritten bool
}

func (r *Result) Success() bool {
	return r != nil && r.Status == models.ExecutionStatusSuccess
}

// Engine executes a single plan step atomically and idempotently. The
// distributed per-plan lock excludes concurrent schedulers; the serializable
// transaction around the step is the backstop should a lease ever expire
// mid-flight.
type Engine struct {
	Repo     repository.Repository
	Locks    Locker
	Oracle   PriceSource
	Ledger   ledger.Writer
	Cache    Invalidator
	Notifier notify.Notifier
	Logger   *zap.Logger
	Config   config.EngineConfig
}

func PlanLockKey(planID uint64) string {
	return fmt.Sprintf("dca:lock:plan:%d", planID)
}

// ExecutePlan runs one execution step for the plan. It returns (nil, nil)
// only when the per-plan lock could not be acquired; business failures are
// returned as a failed Result, and only infrastructure or programming faults
// surface as errors.
func (e *Engine) ExecutePlan(ctx context.Context, planID uint64) (*Result, error) {
	lease := e.Config.PlanLockLease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	handle := e.Locks.Acquire(ctx, PlanLockKey(planID), lease)
	if handle == nil {
		return nil, nil
	}
	defer handle.Release(ctx)

	var res *Result
	err := e.Repo.InTx(ctx, func(tx *gorm.DB) error {
		var stepErr error
		res, stepErr = e.executeStep(ctx, tx, planID)
		return stepErr
	})
	if err != nil {
		return nil, err
	}

	e.dispatchSideEffects(res)
	return res, nil
}

func (e *Engine) executeStep(ctx context.Context, tx *gorm.DB, planID uint64) (*Result, error) {
	plan, err := e.Repo.GetPlanTx(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		// Scanner only surfaces existing plans and plans are never
		// deleted, so this is a caller bug.
		return nil, fmt.Errorf("plan %d not found", planID)
	}

	if plan.Status != models.PlanStatusActive {
		return shortCircuit(plan, ReasonNotActive), nil
	}
	if plan.ExecutionsCompleted >= plan.TotalExecutions {
		return shortCircuit(plan, ReasonAllCompleted), nil
	}

	if plan.NextExecutionAt.After(time.Now().UTC()) {
		// A successful step already advanced the plan inside this due
		// interval; a duplicate tick must not run the next slot early.
		return shortCircuit(plan, ReasonNotDue), nil
	}

	number := plan.ExecutionsCompleted + 1

	// Idempotency anchor: a Success record for this slot means the step
	// already happened, so its stored outcome is replayed verbatim with
	// no further writes. A Failed record marks a slot whose pricing or
	// settlement fell over; the retry below overwrites it in place, so
	// the slot keeps a single record and the same execution number.
	existing, err := e.Repo.FindExecutionRecordTx(ctx, tx, plan.ID, number)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == models.ExecutionStatusSuccess {
		res := resultFromRecord(plan, existing)
		res.Replayed = true
		return res, nil
	}
	var retryOfID uint64
	if existing != nil {
		retryOfID = existing.ID
	}

	quote, err := e.Oracle.CurrentPrice(ctx, plan.AssetPair())
	if err != nil {
		// The slot is consumed by a failed record, but counters are not
		// advanced: next_execution_at stays in the past and the scanner
		// retries the same execution number on the following tick.
		return e.recordFailure(ctx, tx, plan, &models.ExecutionRecord{
			ID:              retryOfID,
			PlanID:          plan.ID,
			ExecutionNumber: number,
			AmountIn:        plan.AmountPerExecution,
			Status:          models.ExecutionStatusFailed,
			FailureReason:   fmt.Sprintf("price fetch failed: %v", err),
			CreatedAt:       time.Now().UTC(),
		})
	}

	amountOut, err := ComputeAmountOut(plan.AmountPerExecution, plan.DepositDecimals, quote.Price)
	if err != nil {
		return nil, err
	}

	txID, err := e.Ledger.Submit(ctx, ledger.SubmitRequest{
		PlanID:          plan.ID,
		ExecutionNumber: number,
		OwnerID:         plan.OwnerID,
		DepositAsset:    plan.DepositAsset,
		TargetAsset:     plan.TargetAsset,
		AmountIn:        plan.AmountPerExecution,
		AmountOut:       amountOut,
		Price:           quote.Price,
	})
	if err != nil {
		return e.recordFailure(ctx, tx, plan, &models.ExecutionRecord{
			ID:              retryOfID,
			PlanID:          plan.ID,
			ExecutionNumber: number,
			AmountIn:        plan.AmountPerExecution,
			AmountOut:       &amountOut,
			Price:           &quote.Price,
			Status:          models.ExecutionStatusFailed,
			FailureReason:   fmt.Sprintf("ledger write failed: %v", err),
			CreatedAt:       time.Now().UTC(),
		})
	}

	now := time.Now().UTC()
	rec := &models.ExecutionRecord{
		ID:              retryOfID,
		PlanID:          plan.ID,
		ExecutionNumber: number,
		AmountIn:        plan.AmountPerExecution,
		AmountOut:       &amountOut,
		Price:           &quote.Price,
		LedgerTxID:      &txID,
		Status:          models.ExecutionStatusSuccess,
		CreatedAt:       now,
	}
	if err := e.Repo.SaveExecutionRecordTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	plan.ExecutionsCompleted = number
	if number >= plan.TotalExecutions {
		plan.Status = models.PlanStatusCompleted
	} else {
		interval, err := models.IntervalDuration(plan.Interval)
		if err != nil {
			return nil, err
		}
		plan.NextExecutionAt = now.Add(interval)
	}
	if err := e.Repo.UpdatePlanTx(ctx, tx, plan); err != nil {
		return nil, err
	}

	res := resultFromRecord(plan, rec)
	res.RecordWritten = true
	res.PlanCompleted = plan.Status == models.PlanStatusCompleted
	return res, nil
}

func (e *Engine) recordFailure(ctx context.Context, tx *gorm.DB, plan *models.Plan, rec *models.ExecutionRecord) (*Result, error) {
	if err := e.Repo.SaveExecutionRecordTx(ctx, tx, rec); err != nil {
		return nil, err
	}
	if e.Logger != nil {
		e.Logger.Warn("execution step failed",
			zap.Uint64("plan_id", plan.ID),
			zap.Int("execution_number", rec.ExecutionNumber),
			zap.String("reason", rec.FailureReason),
		)
	}
	res := resultFromRecord(plan, rec)
	res.RecordWritten = true
	return res, nil
}

// ComputeAmountOut converts a smallest-unit deposit amount into target-asset
// units at the given price, truncated (never rounded up) at 8 fractional
// digits.
func ComputeAmountOut(amountIn decimal.Decimal, depositDecimals int, price decimal.Decimal) (decimal.Decimal, error) {
	if depositDecimals < 0 {
		return decimal.Decimal{}, fmt.Errorf("negative deposit decimals %d", depositDecimals)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("non-positive price %s", price)
	}
	units := amountIn.Shift(int32(-depositDecimals))
	out, _ := units.QuoRem(price, amountOutPrecision)
	return out, nil
}

func shortCircuit(plan *models.Plan, reason string) *Result {
	return &Result{
		PlanID:          plan.ID,
		OwnerID:         plan.OwnerID,
		ExecutionNumber: plan.ExecutionsCompleted + 1,
		Status:          models.ExecutionStatusFailed,
		Reason:          reason,
		AmountIn:        plan.AmountPerExecution,
	}
}

func resultFromRecord(plan *models.Plan, rec *models.ExecutionRecord) *Result {
	return &Result{
		PlanID:          plan.ID,
		OwnerID:         plan.OwnerID,
		ExecutionNumber: rec.ExecutionNumber,
		Status:          rec.Status,
		Reason:          rec.FailureReason,
		AmountIn:        rec.AmountIn,
		AmountOut:       rec.AmountOut,
		Price:           rec.Price,
		LedgerTxID:      rec.LedgerTxID,
	}
}

// dispatchSideEffects fires cache invalidation and the outbound notification
// after commit. Both are independent, best effort, and never block or fail
// the financial write.
func (e *Engine) dispatchSideEffects(res *Result) {
	if res == nil || res.Replayed || !res.RecordWritten {
		return
	}
	if e.Cache != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			e.Cache.InvalidatePlan(ctx, res.PlanID, res.OwnerID)
		}()
	}
	if e.Notifier != nil {
		evt := notify.Event{
			Type:            notify.EventPlanFailed,
			PlanID:          res.PlanID,
			OwnerID:         res.OwnerID,
			ExecutionNumber: res.ExecutionNumber,
			AmountOut:       res.AmountOut,
			LedgerTxID:      res.LedgerTxID,
			Reason:          res.Reason,
			At:              time.Now().UTC(),
		}
		if res.Success() {
			evt.Type = notify.EventPlanExecuted
			if res.PlanCompleted {
				evt.Type = notify.EventPlanCompleted
			}
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			e.Notifier.Notify(ctx, evt)
		}()
	}
}
