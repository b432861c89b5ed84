package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"dcaengine/internal/models"
)

// PlanRef is the scanner's view of a due plan: enough to drive an execution
// attempt without loading the full row outside the execution transaction.
type PlanRef struct {
	ID              uint64
	OwnerID         string
	NextExecutionAt time.Time
}

type ListPlansParams struct {
	OwnerID *string
	Status  *string
	Limit   int
	Offset  int
}

// Repository is the persistent store for plans and their execution history.
//
// Tx-suffixed methods run inside a transaction opened by InTx; the engine
// performs its whole read-modify-write there so the serializable isolation
// level backs up the distributed per-plan lock. FindDuePlans is a pure read
// and takes no lock of any kind.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	GetPlanTx(ctx context.Context, tx *gorm.DB, id uint64) (*models.Plan, error)
	UpdatePlanTx(ctx context.Context, tx *gorm.DB, plan *models.Plan) error
	SaveExecutionRecordTx(ctx context.Context, tx *gorm.DB, rec *models.ExecutionRecord) error
	FindExecutionRecordTx(ctx context.Context, tx *gorm.DB, planID uint64, executionNumber int) (*models.ExecutionRecord, error)

	FindDuePlans(ctx context.Context, now time.Time, limit int) ([]PlanRef, error)

	GetPlan(ctx context.Context, id uint64) (*models.Plan, error)
	ListPlans(ctx context.Context, params ListPlansParams) ([]models.Plan, error)
	CountPlans(ctx context.Context, params ListPlansParams) (int64, error)
	ListExecutionRecords(ctx context.Context, planID uint64, limit, offset int) ([]models.ExecutionRecord, error)
}
