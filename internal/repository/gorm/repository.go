package gormrepository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"dcaengine/internal/models"
	"dcaengine/internal/repository"
)

type Store struct {
	db        *gorm.DB
	txMaxWait time.Duration
	txTimeout time.Duration
}

func New(db *gorm.DB, txMaxWait, txTimeout time.Duration) *Store {
	return &Store{db: db, txMaxWait: txMaxWait, txTimeout: txTimeout}
}

// InTx runs fn inside one serializable transaction. lock_timeout bounds the
// wait for row locks and statement_timeout bounds the whole statement; either
// firing aborts the transaction cleanly and leaves the plan due for retry.
func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.txMaxWait > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.txMaxWait.Milliseconds())).Error; err != nil {
				return err
			}
		}
		if s.txTimeout > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.txTimeout.Milliseconds())).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (s *Store) GetPlanTx(ctx context.Context, tx *gorm.DB, id uint64) (*models.Plan, error) {
	var item models.Plan
	err := tx.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdatePlanTx(ctx context.Context, tx *gorm.DB, plan *models.Plan) error {
	if plan == nil {
		return nil
	}
	plan.UpdatedAt = time.Now().UTC()
	return tx.WithContext(ctx).
		Model(&models.Plan{}).
		Where("id = ?", plan.ID).
		Updates(map[string]any{
			"executions_completed": plan.ExecutionsCompleted,
			"next_execution_at":    plan.NextExecutionAt,
			"status":               plan.Status,
			"ledger_ref":           plan.LedgerRef,
			"updated_at":           plan.UpdatedAt,
		}).Error
}

// SaveExecutionRecordTx inserts a fresh record, or rewrites the slot's row
// in place when the record carries the ID of a superseded failed attempt.
func (s *Store) SaveExecutionRecordTx(ctx context.Context, tx *gorm.DB, rec *models.ExecutionRecord) error {
	if rec == nil {
		return nil
	}
	return tx.WithContext(ctx).Save(rec).Error
}

func (s *Store) FindExecutionRecordTx(ctx context.Context, tx *gorm.DB, planID uint64, executionNumber int) (*models.ExecutionRecord, error) {
	var item models.ExecutionRecord
	err := tx.WithContext(ctx).
		Where("plan_id = ? AND execution_number = ?", planID, executionNumber).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) FindDuePlans(ctx context.Context, now time.Time, limit int) ([]repository.PlanRef, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var refs []repository.PlanRef
	err := s.db.WithContext(ctx).
		Model(&models.Plan{}).
		Select("id", "owner_id", "next_execution_at").
		Where("status = ?", models.PlanStatusActive).
		Where("next_execution_at <= ?", now).
		Where("executions_completed < total_executions").
		Order("next_execution_at asc").
		Limit(normalizeLimit(limit, 100)).
		Find(&refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) GetPlan(ctx context.Context, id uint64) (*models.Plan, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Plan
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListPlans(ctx context.Context, params repository.ListPlansParams) ([]models.Plan, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyPlanFilters(s.db.WithContext(ctx).Model(&models.Plan{}), params)
	var items []models.Plan
	err := query.
		Order("created_at desc").
		Limit(normalizeLimit(params.Limit, 50)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPlans(ctx context.Context, params repository.ListPlansParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := applyPlanFilters(s.db.WithContext(ctx).Model(&models.Plan{}), params).Count(&total).Error
	return total, err
}

func (s *Store) ListExecutionRecords(ctx context.Context, planID uint64, limit, offset int) ([]models.ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("execution_number asc").
		Limit(normalizeLimit(limit, 100)).
		Offset(normalizeOffset(offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func applyPlanFilters(query *gorm.DB, params repository.ListPlansParams) *gorm.DB {
	if params.OwnerID != nil && strings.TrimSpace(*params.OwnerID) != "" {
		query = query.Where("owner_id = ?", strings.TrimSpace(*params.OwnerID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	return query
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
