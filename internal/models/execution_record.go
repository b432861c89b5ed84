package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution record statuses.
const (
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
)

// ExecutionRecord is one attempted or completed execution step of a plan.
// The unique (plan_id, execution_number) index is the idempotency anchor:
// a success record for a slot is final and replayed verbatim on re-attempt,
// while a failed record is rewritten in place by the slot's retry. A slot
// never holds more than one row.
type ExecutionRecord struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	PlanID          uint64 `gorm:"not null;uniqueIndex:idx_plan_execution_number"`
	ExecutionNumber int    `gorm:"not null;uniqueIndex:idx_plan_execution_number"`

	AmountIn  decimal.Decimal  `gorm:"type:numeric(30,0);not null"`
	AmountOut *decimal.Decimal `gorm:"type:numeric(30,10)"`
	Price     *decimal.Decimal `gorm:"type:numeric(30,10)"`

	LedgerTxID    *string `gorm:"type:varchar(120)"`
	Status        string  `gorm:"type:varchar(16);not null;index"`
	FailureReason string  `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (ExecutionRecord) TableName() string {
	return "execution_records"
}
