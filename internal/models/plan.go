package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Plan statuses. A plan is never deleted; it only reaches a terminal status.
const (
	PlanStatusActive    = "active"
	PlanStatusPaused    = "paused"
	PlanStatusCancelled = "cancelled"
	PlanStatusCompleted = "completed"
)

// Recurrence intervals.
const (
	IntervalDaily    = "daily"
	IntervalWeekly   = "weekly"
	IntervalBiweekly = "biweekly"
	IntervalMonthly  = "monthly"
)

// Plan is a recurring purchase commitment: a fixed deposit amount converted
// into the target asset on a fixed cadence, a bounded number of times.
//
// AmountPerExecution is an integer in the deposit asset's smallest units
// (DepositDecimals fractional digits), never a float.
type Plan struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	OwnerID string `gorm:"type:varchar(64);not null;index"`

	DepositAsset    string `gorm:"type:varchar(20);not null"`
	TargetAsset     string `gorm:"type:varchar(20);not null"`
	DepositDecimals int    `gorm:"not null;default:6"`

	AmountPerExecution  decimal.Decimal `gorm:"type:numeric(30,0);not null"`
	TotalExecutions     int             `gorm:"not null"`
	ExecutionsCompleted int             `gorm:"not null;default:0"`

	Interval        string    `gorm:"type:varchar(16);not null"`
	NextExecutionAt time.Time `gorm:"type:timestamptz;not null;index"`
	Status          string    `gorm:"type:varchar(16);not null;default:'active';index"`

	LedgerRef *string        `gorm:"type:varchar(120)"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Plan) TableName() string {
	return "plans"
}

// AssetPair is the oracle symbol for this plan, target quoted in deposit
// currency (e.g. "BTC-USDC").
func (p *Plan) AssetPair() string {
	return p.TargetAsset + "-" + p.DepositAsset
}

// IntervalDuration maps the recurrence enum to a fixed duration. An unknown
// interval is a data/config fault and is returned as an error rather than
// silently defaulted.
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalBiweekly:
		return 14 * 24 * time.Hour, nil
	case IntervalMonthly:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown recurrence interval %q", interval)
	}
}
