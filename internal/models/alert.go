package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Alert directions.
const (
	AlertAbove = "above"
	AlertBelow = "below"
)

// PriceAlert fires once when Symbol crosses Target in Direction.
type PriceAlert struct {
	gorm.Model
	TenantID    int64           `gorm:"index" json:"tenant_id"`
	Symbol      string          `json:"symbol"`
	Target      decimal.Decimal `gorm:"type:text" json:"target"`
	Direction   string          `json:"direction"`
	Triggered   bool            `gorm:"index" json:"triggered"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty"`
}
