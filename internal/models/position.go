package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the stored row for one open asset position of a tenant.
type Position struct {
	TenantID          int64           `gorm:"primaryKey;autoIncrement:false"`
	Asset             string          `gorm:"primaryKey"`
	TotalAmountBought decimal.Decimal `gorm:"type:text"`
	TotalCost         decimal.Decimal `gorm:"type:text"`
	TotalAmountSold   decimal.Decimal `gorm:"type:text"`
	RealizedValue     decimal.Decimal `gorm:"type:text"`
	HighestPrice      decimal.Decimal `gorm:"type:text"`
	LowestPrice       decimal.Decimal `gorm:"type:text"`
	OpenedAt          time.Time
}

// BalanceSnapshot is the diff baseline of the last reconciliation that changed something.
type BalanceSnapshot struct {
	TenantID   int64                      `gorm:"primaryKey;autoIncrement:false"`
	Balances   map[string]decimal.Decimal `gorm:"serializer:json"`
	TotalValue decimal.Decimal            `gorm:"type:text"`
	TakenAt    time.Time
}

// ClosedTrade is an append-only record of one fully closed position.
type ClosedTrade struct {
	ID                string          `gorm:"primaryKey" json:"id"`
	TenantID          int64           `gorm:"index" json:"tenant_id"`
	Asset             string          `json:"asset"`
	TotalAmountBought decimal.Decimal `gorm:"type:text" json:"total_amount_bought"`
	TotalAmountSold   decimal.Decimal `gorm:"type:text" json:"total_amount_sold"`
	TotalCost         decimal.Decimal `gorm:"type:text" json:"total_cost"`
	RealizedValue     decimal.Decimal `gorm:"type:text" json:"realized_value"`
	AvgBuyPrice       decimal.Decimal `gorm:"type:text" json:"avg_buy_price"`
	AvgSellPrice      decimal.Decimal `gorm:"type:text" json:"avg_sell_price"`
	PnL               decimal.Decimal `gorm:"type:text" json:"pnl"`
	PnLPercent        decimal.Decimal `gorm:"type:text" json:"pnl_percent"`
	RealizedNet       decimal.Decimal `gorm:"type:text" json:"realized_net"`
	WriteOffQty       decimal.Decimal `gorm:"type:text" json:"write_off_qty"`
	HighestPrice      decimal.Decimal `gorm:"type:text" json:"highest_price"`
	LowestPrice       decimal.Decimal `gorm:"type:text" json:"lowest_price"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          time.Time       `gorm:"index" json:"closed_at"`
	DurationDays      float64         `json:"duration_days"`
}

// Valuation is one point of a tenant's portfolio value history.
type Valuation struct {
	ID         string                     `gorm:"primaryKey" json:"id"`
	TenantID   int64                      `gorm:"index" json:"tenant_id"`
	TotalValue decimal.Decimal            `gorm:"type:text" json:"total_value"`
	CashValue  decimal.Decimal            `gorm:"type:text" json:"cash_value"`
	Assets     map[string]decimal.Decimal `gorm:"serializer:json" json:"assets"`
	TakenAt    time.Time                  `gorm:"index" json:"taken_at"`
}
