package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portfolio-watch-bot/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a Store backed by the application database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. The schema is created by database.AutoMigrate.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, tenantID int64) (Positions, error) {
	var rows []models.Position
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	ps := make(Positions, len(rows))
	for _, r := range rows {
		ps[r.Asset] = fromRow(r)
	}
	return ps, nil
}

func (s *GormStore) Save(ctx context.Context, tenantID int64, ps Positions) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&models.Position{}).Error; err != nil {
			return fmt.Errorf("failed to clear positions: %w", err)
		}
		if len(ps) == 0 {
			return nil
		}
		rows := make([]models.Position, 0, len(ps))
		for _, p := range ps {
			rows = append(rows, toRow(tenantID, p))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to save positions: %w", err)
		}
		return nil
	})
}

func (s *GormStore) AppendClosedTrade(ctx context.Context, tenantID int64, ct ClosedTrade) error {
	ct.TenantID = tenantID
	if err := s.db.WithContext(ctx).Create(&ct).Error; err != nil {
		return fmt.Errorf("failed to append closed trade: %w", err)
	}
	return nil
}

func (s *GormStore) ClosedTrades(ctx context.Context, tenantID int64, limit int) ([]ClosedTrade, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("closed_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []ClosedTrade
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list closed trades: %w", err)
	}
	return out, nil
}

func (s *GormStore) LoadSnapshot(ctx context.Context, tenantID int64) (Snapshot, bool, error) {
	var row models.BalanceSnapshot
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap := Snapshot{Balances: row.Balances, TotalValue: row.TotalValue, TakenAt: row.TakenAt}
	if snap.Balances == nil {
		snap.Balances = map[string]decimal.Decimal{}
	}
	return snap, true, nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, tenantID int64, snap Snapshot) error {
	row := models.BalanceSnapshot{
		TenantID:   tenantID,
		Balances:   snap.Clone().Balances,
		TotalValue: snap.TotalValue,
		TakenAt:    snap.TakenAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *GormStore) RecordValuation(ctx context.Context, tenantID int64, v models.Valuation) error {
	v.TenantID = tenantID
	if err := s.db.WithContext(ctx).Create(&v).Error; err != nil {
		return fmt.Errorf("failed to record valuation: %w", err)
	}
	return nil
}

func (s *GormStore) Valuations(ctx context.Context, tenantID int64, since time.Time) ([]models.Valuation, error) {
	var out []models.Valuation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND taken_at >= ?", tenantID, since).
		Order("taken_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list valuations: %w", err)
	}
	return out, nil
}

func (s *GormStore) Purge(ctx context.Context, tenantID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&models.Position{}, &models.BalanceSnapshot{}, &models.ClosedTrade{}, &models.Valuation{}} {
			if err := tx.Where("tenant_id = ?", tenantID).Delete(m).Error; err != nil {
				return fmt.Errorf("failed to purge %T: %w", m, err)
			}
		}
		return nil
	})
}

func (s *GormStore) TenantExists(ctx context.Context, tenantID int64) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Tenant{}).Where("id = ?", tenantID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check tenant %d: %w", tenantID, err)
	}
	return n > 0, nil
}

func (s *GormStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func toRow(tenantID int64, p AssetPosition) models.Position {
	return models.Position{
		TenantID:          tenantID,
		Asset:             p.Asset,
		TotalAmountBought: p.TotalAmountBought,
		TotalCost:         p.TotalCost,
		TotalAmountSold:   p.TotalAmountSold,
		RealizedValue:     p.RealizedValue,
		HighestPrice:      p.HighestPrice,
		LowestPrice:       p.LowestPrice,
		OpenedAt:          p.OpenedAt,
	}
}

func fromRow(r models.Position) AssetPosition {
	return AssetPosition{
		Asset:             r.Asset,
		TotalAmountBought: r.TotalAmountBought,
		TotalCost:         r.TotalCost,
		TotalAmountSold:   r.TotalAmountSold,
		RealizedValue:     r.RealizedValue,
		HighestPrice:      r.HighestPrice,
		LowestPrice:       r.LowestPrice,
		OpenedAt:          r.OpenedAt,
	}
}
