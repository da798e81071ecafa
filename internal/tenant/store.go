// Package tenant manages bot users and their exchange credentials.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portfolio-watch-bot/internal/binance"
	"portfolio-watch-bot/internal/guard"
	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for operations on a tenant that does not exist.
var ErrNotFound = errors.New("tenant not found")

// Store persists tenants. Secrets are sealed before they reach the database.
type Store struct {
	db     *gorm.DB
	sealer *Sealer
	guard  guard.Guard
	retry  time.Duration
}

func NewStore(db *gorm.DB, sealer *Sealer) *Store {
	return &Store{db: db, sealer: sealer, retry: 200 * time.Millisecond}
}

// WithGuard makes Remove wait for the tenant's reconciliation guard, so that
// erasure never overlaps a pass.
func (s *Store) WithGuard(g guard.Guard) *Store {
	s.guard = g
	return s
}

// Link creates the tenant or replaces its credentials. Settings are kept on relink.
func (s *Store) Link(ctx context.Context, id int64, creds binance.Credentials) error {
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.SecretKey) == "" {
		return errors.New("api key and secret are required")
	}
	sealed, err := s.sealer.Seal(creds.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to seal secret: %w", err)
	}
	t := models.Tenant{ID: id, APIKey: creds.APIKey, SealedSecret: sealed}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "sealed_secret", "updated_at"}),
	}).Create(&t).Error
	if err != nil {
		return fmt.Errorf("failed to link tenant %d: %w", id, err)
	}
	return nil
}

// Get returns the tenant row.
func (s *Store) Get(ctx context.Context, id int64) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.WithContext(ctx).Take(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %d: %w", id, err)
	}
	return &t, nil
}

// Credentials returns the tenant's exchange keys, or nil if the tenant has not
// linked an account.
func (s *Store) Credentials(ctx context.Context, id int64) (*binance.Credentials, error) {
	t, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.APIKey == "" || t.SealedSecret == "" {
		return nil, nil
	}
	secret, err := s.sealer.Open(t.SealedSecret)
	if err != nil {
		return nil, fmt.Errorf("tenant %d: %w", id, err)
	}
	return &binance.Credentials{APIKey: t.APIKey, SecretKey: secret}, nil
}

// List returns all tenants ordered by id.
func (s *Store) List(ctx context.Context) ([]models.Tenant, error) {
	var out []models.Tenant
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return out, nil
}

// IDs returns all tenant ids in ascending order.
func (s *Store) IDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&models.Tenant{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenant ids: %w", err)
	}
	return ids, nil
}

// SetDebug toggles delivery of reconciliation diagnostics to the tenant.
func (s *Store) SetDebug(ctx context.Context, id int64, on bool) error {
	return s.update(ctx, id, "debug", on)
}

// SetShareToChannel toggles copying trade events to the public channel.
func (s *Store) SetShareToChannel(ctx context.Context, id int64, on bool) error {
	return s.update(ctx, id, "share_to_channel", on)
}

func (s *Store) update(ctx context.Context, id int64, column string, value any) error {
	res := s.db.WithContext(ctx).Model(&models.Tenant{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("failed to update tenant %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove erases the tenant and everything it owns in one transaction. With a
// guard set it first waits until no pass holds the tenant.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if s.guard != nil {
		release, err := s.acquire(ctx, id)
		if err != nil {
			return err
		}
		defer release()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Tenant{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete tenant %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := ledger.NewGormStore(tx).Purge(ctx, id); err != nil {
			return err
		}
		if err := tx.Unscoped().Where("tenant_id = ?", id).Delete(&models.PriceAlert{}).Error; err != nil {
			return fmt.Errorf("failed to delete alerts: %w", err)
		}
		return nil
	})
}

func (s *Store) acquire(ctx context.Context, id int64) (func(), error) {
	for {
		release, ok, err := s.guard.TryAcquire(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire tenant guard: %w", err)
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("tenant %d is being reconciled: %w", id, ctx.Err())
		case <-time.After(s.retry):
		}
	}
}
