// Package alerts stores per-tenant price targets and fires them once when
// the market crosses them.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portfolio-watch-bot/internal/metrics"
	"portfolio-watch-bot/internal/models"
	"portfolio-watch-bot/internal/oracle"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidAlert = errors.New("invalid alert")
	ErrNotFound     = errors.New("alert not found")
)

// Store persists price alerts.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Add creates an alert for symbol, which is a base asset such as "SOL".
func (s *Store) Add(ctx context.Context, tenantID int64, symbol string, target decimal.Decimal, direction string) (*models.PriceAlert, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	direction = strings.ToLower(strings.TrimSpace(direction))
	switch {
	case symbol == "":
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidAlert)
	case !target.IsPositive():
		return nil, fmt.Errorf("%w: target must be positive", ErrInvalidAlert)
	case direction != models.AlertAbove && direction != models.AlertBelow:
		return nil, fmt.Errorf("%w: direction must be %q or %q", ErrInvalidAlert, models.AlertAbove, models.AlertBelow)
	}

	a := models.PriceAlert{TenantID: tenantID, Symbol: symbol, Target: target, Direction: direction}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	return &a, nil
}

// List returns all alerts of a tenant, oldest first.
func (s *Store) List(ctx context.Context, tenantID int64) ([]models.PriceAlert, error) {
	var out []models.PriceAlert
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return out, nil
}

// Active returns the tenant's alerts that have not fired yet.
func (s *Store) Active(ctx context.Context, tenantID int64) ([]models.PriceAlert, error) {
	var out []models.PriceAlert
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND triggered = ?", tenantID, false).
		Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active alerts: %w", err)
	}
	return out, nil
}

// MarkTriggered flips an alert to triggered. It reports false if the alert
// had already fired, so a concurrent check cannot notify twice.
func (s *Store) MarkTriggered(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PriceAlert{}).
		Where("id = ? AND triggered = ?", id, false).
		Updates(map[string]any{"triggered": true, "triggered_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark alert %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Delete removes one of the tenant's alerts.
func (s *Store) Delete(ctx context.Context, tenantID int64, id uint) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&models.PriceAlert{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete alert %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Crossed reports whether price satisfies the alert.
func Crossed(a models.PriceAlert, price decimal.Decimal) bool {
	switch a.Direction {
	case models.AlertAbove:
		return price.GreaterThanOrEqual(a.Target)
	case models.AlertBelow:
		return price.LessThanOrEqual(a.Target)
	}
	return false
}

// PriceSource is satisfied by *oracle.Oracle.
type PriceSource interface {
	Prices(ctx context.Context, maxAge time.Duration) (oracle.Prices, error)
}

// Notifier delivers a plain message to a tenant.
type Notifier interface {
	Notify(ctx context.Context, tenantID int64, text string)
}

// Checker evaluates alerts against current prices.
type Checker struct {
	store    *Store
	prices   PriceSource
	notifier Notifier
	quote    string
	maxAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewChecker(store *Store, prices PriceSource, notifier Notifier, quote string, maxAge time.Duration, logger *zap.Logger) *Checker {
	return &Checker{
		store:    store,
		prices:   prices,
		notifier: notifier,
		quote:    quote,
		maxAge:   maxAge,
		logger:   logger.Named("alerts"),
		now:      time.Now,
	}
}

// Check fires every active alert of tenantID whose target has been crossed
// and returns how many fired. Alerts for unknown symbols are left pending.
func (c *Checker) Check(ctx context.Context, tenantID int64) (int, error) {
	active, err := c.store.Active(ctx, tenantID)
	if err != nil || len(active) == 0 {
		return 0, err
	}
	prices, err := c.prices.Prices(ctx, c.maxAge)
	if err != nil {
		return 0, fmt.Errorf("failed to load prices: %w", err)
	}

	fired := 0
	for _, a := range active {
		price, ok := prices.PriceOf(a.Symbol, c.quote)
		if !ok {
			c.logger.Debug("No price for alert symbol", zap.String("symbol", a.Symbol))
			continue
		}
		if !Crossed(a, price) {
			continue
		}
		ok, err := c.store.MarkTriggered(ctx, a.ID, c.now())
		if err != nil {
			return fired, err
		}
		if !ok {
			continue
		}
		fired++
		metrics.AlertsTriggered.Inc()
		c.notifier.Notify(ctx, tenantID, Format(a, price, c.quote))
	}
	return fired, nil
}

// Format renders a fired alert.
func Format(a models.PriceAlert, price decimal.Decimal, quote string) string {
	return fmt.Sprintf("🔔 %s is %s %s %s\nPrice: %s %s",
		a.Symbol, a.Direction, a.Target.String(), quote, price.String(), quote)
}
