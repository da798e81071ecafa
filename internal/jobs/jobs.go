// Package jobs adapts the bot's periodic work to the scheduler.
package jobs

import (
	"context"
	"fmt"
	"time"

	"portfolio-watch-bot/internal/id"
	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/metrics"
	"portfolio-watch-bot/internal/models"
	"portfolio-watch-bot/internal/portfolio"
	"portfolio-watch-bot/internal/reconcile"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Job names.
const (
	NameReconcile = "reconcile"
	NameSnapshot  = "snapshot"
	NameAlerts    = "price-alerts"
)

// Reconciler is satisfied by *reconcile.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, tenantID int64) (reconcile.Report, error)
}

// Diagnoser reports failures to tenants that asked for them.
type Diagnoser interface {
	Diagnose(ctx context.Context, tenantID int64, err error)
}

// Reconcile runs a reconciliation pass per tenant.
type Reconcile struct {
	engine   Reconciler
	diag     Diagnoser
	interval time.Duration
	logger   *zap.Logger
}

func NewReconcile(engine Reconciler, diag Diagnoser, interval time.Duration, logger *zap.Logger) *Reconcile {
	return &Reconcile{engine: engine, diag: diag, interval: interval, logger: logger.Named(NameReconcile)}
}

func (j *Reconcile) Name() string            { return NameReconcile }
func (j *Reconcile) Interval() time.Duration { return j.interval }

func (j *Reconcile) Run(ctx context.Context, tenantID int64) error {
	rep, err := j.engine.Reconcile(ctx, tenantID)
	if err != nil {
		if j.diag != nil {
			j.diag.Diagnose(ctx, tenantID, err)
		}
		return err
	}
	if rep.Skipped != "" {
		j.logger.Debug("Reconciliation skipped", zap.Int64("tenant", tenantID), zap.String("reason", rep.Skipped))
	}
	return nil
}

// CredentialStore resolves a tenant's exchange keys.
type CredentialStore = reconcile.CredentialStore

// Snapshot records the hourly portfolio valuation history.
type Snapshot struct {
	creds    CredentialStore
	prices   reconcile.PriceSource
	source   portfolio.Source
	store    ledger.Store
	quote    string
	cash     []string
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewSnapshot(creds CredentialStore, prices reconcile.PriceSource, source portfolio.Source, store ledger.Store,
	quote string, cash []string, maxAge, interval time.Duration) *Snapshot {
	return &Snapshot{
		creds:    creds,
		prices:   prices,
		source:   source,
		store:    store,
		quote:    quote,
		cash:     cash,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
	}
}

func (j *Snapshot) Name() string            { return NameSnapshot }
func (j *Snapshot) Interval() time.Duration { return j.interval }

func (j *Snapshot) Run(ctx context.Context, tenantID int64) error {
	creds, err := j.creds.Credentials(ctx, tenantID)
	if err != nil || creds == nil {
		return err
	}
	prices, err := j.prices.Prices(ctx, j.maxAge)
	if err != nil {
		return fmt.Errorf("failed to load prices: %w", err)
	}
	balances, err := j.source.Balances(ctx, *creds)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}

	pf := portfolio.Valuate(balances, prices, j.quote, j.cash)
	assets := make(map[string]decimal.Decimal, len(pf.Assets))
	for _, a := range pf.Assets {
		assets[a.Symbol] = a.Value
	}
	now := j.now()
	return j.store.WithTx(ctx, func(tx ledger.Store) error {
		// Removed while the balances were fetched.
		if ok, err := tx.TenantExists(ctx, tenantID); err != nil || !ok {
			return err
		}
		return tx.RecordValuation(ctx, tenantID, models.Valuation{
			ID:         id.At(now),
			TenantID:   tenantID,
			TotalValue: pf.Total,
			CashValue:  pf.Cash,
			Assets:     assets,
			TakenAt:    now,
		})
	})
}

// AlertChecker is satisfied by *alerts.Checker.
type AlertChecker interface {
	Check(ctx context.Context, tenantID int64) (int, error)
}

// Alerts evaluates price alerts per tenant.
type Alerts struct {
	checker  AlertChecker
	interval time.Duration
}

func NewAlerts(checker AlertChecker, interval time.Duration) *Alerts {
	return &Alerts{checker: checker, interval: interval}
}

func (j *Alerts) Name() string            { return NameAlerts }
func (j *Alerts) Interval() time.Duration { return j.interval }

func (j *Alerts) Run(ctx context.Context, tenantID int64) error {
	_, err := j.checker.Check(ctx, tenantID)
	return err
}

// TenantKeys lists tenants with their API keys.
type TenantKeys interface {
	List(ctx context.Context) ([]models.Tenant, error)
}

// Streams keeps one user data stream per linked tenant.
type Streams interface {
	Sync(ctx context.Context, tenants map[int64]string)
	Active() int
}

// SyncStreams aligns running user data streams with the tenant table every
// interval until ctx ends.
func SyncStreams(ctx context.Context, tenants TenantKeys, streams Streams, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		list, err := tenants.List(ctx)
		if err != nil {
			logger.Warn("Failed to list tenants for streams", zap.Error(err))
		} else {
			keys := make(map[int64]string, len(list))
			for _, t := range list {
				keys[t.ID] = t.APIKey
			}
			streams.Sync(ctx, keys)
			metrics.UserStreams.Set(float64(streams.Active()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
