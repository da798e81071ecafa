// Package reconcile infers trades from balance changes and keeps the
// position ledger in step with the exchange account.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portfolio-watch-bot/internal/binance"
	"portfolio-watch-bot/internal/guard"
	"portfolio-watch-bot/internal/id"
	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/metrics"
	"portfolio-watch-bot/internal/oracle"
	"portfolio-watch-bot/internal/portfolio"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUpstream marks a failed price or balance fetch. The pass is aborted
	// before any state is touched and retried on the next tick.
	ErrUpstream = errors.New("upstream unavailable")
	// ErrCorrupt marks an asset whose derived values failed validation.
	ErrCorrupt = errors.New("invalid derived value")
)

// Skip reasons reported when a pass does not run.
const (
	SkipBusy          = "busy"
	SkipNoCredentials = "no_credentials"
	// SkipRemoved is reported when the tenant was erased while its pass ran.
	SkipRemoved = "removed"
)

var errTenantGone = errors.New("tenant removed during pass")

// CredentialStore resolves a tenant's exchange keys; nil means not onboarded.
type CredentialStore interface {
	Credentials(ctx context.Context, tenantID int64) (*binance.Credentials, error)
}

// PriceSource is satisfied by *oracle.Oracle.
type PriceSource interface {
	Prices(ctx context.Context, maxAge time.Duration) (oracle.Prices, error)
}

// Options configure an Engine.
type Options struct {
	Quote       string
	Cash        []string
	Threshold   decimal.Decimal
	Timeout     time.Duration
	PriceMaxAge time.Duration
}

// Report summarises one Reconcile call.
type Report struct {
	TenantID    int64
	Skipped     string
	Initialized bool
	Committed   bool
	Events      []TradingEvent
	Corrupt     []CorruptAsset
}

// Engine runs reconciliation passes. It is safe for concurrent use; passes
// for the same tenant are serialized by the guard.
type Engine struct {
	creds  CredentialStore
	guard  guard.Guard
	prices PriceSource
	source portfolio.Source
	store  ledger.Store
	sink   Sink
	opts   Options
	logger *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine wires an Engine. sink may be nil.
func NewEngine(creds CredentialStore, g guard.Guard, prices PriceSource, source portfolio.Source,
	store ledger.Store, sink Sink, opts Options, logger *zap.Logger) *Engine {
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}
	if opts.Threshold.IsZero() {
		opts.Threshold = decimal.NewFromInt(1)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, int64, TradingEvent) {})
	}
	return &Engine{
		creds:  creds,
		guard:  g,
		prices: prices,
		source: source,
		store:  store,
		sink:   sink,
		opts:   opts,
		logger: logger.Named("reconcile"),
		now:    time.Now,
		newID:  id.New,
	}
}

// Reconcile runs one pass for tenantID. A tenant without credentials or one
// already being reconciled is skipped without error.
func (e *Engine) Reconcile(ctx context.Context, tenantID int64) (Report, error) {
	rep := Report{TenantID: tenantID}
	log := e.logger.With(zap.Int64("tenant", tenantID))

	creds, err := e.creds.Credentials(ctx, tenantID)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil {
		rep.Skipped = SkipNoCredentials
		metrics.ReconcileRuns.WithLabelValues(SkipNoCredentials).Inc()
		return rep, nil
	}

	release, ok, err := e.guard.TryAcquire(ctx, tenantID)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("failed to acquire tenant guard: %w", err)
	}
	if !ok {
		rep.Skipped = SkipBusy
		metrics.ReconcileRuns.WithLabelValues(SkipBusy).Inc()
		log.Debug("Reconciliation already running, skipping")
		return rep, nil
	}
	defer release()

	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	pctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	rep, err = e.pass(pctx, tenantID, *creds, log)
	if errors.Is(err, errTenantGone) {
		rep = Report{TenantID: tenantID, Skipped: SkipRemoved}
		metrics.ReconcileRuns.WithLabelValues(SkipRemoved).Inc()
		log.Info("Tenant removed during reconciliation, nothing committed")
		return rep, nil
	}
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return rep, err
	}

	outcome := "ok"
	if rep.Initialized {
		outcome = "initialized"
	}
	metrics.ReconcileRuns.WithLabelValues(outcome).Inc()

	for _, ev := range rep.Events {
		metrics.TradingEvents.WithLabelValues(string(ev.Kind)).Inc()
		e.sink.OnTradingEvent(ctx, tenantID, ev)
	}
	return rep, nil
}

func (e *Engine) pass(ctx context.Context, tenantID int64, creds binance.Credentials, log *zap.Logger) (Report, error) {
	rep := Report{TenantID: tenantID}

	prices, err := e.prices.Prices(ctx, e.opts.PriceMaxAge)
	if err != nil {
		return rep, fmt.Errorf("%w: prices: %w", ErrUpstream, err)
	}
	current, err := e.source.Balances(ctx, creds)
	if err != nil {
		return rep, fmt.Errorf("%w: balances: %w", ErrUpstream, err)
	}

	snap, found, err := e.store.LoadSnapshot(ctx, tenantID)
	if err != nil {
		return rep, err
	}
	positions, err := e.store.Load(ctx, tenantID)
	if err != nil {
		return rep, err
	}

	now := e.now()
	pf := portfolio.Valuate(current, prices, e.opts.Quote, e.opts.Cash)

	if !found {
		err := e.store.WithTx(ctx, func(tx ledger.Store) error {
			if err := checkTenant(ctx, tx, tenantID); err != nil {
				return err
			}
			return tx.SaveSnapshot(ctx, tenantID, ledger.Snapshot{
				Balances:   current,
				TotalValue: pf.Total,
				TakenAt:    now,
			})
		})
		if err != nil {
			return rep, err
		}
		rep.Initialized = true
		rep.Committed = true
		log.Info("Balance baseline initialized", zap.Int("assets", len(current)))
		return rep, nil
	}

	res := Diff(Params{Quote: e.opts.Quote, Cash: e.opts.Cash, Threshold: e.opts.Threshold}, Input{
		TenantID:      tenantID,
		Previous:      snap.Balances,
		Current:       current,
		Prices:        prices,
		Positions:     positions,
		PreviousTotal: snap.TotalValue,
		Portfolio:     pf,
		Now:           now,
		NewID:         e.newID,
	})

	rep.Corrupt = res.Corrupt
	for _, c := range res.Corrupt {
		metrics.DataCorruption.Inc()
		log.Warn("Skipping asset with invalid values", zap.String("asset", c.Asset), zap.Error(c.Err))
	}

	if !res.Changed {
		return rep, nil
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		if err := checkTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		if err := tx.Save(ctx, tenantID, res.Positions); err != nil {
			return err
		}
		for _, ct := range res.Closed {
			if err := tx.AppendClosedTrade(ctx, tenantID, ct); err != nil {
				return err
			}
		}
		return tx.SaveSnapshot(ctx, tenantID, ledger.Snapshot{
			Balances:   res.Baseline,
			TotalValue: pf.Total,
			TakenAt:    now,
		})
	})
	if errors.Is(err, errTenantGone) {
		return rep, err
	}
	if err != nil {
		return rep, fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	rep.Committed = true
	rep.Events = res.Events
	if len(res.Events) > 0 {
		log.Info("Reconciliation committed", zap.Int("events", len(res.Events)), zap.Int("closed", len(res.Closed)))
	}
	return rep, nil
}

// checkTenant runs inside the commit so that a tenant erased mid-pass gets
// nothing written back.
func checkTenant(ctx context.Context, tx ledger.Store, tenantID int64) error {
	ok, err := tx.TenantExists(ctx, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return errTenantGone
	}
	return nil
}
