// Package oracle serves exchange prices from a short-lived shared cache.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"portfolio-watch-bot/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxAge is how long cached prices are served without a refresh.
const DefaultMaxAge = 15 * time.Second

const refreshTimeout = 20 * time.Second

// ErrNoPrices is returned when the upstream answered with no usable tickers.
var ErrNoPrices = errors.New("no prices available")

// Ticker is the last price and 24h statistics of one trading pair.
type Ticker struct {
	Symbol    string
	Price     decimal.Decimal
	Open24h   decimal.Decimal
	Change24h decimal.Decimal // fraction, 0.05 is +5%
	Volume24h decimal.Decimal
}

// Prices maps pair symbols such as "SOLUSDT" to tickers. A Prices value
// returned by Oracle is shared between callers and must not be modified.
type Prices map[string]Ticker

// PriceOf resolves the price of asset in quote. The quote asset itself is 1.
func (p Prices) PriceOf(asset, quote string) (decimal.Decimal, bool) {
	if asset == quote {
		return decimal.NewFromInt(1), true
	}
	t, ok := p[asset+quote]
	if !ok {
		return decimal.Zero, false
	}
	return t.Price, true
}

// TickerOf returns the ticker of asset in quote.
func (p Prices) TickerOf(asset, quote string) (Ticker, bool) {
	t, ok := p[asset+quote]
	return t, ok
}

// Source fetches all tickers from upstream.
type Source interface {
	Tickers(ctx context.Context) ([]Ticker, error)
}

type entry struct {
	prices    Prices
	fetchedAt time.Time
}

// Oracle caches the full ticker set. Concurrent callers that find the cache
// stale share a single upstream refresh.
type Oracle struct {
	src    Source
	logger *zap.Logger
	now    func() time.Time

	cache atomic.Pointer[entry]
	group singleflight.Group
}

// New creates an Oracle over src.
func New(src Source, logger *zap.Logger) *Oracle {
	return &Oracle{src: src, logger: logger.Named("oracle"), now: time.Now}
}

// Prices returns the cached prices if they are younger than maxAge, otherwise
// refreshes them. A failed refresh returns the error and keeps the old cache.
func (o *Oracle) Prices(ctx context.Context, maxAge time.Duration) (Prices, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if e := o.fresh(maxAge); e != nil {
		return e.prices, nil
	}

	ch := o.group.DoChan("refresh", func() (any, error) {
		// Another caller may have refreshed while we waited to enter.
		if e := o.fresh(maxAge); e != nil {
			return e, nil
		}
		// The refresh outlives any single caller that gives up on it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return o.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry).prices, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the last fetched prices regardless of age.
func (o *Oracle) Cached() (Prices, time.Time, bool) {
	e := o.cache.Load()
	if e == nil {
		return nil, time.Time{}, false
	}
	return e.prices, e.fetchedAt, true
}

func (o *Oracle) fresh(maxAge time.Duration) *entry {
	e := o.cache.Load()
	if e != nil && o.now().Sub(e.fetchedAt) < maxAge {
		return e
	}
	return nil
}

func (o *Oracle) refresh(ctx context.Context) (*entry, error) {
	tickers, err := o.src.Tickers(ctx)
	if err != nil {
		metrics.OracleRefreshes.WithLabelValues("error").Inc()
		o.logger.Warn("Price refresh failed", zap.Error(err))
		return nil, fmt.Errorf("failed to refresh prices: %w", err)
	}

	prices := make(Prices, len(tickers))
	for _, t := range tickers {
		if t.Symbol == "" || !t.Price.IsPositive() {
			continue
		}
		prices[t.Symbol] = t
	}
	if len(prices) == 0 {
		metrics.OracleRefreshes.WithLabelValues("empty").Inc()
		return nil, ErrNoPrices
	}

	e := &entry{prices: prices, fetchedAt: o.now()}
	o.cache.Store(e)
	metrics.OracleRefreshes.WithLabelValues("ok").Inc()
	o.logger.Debug("Prices refreshed", zap.Int("symbols", len(prices)))
	return e, nil
}
