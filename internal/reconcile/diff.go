package reconcile

import (
	"fmt"
	"sort"
	"time"

	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/oracle"
	"portfolio-watch-bot/internal/portfolio"

	"github.com/shopspring/decimal"
)

// Params are the per-deployment inference settings.
type Params struct {
	Quote     string
	Cash      []string
	Threshold decimal.Decimal
}

func (p Params) isCash(asset string) bool {
	if asset == p.Quote {
		return true
	}
	for _, c := range p.Cash {
		if c == asset {
			return true
		}
	}
	return false
}

// Input is everything one pass needs to classify balance changes.
type Input struct {
	TenantID      int64
	Previous      map[string]decimal.Decimal
	Current       map[string]decimal.Decimal
	Prices        oracle.Prices
	Positions     ledger.Positions
	PreviousTotal decimal.Decimal
	// Portfolio is the priced view of Current.
	Portfolio portfolio.Portfolio
	Now       time.Time
	NewID     func() string
}

// CorruptAsset is an asset skipped because a value failed validation.
type CorruptAsset struct {
	Asset string
	Err   error
}

// Result is the outcome of Diff. Input maps are never modified.
type Result struct {
	Events    []TradingEvent
	Positions ledger.Positions
	Closed    []ledger.ClosedTrade
	// Baseline is the balance map to store as the next snapshot. Skipped
	// assets keep their previous value so their delta is seen again.
	Baseline map[string]decimal.Decimal
	// Changed is set when at least one asset produced an event. Positions
	// only differ from the input when it is set.
	Changed bool
	Corrupt []CorruptAsset
}

// Diff compares Previous and Current per asset and applies buys, sells and
// closes to a copy of the positions.
func Diff(p Params, in Input) Result {
	res := Result{
		Positions: in.Positions.Clone(),
		Baseline:  make(map[string]decimal.Decimal, len(in.Current)),
	}

	for _, asset := range unionKeys(in.Previous, in.Current) {
		prev := in.Previous[asset]
		cur := in.Current[asset]

		if p.isCash(asset) {
			res.keep(asset, cur)
			continue
		}
		if cur.IsNegative() {
			res.corrupt(asset, prev, fmt.Errorf("negative balance %s", cur))
			continue
		}

		delta := cur.Sub(prev)
		if delta.IsZero() {
			res.keep(asset, cur)
			continue
		}

		price, ok := in.Prices.PriceOf(asset, p.Quote)
		if !ok {
			res.keep(asset, prev)
			continue
		}
		if !price.IsPositive() {
			res.corrupt(asset, prev, fmt.Errorf("price %s", price))
			continue
		}
		if delta.Abs().Mul(price).LessThan(p.Threshold) {
			res.keep(asset, prev)
			continue
		}

		pos, open := res.Positions[asset]
		switch {
		case delta.IsPositive():
			var next ledger.AssetPosition
			var err error
			if open {
				next, err = pos.ApplyBuy(delta, price)
			} else {
				next, err = ledger.Open(asset, delta, price, in.Now)
			}
			if err != nil {
				res.corrupt(asset, prev, err)
				continue
			}
			res.Positions[asset] = next
			res.emit(p, in, KindBuy, asset, delta, delta, price, next, nil)

		case !open:
			// Nothing to reduce; accept the new balance without an event.
			res.keep(asset, cur)
			continue

		default:
			next, sold, err := pos.ApplySell(delta.Neg(), price)
			if err != nil {
				res.corrupt(asset, prev, err)
				continue
			}
			if cur.Mul(price).LessThan(p.Threshold) {
				ct := next.Close(in.NewID(), price, in.Now)
				ct.TenantID = in.TenantID
				delete(res.Positions, asset)
				res.Closed = append(res.Closed, ct)
				res.emit(p, in, KindClose, asset, delta, sold, price, next, &ct)
			} else {
				res.Positions[asset] = next
				res.emit(p, in, KindSell, asset, delta, sold, price, next, nil)
			}
		}

		res.keep(asset, cur)
		res.Changed = true
	}

	return res
}

func (r *Result) keep(asset string, qty decimal.Decimal) {
	if qty.IsPositive() {
		r.Baseline[asset] = qty
	}
}

func (r *Result) corrupt(asset string, prev decimal.Decimal, err error) {
	r.keep(asset, prev)
	r.Corrupt = append(r.Corrupt, CorruptAsset{Asset: asset, Err: fmt.Errorf("%w: %s: %w", ErrCorrupt, asset, err)})
}

// emit records an event. traded is the quantity the ledger actually moved,
// which for a sell is clamped to the open quantity.
func (r *Result) emit(p Params, in Input, kind Kind, asset string, delta, traded, price decimal.Decimal, pos ledger.AssetPosition, ct *ledger.ClosedTrade) {
	r.Events = append(r.Events, TradingEvent{
		Kind:           kind,
		TenantID:       in.TenantID,
		Asset:          asset,
		Delta:          delta,
		Price:          price,
		Notional:       traded.Mul(price),
		PreTradeTotal:  in.PreviousTotal,
		PostTradeTotal: in.Portfolio.Total,
		AssetWeightPct: in.Portfolio.Weight(asset),
		CashPct:        in.Portfolio.CashPercent(),
		Position:       pos,
		Closed:         ct,
		At:             in.Now,
	})
}

func unionKeys(a, b map[string]decimal.Decimal) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
