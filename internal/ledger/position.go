// Package ledger keeps the per-tenant weighted-average cost basis of every open
// asset position, the balance baseline used for diffing, and the closed-trade history.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"portfolio-watch-bot/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidPosition is returned when a transition would leave a position
// with values that cannot occur in a consistent ledger.
var ErrInvalidPosition = errors.New("invalid position")

var hundred = decimal.NewFromInt(100)

// ClosedTrade is the immutable record produced when a position closes.
type ClosedTrade = models.ClosedTrade

// AssetPosition is the cost basis of one open holding. It is a value: every
// transition returns a new AssetPosition and leaves the receiver unchanged.
type AssetPosition struct {
	Asset             string
	TotalAmountBought decimal.Decimal
	TotalCost         decimal.Decimal
	TotalAmountSold   decimal.Decimal
	RealizedValue     decimal.Decimal
	HighestPrice      decimal.Decimal
	LowestPrice       decimal.Decimal
	OpenedAt          time.Time
}

// Open starts a position from a first acquisition of qty at price.
func Open(asset string, qty, price decimal.Decimal, now time.Time) (AssetPosition, error) {
	if err := checkTrade(qty, price); err != nil {
		return AssetPosition{}, err
	}
	p := AssetPosition{
		Asset:             asset,
		TotalAmountBought: qty,
		TotalCost:         qty.Mul(price),
		TotalAmountSold:   decimal.Zero,
		RealizedValue:     decimal.Zero,
		HighestPrice:      price,
		LowestPrice:       price,
		OpenedAt:          now,
	}
	return p, p.Validate()
}

// AvgBuyPrice is TotalCost / TotalAmountBought, or zero for an empty position.
func (p AssetPosition) AvgBuyPrice() decimal.Decimal {
	if p.TotalAmountBought.IsZero() {
		return decimal.Zero
	}
	return p.TotalCost.Div(p.TotalAmountBought)
}

// AvgSellPrice is RealizedValue / TotalAmountSold, or zero when nothing was sold.
func (p AssetPosition) AvgSellPrice() decimal.Decimal {
	if p.TotalAmountSold.IsZero() {
		return decimal.Zero
	}
	return p.RealizedValue.Div(p.TotalAmountSold)
}

// OpenQuantity is the tracked quantity not yet sold.
func (p AssetPosition) OpenQuantity() decimal.Decimal {
	return p.TotalAmountBought.Sub(p.TotalAmountSold)
}

// Unrealized is the mark-to-market gain of the open quantity at price.
func (p AssetPosition) Unrealized(price decimal.Decimal) decimal.Decimal {
	return p.OpenQuantity().Mul(price.Sub(p.AvgBuyPrice()))
}

// ApplyBuy adds qty acquired at price to the cost basis.
func (p AssetPosition) ApplyBuy(qty, price decimal.Decimal) (AssetPosition, error) {
	if err := checkTrade(qty, price); err != nil {
		return p, err
	}
	next := p
	next.TotalAmountBought = p.TotalAmountBought.Add(qty)
	next.TotalCost = p.TotalCost.Add(qty.Mul(price))
	next, _ = next.Observe(price)
	return next, next.Validate()
}

// ApplySell records the disposal of qty at price. The amount credited is capped
// at the open quantity so that sold never exceeds bought; the capped amount is
// returned alongside the new position.
func (p AssetPosition) ApplySell(qty, price decimal.Decimal) (AssetPosition, decimal.Decimal, error) {
	if err := checkTrade(qty, price); err != nil {
		return p, decimal.Zero, err
	}
	sold := decimal.Min(qty, p.OpenQuantity())
	if sold.IsNegative() {
		return p, decimal.Zero, fmt.Errorf("%w: %s open quantity %s", ErrInvalidPosition, p.Asset, p.OpenQuantity())
	}
	next := p
	next.TotalAmountSold = p.TotalAmountSold.Add(sold)
	next.RealizedValue = p.RealizedValue.Add(sold.Mul(price))
	next, _ = next.Observe(price)
	return next, sold, next.Validate()
}

// Observe moves the watermarks to include price and reports whether they moved.
func (p AssetPosition) Observe(price decimal.Decimal) (AssetPosition, bool) {
	if !price.IsPositive() {
		return p, false
	}
	next := p
	changed := false
	if p.HighestPrice.IsZero() || price.GreaterThan(p.HighestPrice) {
		next.HighestPrice = price
		changed = true
	}
	if p.LowestPrice.IsZero() || price.LessThan(p.LowestPrice) {
		next.LowestPrice = price
		changed = true
	}
	return next, changed
}

// Close turns the position into its closed-trade record.
//
// PnL is (avgSell - avgBuy) * TotalAmountBought, measured against the whole
// bought quantity. Any quantity left unsold at closure (a dust remainder) is
// written off at the average sell price under that formula; RealizedNet keeps
// the cash view (RealizedValue - TotalCost), and the two differ by exactly
// AvgSellPrice * WriteOffQty.
func (p AssetPosition) Close(id string, price decimal.Decimal, now time.Time) ClosedTrade {
	avgBuy := p.AvgBuyPrice()
	avgSell := price
	if !p.TotalAmountSold.IsZero() {
		avgSell = p.AvgSellPrice()
	}
	pnl := avgSell.Sub(avgBuy).Mul(p.TotalAmountBought)
	pnlPct := decimal.Zero
	if !p.TotalCost.IsZero() {
		pnlPct = pnl.Div(p.TotalCost).Mul(hundred)
	}
	return ClosedTrade{
		ID:                id,
		Asset:             p.Asset,
		TotalAmountBought: p.TotalAmountBought,
		TotalAmountSold:   p.TotalAmountSold,
		TotalCost:         p.TotalCost,
		RealizedValue:     p.RealizedValue,
		AvgBuyPrice:       avgBuy,
		AvgSellPrice:      avgSell,
		PnL:               pnl,
		PnLPercent:        pnlPct,
		RealizedNet:       p.RealizedValue.Sub(p.TotalCost),
		WriteOffQty:       p.OpenQuantity(),
		HighestPrice:      p.HighestPrice,
		LowestPrice:       p.LowestPrice,
		OpenedAt:          p.OpenedAt,
		ClosedAt:          now,
		DurationDays:      now.Sub(p.OpenedAt).Hours() / 24,
	}
}

// Validate rejects negative quantities, sold > bought and non-positive watermarks.
func (p AssetPosition) Validate() error {
	switch {
	case p.Asset == "":
		return fmt.Errorf("%w: empty asset", ErrInvalidPosition)
	case p.TotalAmountBought.IsNegative(), p.TotalCost.IsNegative(),
		p.TotalAmountSold.IsNegative(), p.RealizedValue.IsNegative():
		return fmt.Errorf("%w: %s has a negative total", ErrInvalidPosition, p.Asset)
	case p.TotalAmountSold.GreaterThan(p.TotalAmountBought):
		return fmt.Errorf("%w: %s sold %s exceeds bought %s", ErrInvalidPosition, p.Asset, p.TotalAmountSold, p.TotalAmountBought)
	case !p.HighestPrice.IsPositive(), !p.LowestPrice.IsPositive():
		return fmt.Errorf("%w: %s has no watermark", ErrInvalidPosition, p.Asset)
	}
	return nil
}

func checkTrade(qty, price decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity %s", ErrInvalidPosition, qty)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidPosition, price)
	}
	return nil
}

// Positions is a tenant's open positions keyed by asset.
type Positions map[string]AssetPosition

// Clone returns a shallow copy; AssetPosition values hold no shared state.
func (ps Positions) Clone() Positions {
	out := make(Positions, len(ps))
	for k, v := range ps {
		out[k] = v
	}
	return out
}

// Snapshot is the balance baseline of a tenant.
type Snapshot struct {
	Balances   map[string]decimal.Decimal
	TotalValue decimal.Decimal
	TakenAt    time.Time
}

// Clone copies the balance map.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Balances = make(map[string]decimal.Decimal, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	return out
}
