package notify

import (
	"fmt"
	"strings"

	"portfolio-watch-bot/internal/reconcile"

	"github.com/shopspring/decimal"
)

// FormatEvent renders an event for the tenant's own chat.
func FormatEvent(ev reconcile.TradingEvent) string {
	var b strings.Builder
	pos := ev.Position

	switch ev.Kind {
	case reconcile.KindBuy:
		fmt.Fprintf(&b, "🟢 BUY %s\n", ev.Asset)
		fmt.Fprintf(&b, "Qty: %s @ %s (%s)\n", qty(ev.Delta), money(ev.Price), money(ev.Notional))
		fmt.Fprintf(&b, "Avg buy: %s | Holding: %s\n", money(pos.AvgBuyPrice()), qty(pos.OpenQuantity()))
	case reconcile.KindSell:
		fmt.Fprintf(&b, "🟠 SELL %s\n", ev.Asset)
		fmt.Fprintf(&b, "Qty: %s @ %s (%s)\n", qty(ev.Delta.Abs()), money(ev.Price), money(ev.Notional))
		fmt.Fprintf(&b, "Avg buy: %s | Avg sell: %s\n", money(pos.AvgBuyPrice()), money(pos.AvgSellPrice()))
		fmt.Fprintf(&b, "Unrealized on rest: %s\n", signed(pos.Unrealized(ev.Price)))
	case reconcile.KindClose:
		fmt.Fprintf(&b, "🔴 CLOSED %s\n", ev.Asset)
		if ct := ev.Closed; ct != nil {
			fmt.Fprintf(&b, "Avg buy: %s | Avg sell: %s\n", money(ct.AvgBuyPrice), money(ct.AvgSellPrice))
			fmt.Fprintf(&b, "PnL: %s (%s%%)\n", signed(ct.PnL), signed(ct.PnLPercent))
			fmt.Fprintf(&b, "High: %s | Low: %s\n", money(ct.HighestPrice), money(ct.LowestPrice))
			fmt.Fprintf(&b, "Held: %.1f days\n", ct.DurationDays)
		}
	}

	fmt.Fprintf(&b, "Weight: %s%% | Cash: %s%%\n", ev.AssetWeightPct.StringFixed(1), ev.CashPct.StringFixed(1))
	fmt.Fprintf(&b, "Portfolio: %s → %s", money(ev.PreTradeTotal), money(ev.PostTradeTotal))
	return b.String()
}

// FormatPublicEvent renders an event for the shared channel without amounts.
func FormatPublicEvent(ev reconcile.TradingEvent) string {
	switch ev.Kind {
	case reconcile.KindBuy:
		return fmt.Sprintf("🟢 Bought %s at %s, now %s%% of portfolio", ev.Asset, money(ev.Price), ev.AssetWeightPct.StringFixed(1))
	case reconcile.KindSell:
		return fmt.Sprintf("🟠 Reduced %s at %s, now %s%% of portfolio", ev.Asset, money(ev.Price), ev.AssetWeightPct.StringFixed(1))
	default:
		pct := decimal.Zero
		if ev.Closed != nil {
			pct = ev.Closed.PnLPercent
		}
		return fmt.Sprintf("🔴 Closed %s at %s, result %s%%", ev.Asset, money(ev.Price), signed(pct))
	}
}

func money(v decimal.Decimal) string {
	if v.Abs().LessThan(decimal.NewFromInt(1)) && !v.IsZero() {
		return v.Round(6).String()
	}
	return v.StringFixed(2)
}

func qty(v decimal.Decimal) string {
	return v.Round(8).String()
}

func signed(v decimal.Decimal) string {
	s := v.StringFixed(2)
	if v.IsPositive() {
		return "+" + s
	}
	return s
}
