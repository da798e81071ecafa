package reconcile

import (
	"context"
	"time"

	"portfolio-watch-bot/internal/ledger"

	"github.com/shopspring/decimal"
)

// Kind classifies a trading event.
type Kind string

const (
	KindBuy   Kind = "buy"
	KindSell  Kind = "sell"
	KindClose Kind = "close"
)

// TradingEvent describes one inferred trade. It is handed to a Sink once and
// not persisted.
type TradingEvent struct {
	Kind     Kind
	TenantID int64
	Asset    string
	// Delta is the signed balance change; negative for Sell and Close.
	Delta    decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal
	// PreTradeTotal is the portfolio value recorded with the previous baseline.
	PreTradeTotal  decimal.Decimal
	PostTradeTotal decimal.Decimal
	// AssetWeightPct and CashPct are post-trade shares of PostTradeTotal.
	AssetWeightPct decimal.Decimal
	CashPct        decimal.Decimal
	// Position is the position after the trade. For Close it is the final
	// state before the position was removed.
	Position ledger.AssetPosition
	Closed   *ledger.ClosedTrade
	At       time.Time
}

// Sink receives events after the ledger commit. Implementations must not
// block; delivery is best effort.
type Sink interface {
	OnTradingEvent(ctx context.Context, tenantID int64, ev TradingEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, tenantID int64, ev TradingEvent)

func (f SinkFunc) OnTradingEvent(ctx context.Context, tenantID int64, ev TradingEvent) {
	f(ctx, tenantID, ev)
}
