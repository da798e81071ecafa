package api

import (
	"time"

	"portfolio-watch-bot/internal/ledger"

	"github.com/shopspring/decimal"
)

// StatsDetail holds statistics over closed trades for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	RealizedNet      decimal.Decimal `json:"realized_net"`
	BestTrade        *string         `json:"best_trade,omitempty"`
	WorstTrade       *string         `json:"worst_trade,omitempty"`

	best, worst decimal.Decimal
}

// StatisticsResponse is the body of the statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// Statistics aggregates closed trades into 24h and all-time figures.
func Statistics(trades []ledger.ClosedTrade, now time.Time) StatisticsResponse {
	var res StatisticsResponse
	since := now.Add(-24 * time.Hour)
	for _, t := range trades {
		res.AllTime.add(t)
		if t.ClosedAt.After(since) {
			res.Since24h.add(t)
		}
	}
	res.AllTime.finish()
	res.Since24h.finish()
	return res
}

func (s *StatsDetail) add(t ledger.ClosedTrade) {
	s.TotalTrades++
	if t.PnL.IsPositive() {
		s.ProfitableTrades++
	}
	s.TotalPnL = s.TotalPnL.Add(t.PnL)
	s.RealizedNet = s.RealizedNet.Add(t.RealizedNet)

	asset := t.Asset
	if s.BestTrade == nil || t.PnLPercent.GreaterThan(s.best) {
		s.BestTrade, s.best = &asset, t.PnLPercent
	}
	if s.WorstTrade == nil || t.PnLPercent.LessThan(s.worst) {
		s.WorstTrade, s.worst = &asset, t.PnLPercent
	}
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}
