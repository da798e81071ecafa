package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Version     string `json:"version"`
		StartTime   string `json:"start_time"`
		Uptime      string `json:"uptime"`
		Tenants     int    `json:"tenants"`
		UserStreams int    `json:"user_streams"`
	}{
		Version:   s.opts.Version,
		StartTime: s.startTime.Format(time.RFC3339),
		Uptime:    s.now().Sub(s.startTime).Truncate(time.Second).String(),
	}
	if ids, err := s.tenants.IDs(r.Context()); err == nil {
		status.Tenants = len(ids)
	} else {
		s.logger.Warn("Failed to count tenants", zap.Error(err))
	}
	if s.streams != nil {
		status.UserStreams = s.streams.Active()
	}
	writeJSON(w, http.StatusOK, status)
}

// PositionView is an open position with its mark-to-market value.
type PositionView struct {
	Asset        string           `json:"asset"`
	Quantity     decimal.Decimal  `json:"quantity"`
	AvgBuyPrice  decimal.Decimal  `json:"avg_buy_price"`
	TotalCost    decimal.Decimal  `json:"total_cost"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Unrealized   *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	HighestPrice decimal.Decimal  `json:"highest_price"`
	LowestPrice  decimal.Decimal  `json:"lowest_price"`
	OpenedAt     time.Time        `json:"opened_at"`
}

func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFrom(ctx)
	positions, err := s.store.Load(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to load positions", zap.Int64("tenant", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}

	// Positions are still served without marks when prices are unavailable.
	prices, err := s.prices.Prices(ctx, s.opts.PriceMaxAge)
	if err != nil {
		s.logger.Warn("Serving positions without prices", zap.Error(err))
	}

	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{
			Asset:        p.Asset,
			Quantity:     p.OpenQuantity(),
			AvgBuyPrice:  p.AvgBuyPrice(),
			TotalCost:    p.TotalCost,
			HighestPrice: p.HighestPrice,
			LowestPrice:  p.LowestPrice,
			OpenedAt:     p.OpenedAt,
		}
		if price, ok := prices.PriceOf(p.Asset, s.opts.Quote); ok {
			u := p.Unrealized(price)
			v.Price, v.Unrealized = &price, &u
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) tradesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trades, err := s.store.ClosedTrades(ctx, tenantFrom(ctx), parseLimit(r))
	if err != nil {
		s.logger.Error("Failed to get trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve trades")
		return
	}
	if trades == nil {
		trades = []ledger.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trades, err := s.store.ClosedTrades(ctx, tenantFrom(ctx), 0)
	if err != nil {
		s.logger.Error("Failed to get trades for statistics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to calculate statistics")
		return
	}
	writeJSON(w, http.StatusOK, Statistics(trades, s.now()))
}

func (s *Server) portfolioHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFrom(ctx)
	creds, err := s.tenants.Credentials(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to load credentials", zap.Int64("tenant", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if creds == nil {
		writeError(w, http.StatusNotFound, "no exchange account linked")
		return
	}
	prices, err := s.prices.Prices(ctx, s.opts.PriceMaxAge)
	if err != nil {
		writeError(w, http.StatusBadGateway, "prices unavailable")
		return
	}
	pf, err := s.source.Portfolio(ctx, *creds, prices)
	if err != nil {
		s.logger.Warn("Failed to load portfolio", zap.Int64("tenant", tenantID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "exchange unavailable")
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *Server) valuationsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vals, err := s.store.Valuations(ctx, tenantFrom(ctx), since)
	if err != nil {
		s.logger.Error("Failed to get valuations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve valuations")
		return
	}
	if vals == nil {
		vals = []models.Valuation{}
	}
	writeJSON(w, http.StatusOK, vals)
}

// parseLimit reads ?limit, defaulting to 50 and capping at 500.
func parseLimit(r *http.Request) int {
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	return min(limit, 500)
}

// parseSince accepts an RFC 3339 time or a lookback duration such as "24h".
// The default is seven days.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-7 * 24 * time.Hour), nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q", v)
	}
	return t, nil
}
