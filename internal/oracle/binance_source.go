package oracle

import (
	"context"

	"portfolio-watch-bot/internal/binance"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// BinanceSource reads tickers from the exchange 24h statistics endpoint.
type BinanceSource struct {
	client binance.RestClientInterface
}

func NewBinanceSource(client binance.RestClientInterface) *BinanceSource {
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Tickers(ctx context.Context) ([]Ticker, error) {
	raw, err := s.client.Get24hTickers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Ticker, 0, len(raw))
	for _, r := range raw {
		out = append(out, Ticker{
			Symbol:    r.Symbol,
			Price:     r.LastPrice,
			Open24h:   r.OpenPrice,
			Change24h: r.PriceChangePercent.Div(hundred),
			Volume24h: r.QuoteVolume,
		})
	}
	return out, nil
}
