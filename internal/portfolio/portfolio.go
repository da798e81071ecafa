// Package portfolio reads tenant balances and values them against market prices.
package portfolio

import (
	"context"
	"fmt"
	"sort"

	"portfolio-watch-bot/internal/binance"
	"portfolio-watch-bot/internal/oracle"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Asset is one priced holding.
type Asset struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Value     decimal.Decimal `json:"value"`
	Change24h decimal.Decimal `json:"change_24h"`
}

// Portfolio is a priced view of all balances. Assets are sorted by value, largest first.
type Portfolio struct {
	Assets []Asset         `json:"assets"`
	Total  decimal.Decimal `json:"total"`
	Cash   decimal.Decimal `json:"cash"`
}

// Weight is the share of asset in the total, in percent.
func (p Portfolio) Weight(asset string) decimal.Decimal {
	if !p.Total.IsPositive() {
		return decimal.Zero
	}
	for _, a := range p.Assets {
		if a.Symbol == asset {
			return a.Value.Div(p.Total).Mul(hundred)
		}
	}
	return decimal.Zero
}

// CashPercent is the cash share of the total, in percent.
func (p Portfolio) CashPercent() decimal.Decimal {
	if !p.Total.IsPositive() {
		return decimal.Zero
	}
	return p.Cash.Div(p.Total).Mul(hundred)
}

// Source fetches the holdings of one exchange account.
type Source interface {
	// Balances returns strictly positive quantities keyed by asset.
	Balances(ctx context.Context, creds binance.Credentials) (map[string]decimal.Decimal, error)
	// Portfolio returns the current holdings valued at prices.
	Portfolio(ctx context.Context, creds binance.Credentials, prices oracle.Prices) (Portfolio, error)
}

// Valuate prices balances in quote. Cash assets without a market are valued at 1.
// Other assets without a price are left out.
func Valuate(balances map[string]decimal.Decimal, prices oracle.Prices, quote string, cash []string) Portfolio {
	isCash := make(map[string]bool, len(cash))
	for _, c := range cash {
		isCash[c] = true
	}

	var p Portfolio
	for sym, qty := range balances {
		if !qty.IsPositive() {
			continue
		}
		price, ok := prices.PriceOf(sym, quote)
		if !ok || !price.IsPositive() {
			if !isCash[sym] {
				continue
			}
			price = decimal.NewFromInt(1)
		}
		a := Asset{Symbol: sym, Price: price, Quantity: qty, Value: qty.Mul(price)}
		if t, ok := prices.TickerOf(sym, quote); ok {
			a.Change24h = t.Change24h
		}
		p.Assets = append(p.Assets, a)
		p.Total = p.Total.Add(a.Value)
		if isCash[sym] {
			p.Cash = p.Cash.Add(a.Value)
		}
	}
	sort.Slice(p.Assets, func(i, j int) bool {
		if c := p.Assets[i].Value.Cmp(p.Assets[j].Value); c != 0 {
			return c > 0
		}
		return p.Assets[i].Symbol < p.Assets[j].Symbol
	})
	return p
}

// BinanceSource reads balances from the exchange account endpoint.
type BinanceSource struct {
	client binance.RestClientInterface
	quote  string
	cash   []string
}

func NewBinanceSource(client binance.RestClientInterface, quote string, cash []string) *BinanceSource {
	return &BinanceSource{client: client, quote: quote, cash: cash}
}

func (s *BinanceSource) Balances(ctx context.Context, creds binance.Credentials) (map[string]decimal.Decimal, error) {
	acc, err := s.client.GetAccount(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(acc.Balances))
	for _, b := range acc.Balances {
		total := b.Free.Add(b.Locked)
		if total.IsPositive() {
			out[b.Asset] = out[b.Asset].Add(total)
		}
	}
	return out, nil
}

func (s *BinanceSource) Portfolio(ctx context.Context, creds binance.Credentials, prices oracle.Prices) (Portfolio, error) {
	balances, err := s.Balances(ctx, creds)
	if err != nil {
		return Portfolio{}, err
	}
	return Valuate(balances, prices, s.quote, s.cash), nil
}
