// Package models holds the gorm-mapped rows shared by the stores.
package models

// All lists every model for schema migration.
func All() []any {
	return []any{
		&Tenant{},
		&Position{},
		&BalanceSnapshot{},
		&ClosedTrade{},
		&Valuation{},
		&PriceAlert{},
	}
}
