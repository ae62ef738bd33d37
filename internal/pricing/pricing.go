// Package pricing snapshots the USD rate recorded on each charge.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

type Service struct {
	FixedUSDRate decimal.Decimal
}

type Snapshot struct {
	USDRate decimal.Decimal `json:"usd_rate"`
	Source  string          `json:"source"`
}

// NewFixed parses a configured rate such as "1.00". An empty rate is zero.
func NewFixed(rate string) (Service, error) {
	if rate == "" {
		return Service{FixedUSDRate: decimal.Zero}, nil
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return Service{}, fmt.Errorf("parse usd rate %q: %w", rate, err)
	}
	if d.IsNegative() {
		return Service{}, fmt.Errorf("usd rate %s is negative", d)
	}
	return Service{FixedUSDRate: d}, nil
}

func (s Service) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	return Snapshot{
		USDRate: s.FixedUSDRate,
		Source:  "fixed",
	}, nil
}

// USDValue converts a base-unit amount to USD given the token's decimals.
func (s Snapshot) USDValue(amount int64, decimals int32) decimal.Decimal {
	return decimal.New(amount, -decimals).Mul(s.USDRate)
}
