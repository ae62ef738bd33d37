package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/retry"
)

type BalanceSource interface {
	Balances(ctx context.Context, address string) (*Balances, error)
}

// BalanceOracle answers "has this address received at least N units of the
// asset". Asset is the fungible token identifier (contract::name); empty
// means native STX.
type BalanceOracle struct {
	Source BalanceSource
	Asset  string
	Retry  retry.Policy
	Log    zerolog.Logger
}

// HasBalance never fails: when the indexer stays unreachable after the retry
// budget it reports false ("not yet paid") and the charge is polled again on
// the next cycle.
func (o *BalanceOracle) HasBalance(ctx context.Context, address string, required int64) bool {
	bal, err := retry.Do(ctx, o.Retry, func(attempt int) (*Balances, error) {
		b, err := o.Source.Balances(ctx, address)
		if err != nil {
			o.Log.Debug().Err(err).Str("address", address).Int("attempt", attempt).Msg("balance query failed")
		}
		return b, err
	})
	if err != nil {
		o.Log.Warn().Err(err).Str("address", address).Msg("balance oracle unavailable, treating as unpaid")
		return false
	}
	have, ok := o.extract(bal)
	if !ok {
		return false
	}
	return have.Cmp(big.NewInt(required)) >= 0
}

func (o *BalanceOracle) extract(b *Balances) (*big.Int, bool) {
	raw := ""
	if o.Asset == "" {
		raw = b.STX.Balance
	} else {
		for key, tok := range b.FungibleTokens {
			if key == o.Asset || strings.EqualFold(key, o.Asset) {
				raw = tok.Balance
				break
			}
		}
	}
	if raw == "" {
		return nil, false
	}
	return new(big.Int).SetString(raw, 10)
}
