// Package payments funds new deposit wallets with the STX they need to pay
// the payout transaction fee.
package payments

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/chain"
)

type FeeSender interface {
	SendFee(ctx context.Context, req chain.FeeRequest) (string, error)
}

type FeeFunder struct {
	Sender          FeeSender
	TreasuryKey     string
	TreasuryAddress string
	MicroSTX        int64
	Timeout         time.Duration
	Log             zerolog.Logger
}

// NewFeeFunder returns nil when no treasury key or amount is configured;
// a nil funder is a no-op.
func NewFeeFunder(sender FeeSender, treasuryKey string, version byte, microSTX int64, log zerolog.Logger) (*FeeFunder, error) {
	if treasuryKey == "" || microSTX <= 0 {
		return nil, nil
	}
	addr, err := chain.AddressFromPrivKeyHex(version, treasuryKey)
	if err != nil {
		return nil, err
	}
	return &FeeFunder{
		Sender:          sender,
		TreasuryKey:     treasuryKey,
		TreasuryAddress: addr,
		MicroSTX:        microSTX,
		Timeout:         15 * time.Second,
		Log:             log,
	}, nil
}

// Fund is best-effort: a failed top-up is logged and the charge proceeds.
func (f *FeeFunder) Fund(ctx context.Context, address string) {
	if f == nil || f.Sender == nil {
		return
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	txid, err := f.Sender.SendFee(ctx, chain.FeeRequest{
		SenderKey:     f.TreasuryKey,
		SenderAddress: f.TreasuryAddress,
		Recipient:     address,
		MicroSTX:      f.MicroSTX,
	})
	if err != nil {
		f.Log.Warn().Err(err).Str("address", address).Msg("fee top-up failed")
		return
	}
	f.Log.Info().Str("address", address).Str("txid", txid).Int64("micro_stx", f.MicroSTX).Msg("fee top-up broadcast")
}
