package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/retry"
)

type TxStatus string

const (
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
	TxPending TxStatus = "pending"
	TxUnknown TxStatus = "unknown"
)

type TxResult struct {
	Status TxStatus
	Raw    string // tx_status as reported
	Repr   string // tx_result.repr
}

// Reason renders the on-chain failure for failureReason.
func (r TxResult) Reason() string {
	if r.Repr == "" {
		return r.Raw
	}
	return r.Raw + ": " + r.Repr
}

type TxSource interface {
	Tx(ctx context.Context, txid string) (*TxInfo, error)
}

type StatusChecker struct {
	Source TxSource
	Retry  retry.Policy
	Log    zerolog.Logger
}

var errNotIndexed = errors.New("transaction not indexed yet")

// Check never returns success or failed unless the indexer said so. A 404
// after the retry budget is propagation delay (pending); any other error is
// unknown.
func (s *StatusChecker) Check(ctx context.Context, txid string) TxResult {
	info, err := retry.Do(ctx, s.Retry, func(attempt int) (*TxInfo, error) {
		info, err := s.Source.Tx(ctx, txid)
		if IsNotFound(err) {
			s.Log.Debug().Str("txid", txid).Int("attempt", attempt).Msg("tx not indexed yet")
			return nil, errNotIndexed
		}
		return info, err
	})
	switch {
	case errors.Is(err, errNotIndexed):
		return TxResult{Status: TxPending, Raw: "not_indexed"}
	case err != nil:
		s.Log.Warn().Err(err).Str("txid", txid).Msg("tx status unavailable")
		return TxResult{Status: TxUnknown}
	}
	return TxResult{
		Status: ClassifyTxStatus(info.TxStatus),
		Raw:    info.TxStatus,
		Repr:   info.TxResult.Repr,
	}
}

func ClassifyTxStatus(raw string) TxStatus {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case raw == "success":
		return TxSuccess
	case raw == "pending":
		return TxPending
	case raw == "failed", strings.HasPrefix(raw, "abort_"):
		return TxFailed
	}
	return TxUnknown
}
