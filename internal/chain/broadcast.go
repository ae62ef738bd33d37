package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/retry"
)

type TxPoster interface {
	PostTx(ctx context.Context, raw []byte) (string, error)
}

type PayoutRequest struct {
	SenderKey     string
	SenderAddress string
	Recipient     string
	Amount        int64
	Memo          string
}

type FeeRequest struct {
	SenderKey     string
	SenderAddress string
	Recipient     string
	MicroSTX      int64
}

// Broadcaster signs and broadcasts transfers out of ephemeral wallets. Every
// transfer carries a deny-mode post-condition pinning the exact amount the
// sender gives up, so a duplicated or corrupted broadcast aborts on chain.
type Broadcaster struct {
	Signer  Signer
	Poster  TxPoster
	Asset   string
	Network string
	Retry   retry.Policy
	Log     zerolog.Logger
}

// PayoutSpec builds the token transfer for a payout.
func (b *Broadcaster) PayoutSpec(req PayoutRequest) (TransferSpec, error) {
	if err := ValidateAddress(req.SenderAddress); err != nil {
		return TransferSpec{}, fmt.Errorf("sender: %w", err)
	}
	if err := ValidateAddress(req.Recipient); err != nil {
		return TransferSpec{}, fmt.Errorf("recipient: %w", err)
	}
	if req.Amount <= 0 {
		return TransferSpec{}, errors.New("payout amount must be positive")
	}
	if req.SenderKey == "" {
		return TransferSpec{}, errors.New("sender key is empty")
	}
	amount := strconv.FormatInt(req.Amount, 10)
	pcType := "ft"
	if b.Asset == "" {
		pcType = "stx"
	}
	return TransferSpec{
		SenderKey:         req.SenderKey,
		Recipient:         req.Recipient,
		Amount:            amount,
		Asset:             b.Asset,
		Network:           b.Network,
		Memo:              req.Memo,
		PostConditionMode: PostConditionModeDeny,
		PostConditions: []PostCondition{{
			Type:      pcType,
			Principal: req.SenderAddress,
			Asset:     b.Asset,
			Condition: ConditionEqual,
			Amount:    amount,
		}},
	}, nil
}

func (b *Broadcaster) SendPayout(ctx context.Context, req PayoutRequest) (string, error) {
	spec, err := b.PayoutSpec(req)
	if err != nil {
		return "", err
	}
	return b.send(ctx, spec)
}

// SendFee moves native STX into an ephemeral wallet so it can pay the payout
// transaction fee.
func (b *Broadcaster) SendFee(ctx context.Context, req FeeRequest) (string, error) {
	if err := ValidateAddress(req.SenderAddress); err != nil {
		return "", fmt.Errorf("sender: %w", err)
	}
	if err := ValidateAddress(req.Recipient); err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}
	if req.MicroSTX <= 0 {
		return "", errors.New("fee amount must be positive")
	}
	amount := strconv.FormatInt(req.MicroSTX, 10)
	return b.send(ctx, TransferSpec{
		SenderKey:         req.SenderKey,
		Recipient:         req.Recipient,
		Amount:            amount,
		Network:           b.Network,
		PostConditionMode: PostConditionModeDeny,
		PostConditions: []PostCondition{{
			Type:      "stx",
			Principal: req.SenderAddress,
			Condition: ConditionEqual,
			Amount:    amount,
		}},
	})
}

func (b *Broadcaster) send(ctx context.Context, spec TransferSpec) (string, error) {
	raw, err := b.Signer.Sign(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	txid, err := retry.Do(ctx, b.Retry, func(attempt int) (string, error) {
		txid, err := b.Poster.PostTx(ctx, raw)
		if err == nil {
			return txid, nil
		}
		if !transientBroadcastError(err) {
			return "", retry.Stop(err)
		}
		b.Log.Warn().Err(err).Int("attempt", attempt).Msg("broadcast failed, retrying")
		return "", err
	})
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	b.Log.Info().Str("txid", txid).Str("recipient", spec.Recipient).Str("amount", spec.Amount).Msg("transfer broadcast")
	return txid, nil
}

// transientBroadcastError is true for transport failures and 5xx; node
// rejections and 4xx are final.
func transientBroadcastError(err error) bool {
	var rejected *BroadcastError
	if errors.As(err, &rejected) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= http.StatusInternalServerError
	}
	return true
}
