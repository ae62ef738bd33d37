package settlement

import (
	"context"
	"errors"
	"fmt"

	"StxPayGateway/internal/chain"
	"StxPayGateway/internal/metrics"
	"StxPayGateway/internal/models"
)

func (p *Processor) expireCharges(ctx context.Context) error {
	now := p.now()
	f := models.ChargeFilter{Status: models.ChargePending, ExpiresAtOrBefore: &now}
	return p.sweep(ctx, "expire", f, func(ctx context.Context, c *models.Charge) error {
		if !c.Expired(p.now()) {
			return nil
		}
		_, err := p.transition(ctx, c, models.ChargeExpired, models.ChargeUpdate{})
		return err
	})
}

func (p *Processor) processNewPayments(ctx context.Context) error {
	now := p.now()
	f := models.ChargeFilter{Status: models.ChargePending, ExpiresAfter: &now}
	return p.sweep(ctx, "new_payments", f, p.detectPayment)
}

// detectPayment re-checks expiry before asking the chain, so a charge that
// expires mid-batch is never confirmed.
func (p *Processor) detectPayment(ctx context.Context, c *models.Charge) error {
	now := p.now()
	if c.Expired(now) {
		_, err := p.transition(ctx, c, models.ChargeExpired, models.ChargeUpdate{})
		return err
	}
	if !p.Balances.HasBalance(ctx, c.Address, c.Amount) {
		return p.touch(ctx, c)
	}
	if _, err := p.payoutTarget(ctx, c); err != nil {
		return err
	}

	ok, err := p.Repo.ConfirmPayment(ctx, c.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		p.Log.Debug().Str("charge_id", c.ChargeID).Msg("charge no longer pending, skipping confirmation")
		return nil
	}
	from := c.Status
	c.Apply(models.ChargeUpdate{Status: statusPtr(models.ChargeConfirmed), PaidAt: &now, LastProcessedAt: &now})
	p.transitioned(ctx, c, from)
	return nil
}

func (p *Processor) initiatePayouts(ctx context.Context) error {
	f := models.ChargeFilter{Status: models.ChargeConfirmed}
	return p.sweep(ctx, "payout_initiate", f, p.initiatePayout)
}

// initiatePayout claims the charge before broadcasting. Only the poller that
// wins the CONFIRMED -> PAYOUT_INITIATED update sends funds.
func (p *Processor) initiatePayout(ctx context.Context, c *models.Charge) error {
	recipient, err := p.payoutTarget(ctx, c)
	if err != nil {
		return err
	}
	claimed, err := p.transition(ctx, c, models.ChargePayoutInitiated, models.ChargeUpdate{})
	if err != nil || !claimed {
		return err
	}

	txid, err := p.Payouts.SendPayout(ctx, p.payoutRequest(c, recipient))
	if err != nil {
		reason := fmt.Sprintf("payout broadcast failed: %v", err)
		_, ferr := p.transition(ctx, c, models.ChargeFailed, models.ChargeUpdate{FailureReason: &reason})
		return ferr
	}
	err = p.recordBroadcast(ctx, c, txid)
	if err == nil || p.isConnErr(err) {
		return err
	}
	// The payout is on the wire, so the row must not be failed. It stays
	// PAYOUT_INITIATED without a txid and recovery picks it up.
	metrics.RowErrors.WithLabelValues("payout_initiate").Inc()
	p.Log.Error().Err(err).Str("charge_id", c.ChargeID).Str("txid", txid).Msg("payout broadcast but txid not recorded")
	return nil
}

func (p *Processor) confirmPayouts(ctx context.Context) error {
	hasTx := true
	f := models.ChargeFilter{Status: models.ChargePayoutInitiated, HasPayoutTx: &hasTx, Unflagged: true}
	return p.sweep(ctx, "payout_confirm", f, p.confirmPayout)
}

// confirmPayout polls the payout tx. A tx still pending past the timeout is
// flagged without touching last_processed_at, which hands it to the recovery
// sweep.
func (p *Processor) confirmPayout(ctx context.Context, c *models.Charge) error {
	if !c.HasPayoutTx() {
		return nil
	}
	res := p.TxStatus.Check(ctx, *c.PayoutTxID)
	switch res.Status {
	case chain.TxSuccess:
		return p.markPayoutConfirmed(ctx, c)
	case chain.TxFailed:
		reason := fmt.Sprintf("payout transaction %s failed: %s", *c.PayoutTxID, res.Reason())
		_, err := p.transition(ctx, c, models.ChargeFailed, models.ChargeUpdate{FailureReason: &reason})
		return err
	}

	since := c.LastProcessedAt
	if c.PayoutBroadcastAt != nil {
		since = *c.PayoutBroadcastAt
	}
	timeout := p.opts().PendingTimeout
	if p.now().Sub(since) <= timeout {
		return p.touch(ctx, c)
	}
	reason := fmt.Sprintf("payout transaction %s still %s after %s", *c.PayoutTxID, res.Status, timeout)
	ok, err := p.update(ctx, c, models.ChargeUpdate{FailureReason: &reason})
	if ok {
		p.Log.Warn().Str("charge_id", c.ChargeID).Str("txid", *c.PayoutTxID).Msg("payout stuck, left for recovery")
	}
	return err
}

func (p *Processor) markPayoutConfirmed(ctx context.Context, c *models.Charge) error {
	now := p.now()
	ok, err := p.transition(ctx, c, models.ChargePayoutConfirmed, models.ChargeUpdate{
		PayoutConfirmedAt:  &now,
		ClearFailureReason: true,
	})
	if err != nil || !ok {
		return err
	}
	return p.finalize(ctx, c)
}

// finalize completes a PAYOUT_CONFIRMED charge. When the merchant wants a
// webhook the charge completes only after a 2xx; otherwise it stays
// PAYOUT_CONFIRMED for the webhook retry sweep.
func (p *Processor) finalize(ctx context.Context, c *models.Charge) error {
	m, err := p.Repo.GetMerchant(ctx, c.MerchantID)
	if err != nil {
		return fmt.Errorf("load merchant %s: %w", c.MerchantID, err)
	}
	if c.WebhookDelivery && m.WebhookConfigured() {
		if !p.Webhooks.Deliver(ctx, c, m) {
			p.Log.Warn().Str("charge_id", c.ChargeID).Msg("webhook not delivered, charge left for retry")
			return nil
		}
	}
	now := p.now()
	_, err = p.transition(ctx, c, models.ChargeCompleted, models.ChargeUpdate{CompletedAt: &now})
	return err
}

var (
	errNoPrivKey       = errors.New("ephemeral key missing")
	errNoPayoutAddress = errors.New("merchant payout address missing")
)

// payoutTarget checks the charge can be paid out and returns the merchant's
// payout address.
func (p *Processor) payoutTarget(ctx context.Context, c *models.Charge) (string, error) {
	if !c.HasPrivKey() {
		return "", errNoPrivKey
	}
	m, err := p.Repo.GetMerchant(ctx, c.MerchantID)
	if err != nil {
		return "", fmt.Errorf("load merchant %s: %w", c.MerchantID, err)
	}
	if m.PayoutStxAddress == nil || *m.PayoutStxAddress == "" {
		return "", errNoPayoutAddress
	}
	return *m.PayoutStxAddress, nil
}

func (p *Processor) payoutRequest(c *models.Charge, recipient string) chain.PayoutRequest {
	return chain.PayoutRequest{
		SenderKey:     *c.PrivKey,
		SenderAddress: c.Address,
		Recipient:     recipient,
		Amount:        c.Amount,
	}
}

func (p *Processor) recordBroadcast(ctx context.Context, c *models.Charge, txid string) error {
	now := p.now()
	ok, err := p.update(ctx, c, models.ChargeUpdate{
		PayoutTxID:         &txid,
		PayoutBroadcastAt:  &now,
		LastProcessedAt:    &now,
		ClearFailureReason: true,
	})
	if err != nil {
		return err
	}
	if ok {
		p.Log.Info().Str("charge_id", c.ChargeID).Str("txid", txid).Int64("amount", c.Amount).Msg("payout broadcast")
		p.publish(ctx, c)
	}
	return nil
}

func statusPtr(s models.ChargeStatus) *models.ChargeStatus {
	return &s
}
