package settlement

import (
	"context"
	"fmt"

	"StxPayGateway/internal/chain"
	"StxPayGateway/internal/models"
)

// RunRecovery revisits PAYOUT_INITIATED charges nobody has touched for a
// while: payouts that never got a txid, whose tx vanished or failed, or that
// the confirm sweep flagged as stuck.
func (p *Processor) RunRecovery(ctx context.Context) error {
	return p.run(ctx, "recovery", func(ctx context.Context) error {
		cutoff := p.now().Add(-p.opts().StaleAfter)
		f := models.ChargeFilter{Status: models.ChargePayoutInitiated, ProcessedAtOrBefore: &cutoff}
		return p.sweep(ctx, "recovery", f, p.recoverCharge)
	})
}

func (p *Processor) recoverCharge(ctx context.Context, c *models.Charge) error {
	now := p.now()
	giveUp := p.opts().GiveUpAfter
	if now.Sub(c.CreatedAt) > giveUp {
		reason := fmt.Sprintf("payout not confirmed within %s", giveUp)
		_, err := p.transition(ctx, c, models.ChargeFailed, models.ChargeUpdate{FailureReason: &reason})
		return err
	}

	if c.HasPayoutTx() {
		res := p.TxStatus.Check(ctx, *c.PayoutTxID)
		switch res.Status {
		case chain.TxSuccess:
			p.Log.Info().Str("charge_id", c.ChargeID).Str("txid", *c.PayoutTxID).Msg("recovery found confirmed payout")
			return p.markPayoutConfirmed(ctx, c)
		case chain.TxPending:
			p.Log.Debug().Str("charge_id", c.ChargeID).Str("txid", *c.PayoutTxID).Msg("payout still pending, leaving")
			return nil
		}
		p.Log.Warn().Str("charge_id", c.ChargeID).Str("txid", *c.PayoutTxID).Str("tx_status", string(res.Status)).Msg("rebroadcasting payout")
	}

	recipient, err := p.payoutTarget(ctx, c)
	if err != nil {
		return err
	}
	txid, err := p.Payouts.SendPayout(ctx, p.payoutRequest(c, recipient))
	if err != nil {
		reason := fmt.Sprintf("recovery rebroadcast failed: %v", err)
		_, uerr := p.update(ctx, c, models.ChargeUpdate{FailureReason: &reason, LastProcessedAt: &now})
		return uerr
	}
	return p.recordBroadcast(ctx, c, txid)
}

// RunWebhookRetry finishes PAYOUT_CONFIRMED charges whose webhook has not
// been delivered yet, until the attempt budget runs out.
func (p *Processor) RunWebhookRetry(ctx context.Context) error {
	return p.run(ctx, "webhook_retry", func(ctx context.Context) error {
		f := models.ChargeFilter{
			Status:             models.ChargePayoutConfirmed,
			WebhookUndelivered: true,
			WebhookAttemptsLT:  p.opts().MaxWebhookAttempts,
		}
		return p.sweep(ctx, "webhook_retry", f, p.finalize)
	})
}
