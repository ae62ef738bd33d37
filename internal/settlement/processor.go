// Package settlement drives charges through their lifecycle:
//
//	PENDING -> CONFIRMED -> PAYOUT_INITIATED -> PAYOUT_CONFIRMED -> COMPLETED
//
// with EXPIRED, CANCELLED and FAILED as side exits. Every write is a
// conditional update keyed on the status the row was read in, so concurrent
// pollers never process the same charge twice: the loser sees zero affected
// rows and moves on.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/chain"
	"StxPayGateway/internal/metrics"
	"StxPayGateway/internal/models"
)

var (
	// ErrBusy is returned when another run holds the single-flight guard.
	ErrBusy = errors.New("settlement run already in progress")
	// ErrStopping is returned once Stop has been called.
	ErrStopping = errors.New("settlement processor is stopping")
)

type Repository interface {
	// ListCharges returns up to limit rows matching f, least recently
	// processed first.
	ListCharges(ctx context.Context, f models.ChargeFilter, limit int) ([]*models.Charge, error)
	GetMerchant(ctx context.Context, id string) (*models.Merchant, error)
	// UpdateCharge writes u only if the row is still in status expected and
	// reports the number of affected rows.
	UpdateCharge(ctx context.Context, id int64, expected models.ChargeStatus, u models.ChargeUpdate) (int64, error)
	// ConfirmPayment moves a PENDING row to CONFIRMED inside a transaction.
	ConfirmPayment(ctx context.Context, id int64, paidAt time.Time) (bool, error)
}

type BalanceChecker interface {
	HasBalance(ctx context.Context, address string, required int64) bool
}

type TxStatusChecker interface {
	Check(ctx context.Context, txid string) chain.TxResult
}

type PayoutSender interface {
	SendPayout(ctx context.Context, req chain.PayoutRequest) (string, error)
}

type WebhookDeliverer interface {
	Deliver(ctx context.Context, c *models.Charge, m *models.Merchant) bool
}

// Publisher receives the public view after every externally visible change.
type Publisher interface {
	Publish(ctx context.Context, chargeID string, view models.PublicCharge)
}

type Options struct {
	BatchSize          int
	ItemDelay          time.Duration
	PendingTimeout     time.Duration
	StaleAfter         time.Duration
	GiveUpAfter        time.Duration
	MaxWebhookAttempts int
}

func DefaultOptions() Options {
	return Options{
		BatchSize:          10,
		ItemDelay:          150 * time.Millisecond,
		PendingTimeout:     10 * time.Minute,
		StaleAfter:         5 * time.Minute,
		GiveUpAfter:        2 * time.Hour,
		MaxWebhookAttempts: 8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.ItemDelay < 0 {
		o.ItemDelay = 0
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = d.PendingTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.GiveUpAfter <= 0 {
		o.GiveUpAfter = d.GiveUpAfter
	}
	if o.MaxWebhookAttempts <= 0 {
		o.MaxWebhookAttempts = d.MaxWebhookAttempts
	}
	return o
}

type Processor struct {
	Repo      Repository
	Balances  BalanceChecker
	TxStatus  TxStatusChecker
	Payouts   PayoutSender
	Webhooks  WebhookDeliverer
	Publisher Publisher
	IsConnErr func(error) bool
	Log       zerolog.Logger
	Now       func() time.Time
	Options   Options

	busy     atomic.Bool
	stopping atomic.Bool
}

// RunCycle runs one full pass: expire, new payments, payout initiation,
// payout confirmation. Only storage connection errors are returned; every
// other per-charge error is recorded on that charge.
func (p *Processor) RunCycle(ctx context.Context) error {
	return p.run(ctx, "cycle", func(ctx context.Context) error {
		sweeps := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"expire", p.expireCharges},
			{"new_payments", p.processNewPayments},
			{"payout_initiate", p.initiatePayouts},
			{"payout_confirm", p.confirmPayouts},
		}
		for _, s := range sweeps {
			if p.stopping.Load() {
				return nil
			}
			if err := s.fn(ctx); err != nil {
				return fmt.Errorf("%s sweep: %w", s.name, err)
			}
		}
		return nil
	})
}

func (p *Processor) run(ctx context.Context, kind string, fn func(context.Context) error) error {
	if p.stopping.Load() {
		return ErrStopping
	}
	if !p.busy.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.WithLabelValues(kind).Inc()
		p.Log.Debug().Str("kind", kind).Msg("settlement run in progress, skipping")
		return ErrBusy
	}
	defer p.busy.Store(false)

	start := time.Now()
	err := fn(ctx)
	metrics.CycleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return err
}

// Stop makes in-flight sweeps drain after the current charge and refuses new
// runs.
func (p *Processor) Stop() {
	p.stopping.Store(true)
}

func (p *Processor) Stopping() bool {
	return p.stopping.Load()
}

func (p *Processor) Busy() bool {
	return p.busy.Load()
}

// Wait blocks until no run is in progress or the timeout elapses, and
// reports whether the processor went idle.
func (p *Processor) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for p.busy.Load() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
	return true
}

func (p *Processor) opts() Options {
	return p.Options.withDefaults()
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) isConnErr(err error) bool {
	return err != nil && p.IsConnErr != nil && p.IsConnErr(err)
}

func (p *Processor) pause(ctx context.Context) {
	d := p.opts().ItemDelay
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// sweep loads one batch and hands each charge to handle. A connection error
// aborts the batch; any other error fails that charge and the loop moves on.
func (p *Processor) sweep(ctx context.Context, name string, f models.ChargeFilter, handle func(context.Context, *models.Charge) error) error {
	charges, err := p.Repo.ListCharges(ctx, f, p.opts().BatchSize)
	if err != nil {
		return fmt.Errorf("list %s charges: %w", f.Status, err)
	}
	for i, c := range charges {
		if p.stopping.Load() {
			p.Log.Info().Str("sweep", name).Int("remaining", len(charges)-i).Msg("stopping, batch drained early")
			return nil
		}
		if i > 0 {
			p.pause(ctx)
		}
		err := handle(ctx, c)
		if err == nil {
			continue
		}
		if p.isConnErr(err) {
			return err
		}
		metrics.RowErrors.WithLabelValues(name).Inc()
		p.Log.Error().Err(err).Str("sweep", name).Str("charge_id", c.ChargeID).Str("status", string(c.Status)).Msg("charge processing failed")
		if ferr := p.fail(ctx, c, fmt.Sprintf("%s: %v", name, err)); ferr != nil {
			if p.isConnErr(ferr) {
				return ferr
			}
			p.Log.Error().Err(ferr).Str("charge_id", c.ChargeID).Msg("mark charge failed")
		}
	}
	return nil
}

// transition moves c from its current status to `to` with a conditional
// update. It returns false without error when another writer got there first.
func (p *Processor) transition(ctx context.Context, c *models.Charge, to models.ChargeStatus, u models.ChargeUpdate) (bool, error) {
	from := c.Status
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	now := p.now()
	u.Status = &to
	if u.LastProcessedAt == nil {
		u.LastProcessedAt = &now
	}
	n, err := p.Repo.UpdateCharge(ctx, c.ID, from, u)
	if err != nil {
		return false, err
	}
	if n == 0 {
		p.Log.Debug().Str("charge_id", c.ChargeID).Str("from", string(from)).Str("to", string(to)).Msg("charge changed underneath, skipping")
		return false, nil
	}
	c.Apply(u)
	p.transitioned(ctx, c, from)
	return true, nil
}

func (p *Processor) transitioned(ctx context.Context, c *models.Charge, from models.ChargeStatus) {
	metrics.Transitions.WithLabelValues(string(from), string(c.Status)).Inc()
	p.Log.Info().Str("charge_id", c.ChargeID).Str("from", string(from)).Str("to", string(c.Status)).Msg("charge transitioned")
	p.publish(ctx, c)
}

// update writes columns without changing status.
func (p *Processor) update(ctx context.Context, c *models.Charge, u models.ChargeUpdate) (bool, error) {
	n, err := p.Repo.UpdateCharge(ctx, c.ID, c.Status, u)
	if err != nil || n == 0 {
		return false, err
	}
	c.Apply(u)
	return true, nil
}

func (p *Processor) touch(ctx context.Context, c *models.Charge) error {
	now := p.now()
	_, err := p.update(ctx, c, models.ChargeUpdate{LastProcessedAt: &now})
	return err
}

// fail marks c FAILED when its current status allows it. Statuses past the
// payout (PAYOUT_CONFIRMED) are never failed: the funds already moved.
func (p *Processor) fail(ctx context.Context, c *models.Charge, reason string) error {
	if !c.Status.CanTransition(models.ChargeFailed) {
		return nil
	}
	_, err := p.transition(ctx, c, models.ChargeFailed, models.ChargeUpdate{FailureReason: &reason})
	return err
}

func (p *Processor) publish(ctx context.Context, c *models.Charge) {
	if p.Publisher == nil {
		return
	}
	p.Publisher.Publish(ctx, c.ChargeID, c.Public())
}
