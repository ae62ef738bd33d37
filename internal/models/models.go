package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChargeStatus string

const (
	ChargePending         ChargeStatus = "PENDING"
	ChargeConfirmed       ChargeStatus = "CONFIRMED"
	ChargePayoutInitiated ChargeStatus = "PAYOUT_INITIATED"
	ChargePayoutConfirmed ChargeStatus = "PAYOUT_CONFIRMED"
	ChargeCompleted       ChargeStatus = "COMPLETED"
	ChargeExpired         ChargeStatus = "EXPIRED"
	ChargeCancelled       ChargeStatus = "CANCELLED"
	ChargeFailed          ChargeStatus = "FAILED"
)

// transitions lists every legal forward move. PAYOUT_INITIATED ->
// PAYOUT_CONFIRMED doubles as the recovery correction.
var transitions = map[ChargeStatus][]ChargeStatus{
	ChargePending:         {ChargeConfirmed, ChargeExpired, ChargeCancelled, ChargeFailed},
	ChargeConfirmed:       {ChargePayoutInitiated, ChargeFailed},
	ChargePayoutInitiated: {ChargePayoutConfirmed, ChargeFailed},
	ChargePayoutConfirmed: {ChargeCompleted},
}

func (s ChargeStatus) IsTerminal() bool {
	switch s {
	case ChargeCompleted, ChargeExpired, ChargeCancelled, ChargeFailed:
		return true
	}
	return false
}

func (s ChargeStatus) CanTransition(to ChargeStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ChargeStatus) Valid() bool {
	switch s {
	case ChargePending, ChargeConfirmed, ChargePayoutInitiated, ChargePayoutConfirmed,
		ChargeCompleted, ChargeExpired, ChargeCancelled, ChargeFailed:
		return true
	}
	return false
}

type WebhookStatus string

const (
	WebhookSuccess WebhookStatus = "SUCCESS"
	WebhookFailed  WebhookStatus = "FAILED"
)

type Merchant struct {
	ID               string
	Name             string
	PayoutStxAddress *string
	WebhookURL       *string
	WebhookSecret    *string
	CreatedAt        time.Time
}

// WebhookConfigured reports whether the merchant has both an endpoint and a
// signing secret.
func (m *Merchant) WebhookConfigured() bool {
	return m != nil &&
		m.WebhookURL != nil && *m.WebhookURL != "" &&
		m.WebhookSecret != nil && *m.WebhookSecret != ""
}

type Charge struct {
	ID                int64
	ChargeID          string
	MerchantID        string
	IdempotencyKey    *string
	Address           string
	PrivKey           *string
	DerivationIndex   int64
	Amount            int64
	USDRate           decimal.Decimal
	Status            ChargeStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
	PaidAt            *time.Time
	PayoutBroadcastAt *time.Time
	PayoutConfirmedAt *time.Time
	CompletedAt       *time.Time
	LastProcessedAt   time.Time
	PayoutTxID        *string
	FailureReason     *string
	WebhookDelivery   bool
	WebhookAttempts   int
	WebhookLastStatus *WebhookStatus
	UpdatedAt         time.Time
}

// Expired is inclusive: a charge whose expiry equals now is expired.
func (c *Charge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *Charge) HasPrivKey() bool {
	return c.PrivKey != nil && *c.PrivKey != ""
}

func (c *Charge) HasPayoutTx() bool {
	return c.PayoutTxID != nil && *c.PayoutTxID != ""
}

// ChargeFilter selects rows for a sweep. Zero-valued fields do not filter.
type ChargeFilter struct {
	Status              ChargeStatus
	ExpiresAtOrBefore   *time.Time
	ExpiresAfter        *time.Time
	ProcessedAtOrBefore *time.Time
	HasPayoutTx         *bool
	// Unflagged keeps rows whose failure_reason is NULL.
	Unflagged bool
	// WebhookUndelivered keeps rows whose last webhook status is NULL or
	// FAILED.
	WebhookUndelivered bool
	WebhookAttemptsLT  int
}

// ChargeUpdate carries the columns a stage writes. Nil pointers leave the
// column untouched.
type ChargeUpdate struct {
	Status             *ChargeStatus
	PaidAt             *time.Time
	PayoutBroadcastAt  *time.Time
	PayoutConfirmedAt  *time.Time
	CompletedAt        *time.Time
	LastProcessedAt    *time.Time
	PayoutTxID         *string
	FailureReason      *string
	ClearFailureReason bool
}

// Columns returns the column assignments for the update, keyed by column name.
func (u ChargeUpdate) Columns() map[string]any {
	cols := map[string]any{}
	if u.Status != nil {
		cols["status"] = string(*u.Status)
	}
	if u.PaidAt != nil {
		cols["paid_at"] = *u.PaidAt
	}
	if u.PayoutBroadcastAt != nil {
		cols["payout_broadcast_at"] = *u.PayoutBroadcastAt
	}
	if u.PayoutConfirmedAt != nil {
		cols["payout_confirmed_at"] = *u.PayoutConfirmedAt
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	if u.LastProcessedAt != nil {
		cols["last_processed_at"] = *u.LastProcessedAt
	}
	if u.PayoutTxID != nil {
		cols["payout_tx_id"] = *u.PayoutTxID
	}
	if u.FailureReason != nil {
		cols["failure_reason"] = *u.FailureReason
	} else if u.ClearFailureReason {
		cols["failure_reason"] = nil
	}
	return cols
}

func (u ChargeUpdate) Empty() bool {
	return len(u.Columns()) == 0
}

// PublicCharge is the externally visible view of a charge. It never carries
// the ephemeral key.
type PublicCharge struct {
	ChargeID          string     `json:"chargeId"`
	Address           string     `json:"address"`
	Amount            int64      `json:"amount"`
	USDRate           string     `json:"usdRate"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
	PayoutTxID        *string    `json:"payoutTxId,omitempty"`
	PayoutConfirmedAt *time.Time `json:"payoutConfirmedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	FailureReason     *string    `json:"failureReason,omitempty"`
}

func (c *Charge) Public() PublicCharge {
	return PublicCharge{
		ChargeID:          c.ChargeID,
		Address:           c.Address,
		Amount:            c.Amount,
		USDRate:           c.USDRate.String(),
		Status:            string(c.Status),
		CreatedAt:         c.CreatedAt,
		ExpiresAt:         c.ExpiresAt,
		PaidAt:            c.PaidAt,
		PayoutTxID:        c.PayoutTxID,
		PayoutConfirmedAt: c.PayoutConfirmedAt,
		CompletedAt:       c.CompletedAt,
		FailureReason:     c.FailureReason,
	}
}

// Apply copies the update onto an in-memory charge after a successful write.
func (c *Charge) Apply(u ChargeUpdate) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.PaidAt != nil {
		c.PaidAt = u.PaidAt
	}
	if u.PayoutBroadcastAt != nil {
		c.PayoutBroadcastAt = u.PayoutBroadcastAt
	}
	if u.PayoutConfirmedAt != nil {
		c.PayoutConfirmedAt = u.PayoutConfirmedAt
	}
	if u.CompletedAt != nil {
		c.CompletedAt = u.CompletedAt
	}
	if u.LastProcessedAt != nil {
		c.LastProcessedAt = *u.LastProcessedAt
	}
	if u.PayoutTxID != nil {
		c.PayoutTxID = u.PayoutTxID
	}
	if u.FailureReason != nil {
		c.FailureReason = u.FailureReason
	} else if u.ClearFailureReason {
		c.FailureReason = nil
	}
}
