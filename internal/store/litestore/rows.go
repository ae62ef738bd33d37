package litestore

import (
	"time"

	"github.com/shopspring/decimal"

	"StxPayGateway/internal/models"
)

type merchantRow struct {
	ID               string `gorm:"primaryKey"`
	Name             string `gorm:"not null"`
	PayoutStxAddress *string
	WebhookURL       *string `gorm:"column:webhook_url"`
	WebhookSecret    *string
	CreatedAt        time.Time
}

func (merchantRow) TableName() string { return "merchants" }

type chargeRow struct {
	ID                int64   `gorm:"primaryKey;autoIncrement"`
	ChargeID          string  `gorm:"column:charge_id;uniqueIndex;not null"`
	MerchantID        string  `gorm:"column:merchant_id;not null;uniqueIndex:idx_charges_merchant_idem"`
	IdempotencyKey    *string `gorm:"uniqueIndex:idx_charges_merchant_idem"`
	Address           string  `gorm:"not null"`
	PrivKey           *string
	DerivationIndex   int64     `gorm:"uniqueIndex"`
	Amount            int64     `gorm:"not null"`
	USDRate           string    `gorm:"column:usd_rate;not null;default:0"`
	Status            string    `gorm:"index:idx_charges_status_processed;not null"`
	CreatedAt         time.Time `gorm:"not null"`
	ExpiresAt         time.Time `gorm:"not null"`
	PaidAt            *time.Time
	PayoutBroadcastAt *time.Time
	PayoutConfirmedAt *time.Time
	CompletedAt       *time.Time
	LastProcessedAt   time.Time `gorm:"index:idx_charges_status_processed;not null"`
	PayoutTxID        *string   `gorm:"column:payout_tx_id"`
	FailureReason     *string
	WebhookDelivery   bool `gorm:"not null;default:false"`
	WebhookAttempts   int  `gorm:"not null;default:0"`
	WebhookLastStatus *string
	UpdatedAt         time.Time
}

func (chargeRow) TableName() string { return "charges" }

type counterRow struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null"`
}

func (counterRow) TableName() string { return "counters" }

func (r *merchantRow) model() *models.Merchant {
	return &models.Merchant{
		ID:               r.ID,
		Name:             r.Name,
		PayoutStxAddress: r.PayoutStxAddress,
		WebhookURL:       r.WebhookURL,
		WebhookSecret:    r.WebhookSecret,
		CreatedAt:        r.CreatedAt.UTC(),
	}
}

func merchantFromModel(m *models.Merchant) *merchantRow {
	return &merchantRow{
		ID:               m.ID,
		Name:             m.Name,
		PayoutStxAddress: m.PayoutStxAddress,
		WebhookURL:       m.WebhookURL,
		WebhookSecret:    m.WebhookSecret,
		CreatedAt:        m.CreatedAt.UTC(),
	}
}

func (r *chargeRow) model() *models.Charge {
	c := &models.Charge{
		ID:                r.ID,
		ChargeID:          r.ChargeID,
		MerchantID:        r.MerchantID,
		IdempotencyKey:    r.IdempotencyKey,
		Address:           r.Address,
		PrivKey:           r.PrivKey,
		DerivationIndex:   r.DerivationIndex,
		Amount:            r.Amount,
		USDRate:           parseRate(r.USDRate),
		Status:            models.ChargeStatus(r.Status),
		CreatedAt:         r.CreatedAt.UTC(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		PaidAt:            utcPtr(r.PaidAt),
		PayoutBroadcastAt: utcPtr(r.PayoutBroadcastAt),
		PayoutConfirmedAt: utcPtr(r.PayoutConfirmedAt),
		CompletedAt:       utcPtr(r.CompletedAt),
		LastProcessedAt:   r.LastProcessedAt.UTC(),
		PayoutTxID:        r.PayoutTxID,
		FailureReason:     r.FailureReason,
		WebhookDelivery:   r.WebhookDelivery,
		WebhookAttempts:   r.WebhookAttempts,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if r.WebhookLastStatus != nil {
		ws := models.WebhookStatus(*r.WebhookLastStatus)
		c.WebhookLastStatus = &ws
	}
	return c
}

func chargeFromModel(c *models.Charge) *chargeRow {
	r := &chargeRow{
		ID:                c.ID,
		ChargeID:          c.ChargeID,
		MerchantID:        c.MerchantID,
		IdempotencyKey:    c.IdempotencyKey,
		Address:           c.Address,
		PrivKey:           c.PrivKey,
		DerivationIndex:   c.DerivationIndex,
		Amount:            c.Amount,
		USDRate:           c.USDRate.String(),
		Status:            string(c.Status),
		CreatedAt:         c.CreatedAt.UTC(),
		ExpiresAt:         c.ExpiresAt.UTC(),
		PaidAt:            utcPtr(c.PaidAt),
		PayoutBroadcastAt: utcPtr(c.PayoutBroadcastAt),
		PayoutConfirmedAt: utcPtr(c.PayoutConfirmedAt),
		CompletedAt:       utcPtr(c.CompletedAt),
		LastProcessedAt:   c.LastProcessedAt.UTC(),
		PayoutTxID:        c.PayoutTxID,
		FailureReason:     c.FailureReason,
		WebhookDelivery:   c.WebhookDelivery,
		WebhookAttempts:   c.WebhookAttempts,
	}
	if c.WebhookLastStatus != nil {
		s := string(*c.WebhookLastStatus)
		r.WebhookLastStatus = &s
	}
	return r
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseRate(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
