package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"StxPayGateway/internal/chain"
	"StxPayGateway/internal/metrics"
	"StxPayGateway/internal/models"
	"StxPayGateway/internal/pricing"
	"StxPayGateway/internal/store"
)

var (
	ErrMissingMerchantID   = errors.New("missing merchant id")
	ErrInvalidAmount       = errors.New("amount below minimum")
	ErrMerchantNotFound    = errors.New("merchant not found")
	ErrNotFound            = errors.New("charge not found")
	ErrConflict            = errors.New("charge is no longer pending")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different amount")
	ErrXprvNotConfigured   = errors.New("wallet xprv not configured")
)

type ChargeStore interface {
	GetMerchant(ctx context.Context, id string) (*models.Merchant, error)
	NextDerivationIndex(ctx context.Context) (int64, error)
	CreateCharge(ctx context.Context, c *models.Charge) error
	GetChargeByExternalID(ctx context.Context, chargeID string) (*models.Charge, error)
	FindByIdempotencyKey(ctx context.Context, merchantID, key string) (*models.Charge, error)
	CancelCharge(ctx context.Context, chargeID string, now time.Time) (bool, error)
}

type FeeFunder interface {
	Fund(ctx context.Context, address string)
}

type Publisher interface {
	Publish(ctx context.Context, chargeID string, view models.PublicCharge)
}

type ChargeService struct {
	Store     ChargeStore
	Deriver   chain.KeyDeriver
	Pricing   pricing.Service
	Fees      FeeFunder
	Publisher Publisher
	MinAmount int64
	TTL       time.Duration
	Log       zerolog.Logger
	Now       func() time.Time
}

func (s *ChargeService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateCharge allocates a fresh deposit wallet for the merchant. With an
// idempotency key, a repeat request returns the original charge and
// created=false.
func (s *ChargeService) CreateCharge(ctx context.Context, merchantID string, amount int64, idemKey string) (*models.Charge, bool, error) {
	if merchantID == "" {
		return nil, false, ErrMissingMerchantID
	}
	if amount <= 0 || amount < s.MinAmount {
		return nil, false, ErrInvalidAmount
	}
	if idemKey != "" {
		existing, err := s.replay(ctx, merchantID, idemKey, amount)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}
	if s.Deriver.XPrv == "" {
		return nil, false, ErrXprvNotConfigured
	}

	merchant, err := s.Store.GetMerchant(ctx, merchantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, ErrMerchantNotFound
	}
	if err != nil {
		return nil, false, err
	}

	snap, err := s.Pricing.CurrentSnapshot(ctx)
	if err != nil {
		return nil, false, err
	}

	idx, err := s.Store.NextDerivationIndex(ctx)
	if err != nil {
		return nil, false, err
	}
	if idx < 0 || idx > math.MaxInt32 {
		return nil, false, fmt.Errorf("derivation index %d out of range", idx)
	}
	wallet, err := s.Deriver.Derive(uint32(idx))
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	charge := &models.Charge{
		ChargeID:        uuid.NewString(),
		MerchantID:      merchantID,
		Address:         wallet.Address,
		PrivKey:         &wallet.PrivKeyHex,
		DerivationIndex: idx,
		Amount:          amount,
		USDRate:         snap.USDRate,
		Status:          models.ChargePending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.TTL),
		LastProcessedAt: now,
		WebhookDelivery: merchant.WebhookURL != nil && *merchant.WebhookURL != "",
	}
	if idemKey != "" {
		charge.IdempotencyKey = &idemKey
	}

	if err := s.Store.CreateCharge(ctx, charge); err != nil {
		if idemKey != "" && errors.Is(err, store.ErrDuplicate) {
			// lost a race with a concurrent request carrying the same key
			existing, rerr := s.replay(ctx, merchantID, idemKey, amount)
			if rerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	s.Log.Info().Str("charge_id", charge.ChargeID).Str("merchant_id", merchantID).Str("address", charge.Address).Int64("amount", amount).Msg("charge created")
	if s.Fees != nil {
		s.Fees.Fund(ctx, charge.Address)
	}
	s.publish(ctx, charge)
	return charge, true, nil
}

func (s *ChargeService) replay(ctx context.Context, merchantID, key string, amount int64) (*models.Charge, error) {
	existing, err := s.Store.FindByIdempotencyKey(ctx, merchantID, key)
	if err != nil {
		return nil, err
	}
	if existing.Amount != amount {
		return nil, ErrIdempotencyMismatch
	}
	return existing, nil
}

// GetCharge returns the merchant's charge. Charges of other merchants are
// reported as not found.
func (s *ChargeService) GetCharge(ctx context.Context, merchantID, chargeID string) (*models.Charge, error) {
	if merchantID == "" {
		return nil, ErrMissingMerchantID
	}
	c, err := s.Store.GetChargeByExternalID(ctx, chargeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.MerchantID != merchantID {
		return nil, ErrNotFound
	}
	return c, nil
}

// CancelCharge moves a PENDING charge to CANCELLED. Any other status is a
// conflict.
func (s *ChargeService) CancelCharge(ctx context.Context, merchantID, chargeID string) (*models.Charge, error) {
	c, err := s.GetCharge(ctx, merchantID, chargeID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ChargePending {
		return c, ErrConflict
	}
	now := s.now()
	ok, err := s.Store.CancelCharge(ctx, chargeID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		latest, err := s.Store.GetChargeByExternalID(ctx, chargeID)
		if err != nil {
			return nil, err
		}
		return latest, ErrConflict
	}
	c.Status = models.ChargeCancelled
	c.LastProcessedAt = now
	metrics.Transitions.WithLabelValues(string(models.ChargePending), string(models.ChargeCancelled)).Inc()
	s.Log.Info().Str("charge_id", chargeID).Msg("charge cancelled")
	s.publish(ctx, c)
	return c, nil
}

func (s *ChargeService) publish(ctx context.Context, c *models.Charge) {
	if s.Publisher == nil {
		return
	}
	s.Publisher.Publish(ctx, c.ChargeID, c.Public())
}
