// Package litestore is the SQLite-backed charge repository, used for local
// runs and tests. It mirrors the Postgres store's conditional-update
// semantics: every state write is guarded by the status it expects.
package litestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"StxPayGateway/internal/models"
	"StxPayGateway/internal/store"
)

const derivationCounter = "charge_derivation_index"

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Open opens (or creates) a SQLite database file and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")
	db.Exec("PRAGMA foreign_keys=ON;")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// OpenMemory returns a private in-memory database. A single connection keeps
// every caller on the same database and serializes writes.
func OpenMemory() (*Store, error) {
	dsn := fmt.Sprintf("file:charges_%s?mode=memory&cache=shared", uuid.NewString())
	return Open(dsn)
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&merchantRow{}, &chargeRow{}, &counterRow{})
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Reconnect only verifies the handle; database/sql redials on its own.
func (s *Store) Reconnect(ctx context.Context) error {
	return s.Ping(ctx)
}

func (s *Store) CreateMerchant(ctx context.Context, m *models.Merchant) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := s.DB.WithContext(ctx).Create(merchantFromModel(m)).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) GetMerchant(ctx context.Context, id string) (*models.Merchant, error) {
	var row merchantRow
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`INSERT INTO counters (name, value) VALUES (?, 1)
			 ON CONFLICT(name) DO UPDATE SET value = value + 1`, derivationCounter,
		).Error; err != nil {
			return err
		}
		return tx.Raw(`SELECT value FROM counters WHERE name = ?`, derivationCounter).Scan(&idx).Error
	})
	return idx, err
}

func (s *Store) CreateCharge(ctx context.Context, c *models.Charge) error {
	row := chargeFromModel(c)
	row.ID = 0
	if err := s.DB.WithContext(ctx).Create(row).Error; err != nil {
		return translate(err)
	}
	c.ID = row.ID
	c.UpdatedAt = row.UpdatedAt.UTC()
	return nil
}

func (s *Store) GetChargeByExternalID(ctx context.Context, chargeID string) (*models.Charge, error) {
	return s.first(ctx, "charge_id = ?", chargeID)
}

func (s *Store) GetCharge(ctx context.Context, id int64) (*models.Charge, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, merchantID, key string) (*models.Charge, error) {
	return s.first(ctx, "merchant_id = ? AND idempotency_key = ?", merchantID, key)
}

func (s *Store) first(ctx context.Context, query string, args ...any) (*models.Charge, error) {
	var row chargeRow
	err := s.DB.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *Store) ListCharges(ctx context.Context, f models.ChargeFilter, limit int) ([]*models.Charge, error) {
	q := applyFilter(s.DB.WithContext(ctx).Model(&chargeRow{}), f).
		Order("last_processed_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []chargeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Charge, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func applyFilter(q *gorm.DB, f models.ChargeFilter) *gorm.DB {
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.ExpiresAtOrBefore != nil {
		q = q.Where("expires_at <= ?", f.ExpiresAtOrBefore.UTC())
	}
	if f.ExpiresAfter != nil {
		q = q.Where("expires_at > ?", f.ExpiresAfter.UTC())
	}
	if f.ProcessedAtOrBefore != nil {
		q = q.Where("last_processed_at <= ?", f.ProcessedAtOrBefore.UTC())
	}
	if f.HasPayoutTx != nil {
		if *f.HasPayoutTx {
			q = q.Where("payout_tx_id IS NOT NULL AND payout_tx_id <> ''")
		} else {
			q = q.Where("(payout_tx_id IS NULL OR payout_tx_id = '')")
		}
	}
	if f.Unflagged {
		q = q.Where("failure_reason IS NULL")
	}
	if f.WebhookUndelivered {
		q = q.Where("(webhook_last_status IS NULL OR webhook_last_status = ?)", string(models.WebhookFailed))
	}
	if f.WebhookAttemptsLT > 0 {
		q = q.Where("webhook_attempts < ?", f.WebhookAttemptsLT)
	}
	return q
}

func (s *Store) UpdateCharge(ctx context.Context, id int64, expected models.ChargeStatus, u models.ChargeUpdate) (int64, error) {
	cols := u.Columns()
	if len(cols) == 0 {
		return 0, nil
	}
	for k, v := range cols {
		if t, ok := v.(time.Time); ok {
			cols[k] = t.UTC()
		}
	}
	res := s.DB.WithContext(ctx).Model(&chargeRow{}).
		Where("id = ? AND status = ?", id, string(expected)).
		Updates(cols)
	return res.RowsAffected, res.Error
}

// ConfirmPayment flips a PENDING charge to CONFIRMED. SQLite has no row
// locks; the transaction plus the status guard give the same outcome.
func (s *Store) ConfirmPayment(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	var ok bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row chargeRow
		err := tx.Where("id = ? AND status = ?", id, string(models.ChargePending)).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Model(&chargeRow{}).
			Where("id = ? AND status = ?", id, string(models.ChargePending)).
			Updates(map[string]any{
				"status":            string(models.ChargeConfirmed),
				"paid_at":           paidAt.UTC(),
				"last_processed_at": paidAt.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		ok = res.RowsAffected == 1
		return nil
	})
	return ok, err
}

func (s *Store) CancelCharge(ctx context.Context, chargeID string, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&chargeRow{}).
		Where("charge_id = ? AND status = ?", chargeID, string(models.ChargePending)).
		Updates(map[string]any{
			"status":            string(models.ChargeCancelled),
			"last_processed_at": now.UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) RecordWebhookAttempt(ctx context.Context, id int64, status models.WebhookStatus) (int, error) {
	var attempts int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&chargeRow{}).Where("id = ?", id).Updates(map[string]any{
			"webhook_attempts":    gorm.Expr("webhook_attempts + 1"),
			"webhook_last_status": string(status),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return tx.Model(&chargeRow{}).Select("webhook_attempts").Where("id = ?", id).Scan(&attempts).Error
	})
	return attempts, err
}

// translate maps unique violations to store.ErrDuplicate. glebarez/sqlite
// reports them as plain text.
func translate(err error) error {
	low := strings.ToLower(err.Error())
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}
