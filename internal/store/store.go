// Package store is the Postgres charge repository. State changes are
// conditional UPDATEs keyed on the expected status; callers read
// RowsAffected to learn whether they won.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"StxPayGateway/internal/db"
	"StxPayGateway/internal/models"
)

// NotifyChannel carries charge updates for listeners (LISTEN charge_updates).
const NotifyChannel = "charge_updates"

type Store struct {
	Log zerolog.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
	dsn  string
}

func New(pool *pgxpool.Pool, dsn string) *Store {
	return &Store{pool: pool, dsn: dsn, Log: zerolog.Nop()}
}

func (s *Store) Pool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// acquire returns the live pool, or ErrClosed after Close.
func (s *Store) acquire() (*pgxpool.Pool, error) {
	pool := s.Pool()
	if pool == nil {
		return nil, ErrClosed
	}
	return pool, nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.acquire()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Reconnect replaces the pool with a fresh one built from the original DSN.
func (s *Store) Reconnect(ctx context.Context) error {
	pool, err := db.Connect(ctx, s.dsn)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}
	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	pool, err := s.acquire()
	if err != nil {
		return 0, err
	}
	var idx int64
	err = pool.QueryRow(ctx, "SELECT nextval('charge_derivation_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Store) CreateMerchant(ctx context.Context, m *models.Merchant) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	pool, err := s.acquire()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO merchants (id, name, payout_stx_address, webhook_url, webhook_secret, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.ID, m.Name, m.PayoutStxAddress, m.WebhookURL, m.WebhookSecret, m.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: merchant %s", ErrDuplicate, m.ID)
	}
	return err
}

func (s *Store) GetMerchant(ctx context.Context, id string) (*models.Merchant, error) {
	pool, err := s.acquire()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx, `
		SELECT id, name, payout_stx_address, webhook_url, webhook_secret, created_at
		FROM merchants WHERE id=$1
	`, id)
	var m models.Merchant
	if err := row.Scan(&m.ID, &m.Name, &m.PayoutStxAddress, &m.WebhookURL, &m.WebhookSecret, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) CreateCharge(ctx context.Context, c *models.Charge) error {
	var webhookStatus *string
	if c.WebhookLastStatus != nil {
		ws := string(*c.WebhookLastStatus)
		webhookStatus = &ws
	}
	pool, err := s.acquire()
	if err != nil {
		return err
	}
	err = pool.QueryRow(ctx, `
		INSERT INTO charges (
			charge_id, merchant_id, idempotency_key, address, priv_key,
			derivation_index, amount, usd_rate, status, created_at,
			expires_at, last_processed_at, webhook_delivery, webhook_attempts,
			webhook_last_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id, updated_at
	`,
		c.ChargeID,
		c.MerchantID,
		c.IdempotencyKey,
		c.Address,
		c.PrivKey,
		c.DerivationIndex,
		c.Amount,
		c.USDRate.String(),
		string(c.Status),
		c.CreatedAt,
		c.ExpiresAt,
		c.LastProcessedAt,
		c.WebhookDelivery,
		c.WebhookAttempts,
		webhookStatus,
	).Scan(&c.ID, &c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

const chargeColumns = `
	id, charge_id, merchant_id, idempotency_key, address, priv_key,
	derivation_index, amount, usd_rate::text, status, created_at, expires_at,
	paid_at, payout_broadcast_at, payout_confirmed_at, completed_at,
	last_processed_at, payout_tx_id, failure_reason, webhook_delivery,
	webhook_attempts, webhook_last_status, updated_at`

func scanCharge(row pgx.Row) (*models.Charge, error) {
	var c models.Charge
	var rate, status string
	var webhookStatus *string
	if err := row.Scan(
		&c.ID,
		&c.ChargeID,
		&c.MerchantID,
		&c.IdempotencyKey,
		&c.Address,
		&c.PrivKey,
		&c.DerivationIndex,
		&c.Amount,
		&rate,
		&status,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.PaidAt,
		&c.PayoutBroadcastAt,
		&c.PayoutConfirmedAt,
		&c.CompletedAt,
		&c.LastProcessedAt,
		&c.PayoutTxID,
		&c.FailureReason,
		&c.WebhookDelivery,
		&c.WebhookAttempts,
		&webhookStatus,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Status = models.ChargeStatus(status)
	if !c.Status.Valid() {
		return nil, fmt.Errorf("charge %s has unknown status %q", c.ChargeID, status)
	}
	if d, err := decimal.NewFromString(rate); err == nil {
		c.USDRate = d
	}
	if webhookStatus != nil {
		ws := models.WebhookStatus(*webhookStatus)
		c.WebhookLastStatus = &ws
	}
	return &c, nil
}

func (s *Store) getCharge(ctx context.Context, where string, args ...any) (*models.Charge, error) {
	pool, err := s.acquire()
	if err != nil {
		return nil, err
	}
	c, err := scanCharge(pool.QueryRow(ctx, "SELECT "+chargeColumns+" FROM charges WHERE "+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) GetCharge(ctx context.Context, id int64) (*models.Charge, error) {
	return s.getCharge(ctx, "id=$1", id)
}

func (s *Store) GetChargeByExternalID(ctx context.Context, chargeID string) (*models.Charge, error) {
	return s.getCharge(ctx, "charge_id=$1", chargeID)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, merchantID, key string) (*models.Charge, error) {
	return s.getCharge(ctx, "merchant_id=$1 AND idempotency_key=$2", merchantID, key)
}

// chargeQuery renders f as a WHERE clause with positional arguments.
func chargeQuery(f models.ChargeFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.Status != "" {
		add("status=?", string(f.Status))
	}
	if f.ExpiresAtOrBefore != nil {
		add("expires_at<=?", *f.ExpiresAtOrBefore)
	}
	if f.ExpiresAfter != nil {
		add("expires_at>?", *f.ExpiresAfter)
	}
	if f.ProcessedAtOrBefore != nil {
		add("last_processed_at<=?", *f.ProcessedAtOrBefore)
	}
	if f.HasPayoutTx != nil {
		if *f.HasPayoutTx {
			conds = append(conds, "payout_tx_id IS NOT NULL AND payout_tx_id<>''")
		} else {
			conds = append(conds, "(payout_tx_id IS NULL OR payout_tx_id='')")
		}
	}
	if f.Unflagged {
		conds = append(conds, "failure_reason IS NULL")
	}
	if f.WebhookUndelivered {
		add("(webhook_last_status IS NULL OR webhook_last_status=?)", string(models.WebhookFailed))
	}
	if f.WebhookAttemptsLT > 0 {
		add("webhook_attempts<?", f.WebhookAttemptsLT)
	}
	if len(conds) == 0 {
		return "TRUE", args
	}
	return strings.Join(conds, " AND "), args
}

func (s *Store) ListCharges(ctx context.Context, f models.ChargeFilter, limit int) ([]*models.Charge, error) {
	where, args := chargeQuery(f)
	sql := "SELECT " + chargeColumns + " FROM charges WHERE " + where + " ORDER BY last_processed_at ASC, id ASC"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	pool, err := s.acquire()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []*models.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// updateStatement renders the SET list for u. Column order is sorted so the
// statement text is stable.
func updateStatement(u models.ChargeUpdate) (string, []any) {
	cols := u.Columns()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := []any{}
	for _, name := range names {
		args = append(args, cols[name])
		sets = append(sets, fmt.Sprintf("%s=$%d", name, len(args)))
	}
	sets = append(sets, "updated_at=now()")
	return strings.Join(sets, ", "), args
}

func (s *Store) UpdateCharge(ctx context.Context, id int64, expected models.ChargeStatus, u models.ChargeUpdate) (int64, error) {
	if u.Empty() {
		return 0, nil
	}
	set, args := updateStatement(u)
	args = append(args, id, string(expected))
	sql := fmt.Sprintf("UPDATE charges SET %s WHERE id=$%d AND status=$%d", set, len(args)-1, len(args))
	pool, err := s.acquire()
	if err != nil {
		return 0, err
	}
	res, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ConfirmPayment locks the row, re-checks it is still PENDING and marks it
// CONFIRMED in one transaction.
func (s *Store) ConfirmPayment(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	pool, err := s.acquire()
	if err != nil {
		return false, err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM charges WHERE id=$1 AND status=$2 FOR UPDATE`, id, string(models.ChargePending)).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := tx.Exec(ctx, `
		UPDATE charges
		SET status=$2, paid_at=$3, last_processed_at=$3, updated_at=now()
		WHERE id=$1 AND status=$4
	`, id, string(models.ChargeConfirmed), paidAt, string(models.ChargePending))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *Store) CancelCharge(ctx context.Context, chargeID string, now time.Time) (bool, error) {
	pool, err := s.acquire()
	if err != nil {
		return false, err
	}
	res, err := pool.Exec(ctx, `
		UPDATE charges
		SET status=$2, last_processed_at=$3, updated_at=now()
		WHERE charge_id=$1 AND status=$4
	`, chargeID, string(models.ChargeCancelled), now, string(models.ChargePending))
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *Store) RecordWebhookAttempt(ctx context.Context, id int64, status models.WebhookStatus) (int, error) {
	pool, err := s.acquire()
	if err != nil {
		return 0, err
	}
	var attempts int
	err = pool.QueryRow(ctx, `
		UPDATE charges
		SET webhook_attempts=webhook_attempts+1, webhook_last_status=$2, updated_at=now()
		WHERE id=$1
		RETURNING webhook_attempts
	`, id, string(status)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return attempts, err
}

type notification struct {
	ChargeID string              `json:"chargeId"`
	Charge   models.PublicCharge `json:"charge"`
}

// Publish announces a charge change on NotifyChannel. Failures are logged
// and dropped: notifications are advisory.
func (s *Store) Publish(ctx context.Context, chargeID string, view models.PublicCharge) {
	payload, err := json.Marshal(notification{ChargeID: chargeID, Charge: view})
	if err != nil {
		s.Log.Error().Err(err).Str("charge_id", chargeID).Msg("encode charge notification")
		return
	}
	pool, err := s.acquire()
	if err != nil {
		s.Log.Warn().Err(err).Str("charge_id", chargeID).Msg("publish charge notification")
		return
	}
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload)); err != nil {
		s.Log.Warn().Err(err).Str("charge_id", chargeID).Msg("publish charge notification")
	}
}
