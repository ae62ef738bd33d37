package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"StxPayGateway/internal/chain"
	"StxPayGateway/internal/models"
	"StxPayGateway/internal/store/litestore"
	"StxPayGateway/internal/webhook"
)

const (
	merchantID    = "m_1"
	payoutAddr    = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	ephemeralAddr = "SP000000000000000000002Q6VF78"
)

// ledger is a toy chain. Payouts carry an exact-amount post-condition: a tx
// whose sender no longer holds the amount aborts instead of transferring.
type ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	txs      map[string]chain.TxResult
	hidden   map[string]bool
	sends    []chain.PayoutRequest
	mineNow  bool
	sendErr  error
	nextTxID string
	balCalls atomic.Int32
}

func newLedger() *ledger {
	return &ledger{
		balances: map[string]int64{},
		txs:      map[string]chain.TxResult{},
		hidden:   map[string]bool{},
		mineNow:  true,
	}
}

func (l *ledger) fund(addr string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

func (l *ledger) balance(addr string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

func (l *ledger) HasBalance(_ context.Context, address string, required int64) bool {
	l.balCalls.Add(1)
	return l.balance(address) >= required
}

func (l *ledger) Check(_ context.Context, txid string) chain.TxResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hidden[txid] {
		return chain.TxResult{Status: chain.TxUnknown, Raw: "dropped"}
	}
	if r, ok := l.txs[txid]; ok {
		return r
	}
	return chain.TxResult{Status: chain.TxPending, Raw: "not_indexed"}
}

func (l *ledger) SendPayout(_ context.Context, req chain.PayoutRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return "", l.sendErr
	}
	l.sends = append(l.sends, req)
	txid := fmt.Sprintf("0x%064x", len(l.sends))
	if l.nextTxID != "" {
		txid, l.nextTxID = l.nextTxID, ""
	}
	if !l.mineNow {
		l.txs[txid] = chain.TxResult{Status: chain.TxPending, Raw: "pending"}
		return txid, nil
	}
	l.mine(txid, req)
	return txid, nil
}

func (l *ledger) mine(txid string, req chain.PayoutRequest) {
	if l.balances[req.SenderAddress] < req.Amount {
		l.txs[txid] = chain.TxResult{Status: chain.TxFailed, Raw: "abort_by_post_condition", Repr: "(err none)"}
		return
	}
	l.balances[req.SenderAddress] -= req.Amount
	l.balances[req.Recipient] += req.Amount
	l.txs[txid] = chain.TxResult{Status: chain.TxSuccess, Raw: "success", Repr: "(ok true)"}
}

func (l *ledger) sendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sends)
}

// statusLog records every published view so tests can check that states
// only move forward.
type statusLog struct {
	mu   sync.Mutex
	seen map[string][]models.ChargeStatus
}

func (s *statusLog) Publish(_ context.Context, chargeID string, view models.PublicCharge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string][]models.ChargeStatus{}
	}
	s.seen[chargeID] = append(s.seen[chargeID], models.ChargeStatus(view.Status))
}

func (s *statusLog) assertForward(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, seq := range s.seen {
		for i := 1; i < len(seq); i++ {
			prev, next := seq[i-1], seq[i]
			if prev != next && !prev.CanTransition(next) {
				t.Fatalf("charge %s moved backwards: %v", id, seq)
			}
		}
	}
}

type merchantEndpoint struct {
	srv    *httptest.Server
	status atomic.Int32
	hits   atomic.Int32
}

func newMerchantEndpoint(t *testing.T) *merchantEndpoint {
	t.Helper()
	e := &merchantEndpoint{}
	e.status.Store(http.StatusOK)
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		w.WriteHeader(int(e.status.Load()))
	}))
	t.Cleanup(e.srv.Close)
	return e
}

type harness struct {
	t      *testing.T
	store  *litestore.Store
	ledger *ledger
	events *statusLog
	hook   *merchantEndpoint
	now    time.Time
}

func newHarness(t *testing.T, withWebhook bool) *harness {
	t.Helper()
	s, err := litestore.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		t:      t,
		store:  s,
		ledger: newLedger(),
		events: &statusLog{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	payout := payoutAddr
	m := &models.Merchant{ID: merchantID, Name: "Acme", PayoutStxAddress: &payout}
	if withWebhook {
		h.hook = newMerchantEndpoint(t)
		url, secret := h.hook.srv.URL, "whsec_test"
		m.WebhookURL, m.WebhookSecret = &url, &secret
	}
	if err := s.CreateMerchant(context.Background(), m); err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	return h
}

func (h *harness) processor() *Processor {
	sender := webhook.NewSender(h.store, 2, 0, time.Second, zerolog.Nop())
	sender.Now = func() time.Time { return h.now }
	return &Processor{
		Repo:      h.store,
		Balances:  h.ledger,
		TxStatus:  h.ledger,
		Payouts:   h.ledger,
		Webhooks:  sender,
		Publisher: h.events,
		Log:       zerolog.Nop(),
		Now:       func() time.Time { return h.now },
		Options:   Options{BatchSize: 10, ItemDelay: 0},
	}
}

func (h *harness) charge(status models.ChargeStatus, mutate func(*models.Charge)) *models.Charge {
	h.t.Helper()
	ctx := context.Background()
	idx, err := h.store.NextDerivationIndex(ctx)
	if err != nil {
		h.t.Fatalf("next index: %v", err)
	}
	key := fmt.Sprintf("%064x", idx)
	c := &models.Charge{
		ChargeID:        uuid.NewString(),
		MerchantID:      merchantID,
		Address:         ephemeralAddr,
		PrivKey:         &key,
		DerivationIndex: idx,
		Amount:          100000,
		USDRate:         decimal.RequireFromString("0.75"),
		Status:          status,
		CreatedAt:       h.now.Add(-time.Minute),
		ExpiresAt:       h.now.Add(14 * time.Minute),
		LastProcessedAt: h.now.Add(-time.Minute),
		WebhookDelivery: h.hook != nil,
	}
	if mutate != nil {
		mutate(c)
	}
	if err := h.store.CreateCharge(ctx, c); err != nil {
		h.t.Fatalf("create charge: %v", err)
	}
	return c
}

func (h *harness) reload(c *models.Charge) *models.Charge {
	h.t.Helper()
	got, err := h.store.GetCharge(context.Background(), c.ID)
	if err != nil {
		h.t.Fatalf("reload: %v", err)
	}
	return got
}

var errConnLost = errors.New("connection reset by peer")

// flakyRepo fails every UpdateCharge with a connection error.
type flakyRepo struct {
	Repository
}

func (f flakyRepo) UpdateCharge(context.Context, int64, models.ChargeStatus, models.ChargeUpdate) (int64, error) {
	return 0, errConnLost
}

var errNodeDown = errors.New("node down")

var errDiskIO = errors.New("disk I/O error")

// txidWriteFails lets every update through except the one recording the
// payout txid.
type txidWriteFails struct {
	Repository
}

func (f txidWriteFails) UpdateCharge(ctx context.Context, id int64, expected models.ChargeStatus, u models.ChargeUpdate) (int64, error) {
	if u.PayoutTxID != nil {
		return 0, errDiskIO
	}
	return f.Repository.UpdateCharge(ctx, id, expected, u)
}
