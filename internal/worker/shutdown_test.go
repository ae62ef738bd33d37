package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"StxPayGateway/internal/models"
	"StxPayGateway/internal/settlement"
	"StxPayGateway/internal/store/litestore"
)

// slowBalances reports every address as unpaid after a delay. The delay ends
// early if the caller's context is cancelled.
type slowBalances struct {
	delay     time.Duration
	calls     atomic.Int32
	first     chan struct{}
	firstOnce sync.Once
}

func (b *slowBalances) HasBalance(ctx context.Context, _ string, _ int64) bool {
	b.calls.Add(1)
	b.firstOnce.Do(func() { close(b.first) })
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
	}
	return false
}

func pendingStore(t *testing.T, n int) *litestore.Store {
	t.Helper()
	s, err := litestore.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	payout := "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	if err := s.CreateMerchant(ctx, &models.Merchant{ID: "m_1", Name: "Acme", PayoutStxAddress: &payout}); err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		idx, err := s.NextDerivationIndex(ctx)
		if err != nil {
			t.Fatalf("next index: %v", err)
		}
		key := fmt.Sprintf("%064x", idx)
		c := &models.Charge{
			ChargeID:        uuid.NewString(),
			MerchantID:      "m_1",
			Address:         fmt.Sprintf("SP%038d", idx),
			PrivKey:         &key,
			DerivationIndex: idx,
			Amount:          100000,
			USDRate:         decimal.RequireFromString("0.75"),
			Status:          models.ChargePending,
			CreatedAt:       now.Add(-time.Minute),
			ExpiresAt:       now.Add(time.Hour),
			LastProcessedAt: now.Add(-time.Minute),
		}
		if err := s.CreateCharge(ctx, c); err != nil {
			t.Fatalf("create charge: %v", err)
		}
	}
	return s
}

func settlementWorker(s *litestore.Store, b *slowBalances, grace time.Duration) *Worker {
	p := &settlement.Processor{
		Repo:     s,
		Balances: b,
		Log:      zerolog.Nop(),
		Options:  settlement.Options{BatchSize: 10, ItemDelay: 0},
	}
	return &Worker{
		Processor:     p,
		Log:           zerolog.Nop(),
		PollInterval:  time.Hour,
		ShutdownGrace: grace,
	}
}

func TestCancelStopsBatchAfterCurrentCharge(t *testing.T) {
	b := &slowBalances{delay: 300 * time.Millisecond, first: make(chan struct{})}
	w := settlementWorker(pendingStore(t, 10), b, 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-b.first:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never checked a balance")
	}
	cancelled := time.Now()
	atSignal := b.calls.Load()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if took := time.Since(cancelled); took > time.Second {
		t.Fatalf("shutdown took %v", took)
	}
	if extra := b.calls.Load() - atSignal; extra > 1 {
		t.Fatalf("%d balance checks after cancel, want at most 1", extra)
	}
}

func TestShutdownGraceBoundsStuckRun(t *testing.T) {
	b := &slowBalances{delay: time.Minute, first: make(chan struct{})}
	w := settlementWorker(pendingStore(t, 3), b, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-b.first:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never checked a balance")
	}
	cancelled := time.Now()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored the shutdown grace")
	}
	if took := time.Since(cancelled); took < 150*time.Millisecond {
		t.Fatalf("Run returned after %v, before the in-flight run could drain", took)
	}
}
