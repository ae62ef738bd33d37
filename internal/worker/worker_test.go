package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"StxPayGateway/internal/settlement"
)

var errConnLost = errors.New("connection refused")

type fakeProcessor struct {
	mu        sync.Mutex
	cycleErrs []error
	cycles    int
	recovery  atomic.Int32
	webhooks  atomic.Int32
	stopped   atomic.Bool
	cycleRan  chan struct{}
}

func newFakeProcessor(errs ...error) *fakeProcessor {
	return &fakeProcessor{cycleErrs: errs, cycleRan: make(chan struct{}, 64)}
}

func (f *fakeProcessor) RunCycle(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped.Load() {
		return settlement.ErrStopping
	}
	f.cycles++
	var err error
	if len(f.cycleErrs) > 0 {
		err = f.cycleErrs[0]
		f.cycleErrs = f.cycleErrs[1:]
	}
	select {
	case f.cycleRan <- struct{}{}:
	default:
	}
	return err
}

func (f *fakeProcessor) RunRecovery(context.Context) error {
	f.recovery.Add(1)
	return nil
}

func (f *fakeProcessor) RunWebhookRetry(context.Context) error {
	f.webhooks.Add(1)
	return nil
}

func (f *fakeProcessor) Stop() { f.stopped.Store(true) }

func (f *fakeProcessor) cycleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles
}

type fakeHealth struct {
	reconnects atomic.Int32
}

func (h *fakeHealth) Ping(context.Context) error { return nil }

func (h *fakeHealth) Reconnect(context.Context) error {
	h.reconnects.Add(1)
	return nil
}

func isConnErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection refused")
}

func newWorker(p Processor, h *fakeHealth) *Worker {
	return &Worker{
		Processor:              p,
		Health:                 h,
		IsConnErr:              isConnErr,
		Log:                    zerolog.Nop(),
		PollInterval:           time.Millisecond,
		RecoveryInterval:       time.Hour,
		WebhookRetryInterval:   time.Hour,
		BackoffMultiplier:      2,
		BackoffCap:             3,
		BackoffCeiling:         5 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		ShutdownGrace:          time.Second,
	}
}

func TestNextDelay(t *testing.T) {
	w := &Worker{
		PollInterval:      30 * time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        4,
		BackoffCeiling:    5 * time.Minute,
	}
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := w.nextDelay(tc.failures); got != tc.want {
			t.Errorf("nextDelay(%d) = %s, want %s", tc.failures, got, tc.want)
		}
	}

	w.BackoffCeiling = 0
	if got := w.nextDelay(10); got != 8*time.Minute {
		t.Errorf("capped exponent delay = %s, want 8m", got)
	}
	w.BackoffMultiplier = 1
	if got := w.nextDelay(5); got != 30*time.Second {
		t.Errorf("flat multiplier delay = %s", got)
	}
}

func TestRunShutsDownAfterConsecutiveFailures(t *testing.T) {
	p := newFakeProcessor(errConnLost, errConnLost, errConnLost, errConnLost, errConnLost)
	h := &fakeHealth{}
	w := newWorker(p, h)

	err := w.Run(context.Background())
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("Run() = %v, want ErrTooManyFailures", err)
	}
	if got := p.cycleCount(); got != 4 {
		t.Fatalf("cycles = %d, want 4", got)
	}
	if got := h.reconnects.Load(); got != 4 {
		t.Fatalf("reconnects = %d, want one per connection failure", got)
	}
	if !p.stopped.Load() {
		t.Fatal("processor was not stopped")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	p := newFakeProcessor(errConnLost, errConnLost, errConnLost, nil, errors.New("boom"), errors.New("boom"), errors.New("boom"), errors.New("boom"))
	h := &fakeHealth{}
	w := newWorker(p, h)

	err := w.Run(context.Background())
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("Run() = %v", err)
	}
	if got := p.cycleCount(); got != 8 {
		t.Fatalf("cycles = %d, want 8", got)
	}
	if got := h.reconnects.Load(); got != 3 {
		t.Fatalf("reconnects = %d, want 3 (non-connection errors skip reconnect)", got)
	}
}

func TestBusyIsNotAFailure(t *testing.T) {
	p := newFakeProcessor(settlement.ErrBusy, settlement.ErrBusy, settlement.ErrBusy, settlement.ErrBusy, settlement.ErrBusy)
	w := newWorker(p, &fakeHealth{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for p.cycleCount() < 6 {
		select {
		case <-deadline:
			t.Fatal("worker stopped cycling")
		case <-p.cycleRan:
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestCancelStopsAndDrains(t *testing.T) {
	p := newFakeProcessor()
	w := newWorker(p, &fakeHealth{})
	w.RecoveryInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-p.cycleRan
	deadline := time.Now().Add(2 * time.Second)
	for p.recovery.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !p.stopped.Load() {
		t.Fatal("processor was not stopped")
	}
	if p.recovery.Load() == 0 {
		t.Fatal("recovery never ran")
	}
}

func TestWakeStartsCycleEarly(t *testing.T) {
	p := newFakeProcessor()
	w := newWorker(p, &fakeHealth{})
	w.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-p.cycleRan
	w.Wake()
	w.Wake()
	select {
	case <-p.cycleRan:
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger a cycle")
	}
	cancel()
	<-done
}

func TestBlockEventsWakeWorker(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"block","params":{"height":9,"hash":"0x09"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	w := &Worker{
		Log:          zerolog.Nop(),
		WSEndpoints:  []string{"ws" + strings.TrimPrefix(srv.URL, "http")},
		WSRetryDelay: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.RunWS(ctx)
		close(done)
	}()

	select {
	case <-w.wakeCh():
	case <-time.After(2 * time.Second):
		t.Fatal("block event did not wake the worker")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunWS did not exit after cancel")
	}
}

func TestRunWSFailsOverToNextEndpoint(t *testing.T) {
	var hits atomic.Int32
	upgrader := websocket.Upgrader{}
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"block","params":{"height":1,"hash":"0x01"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer good.Close()

	w := &Worker{
		Log:                 zerolog.Nop(),
		WSEndpoints:         []string{"ws://127.0.0.1:1", "ws" + strings.TrimPrefix(good.URL, "http")},
		WSFailoverThreshold: 2,
		WSRetryDelay:        time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.RunWS(ctx)

	select {
	case <-w.wakeCh():
	case <-time.After(3 * time.Second):
		t.Fatal("never reached the second endpoint")
	}
	if hits.Load() == 0 {
		t.Fatal("second endpoint was not dialed")
	}
}
