package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/models"
)

func TestSign_KnownVector(t *testing.T) {
	body := []byte(`{"type":"charge.completed","eventId":"evt_1","occurredAt":"2025-01-01T00:00:00Z","data":{"chargeId":"ch_1","address":"SP000000000000000000002Q6VF78","amount":100000,"paidAt":null,"payoutTxId":"0xabc"}}`)
	const want = "34966c5a385d24b164274012d296cc225e094b932c64c4d1e7280109ae8828dc"
	if got := Sign("whsec_test", body); got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}
	if !Verify("whsec_test", body, "sha256="+want) {
		t.Fatal("Verify rejected a valid signature")
	}
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-3] = 'd'
	if Verify("whsec_test", tampered, "sha256="+want) {
		t.Fatal("Verify accepted a tampered body")
	}
	if Verify("other", body, "sha256="+want) {
		t.Fatal("Verify accepted the wrong secret")
	}
	if Verify("whsec_test", body, want) {
		t.Fatal("Verify accepted a header without the sha256= prefix")
	}
}

func TestEventID_StablePerCharge(t *testing.T) {
	a := EventID("ch_1", EventChargeCompleted)
	if a != EventID("ch_1", EventChargeCompleted) {
		t.Fatal("event id must be deterministic")
	}
	if a == EventID("ch_2", EventChargeCompleted) {
		t.Fatal("different charges share an event id")
	}
}

type memRecorder struct {
	mu       sync.Mutex
	attempts int
	last     models.WebhookStatus
}

func (r *memRecorder) RecordWebhookAttempt(_ context.Context, _ int64, status models.WebhookStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	r.last = status
	return r.attempts, nil
}

func merchant(url, secret string) *models.Merchant {
	return &models.Merchant{ID: "m1", WebhookURL: &url, WebhookSecret: &secret}
}

func testCharge() *models.Charge {
	paid := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	txid := "0xabc"
	return &models.Charge{ID: 7, ChargeID: "ch_1", Address: "SP000000000000000000002Q6VF78", Amount: 100000, PaidAt: &paid, PayoutTxID: &txid}
}

func TestDeliver_SignedEnvelopeAndHeaders(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	fixed := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	s := NewSender(rec, 3, time.Millisecond, time.Second, zerolog.Nop())
	s.Now = func() time.Time { return fixed }

	if !s.Deliver(context.Background(), testCharge(), merchant(srv.URL, "whsec_test")) {
		t.Fatal("expected delivery success")
	}
	if !Verify("whsec_test", body, got.Header.Get(HeaderSignature)) {
		t.Fatalf("signature header does not verify: %s", got.Header.Get(HeaderSignature))
	}
	if got.Header.Get(HeaderEventID) != EventID("ch_1", EventChargeCompleted) {
		t.Fatalf("event id header = %s", got.Header.Get(HeaderEventID))
	}
	if got.Header.Get(HeaderAttempt) != "1" {
		t.Fatalf("attempt header = %s", got.Header.Get(HeaderAttempt))
	}
	if got.Header.Get(HeaderTimestamp) != strconv.FormatInt(fixed.Unix(), 10) {
		t.Fatalf("timestamp header = %s", got.Header.Get(HeaderTimestamp))
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != EventChargeCompleted || env.Data.ChargeID != "ch_1" || env.Data.Amount != 100000 || *env.Data.PayoutTxID != "0xabc" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if rec.attempts != 1 || rec.last != models.WebhookSuccess {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	var calls int
	var attemptHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		attemptHeaders = append(attemptHeaders, r.Header.Get(HeaderAttempt))
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	c := testCharge()
	c.WebhookAttempts = 2
	s := NewSender(rec, 3, time.Millisecond, time.Second, zerolog.Nop())
	if !s.Deliver(context.Background(), c, merchant(srv.URL, "k")) {
		t.Fatal("expected success on third attempt")
	}
	if rec.attempts != 3 || rec.last != models.WebhookSuccess {
		t.Fatalf("every attempt must be recorded: %+v", rec)
	}
	want := []string{"3", "4", "5"}
	for i := range want {
		if attemptHeaders[i] != want[i] {
			t.Fatalf("attempt headers = %v, want %v", attemptHeaders, want)
		}
	}
}

func TestDeliver_ExhaustedReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	s := NewSender(rec, 3, time.Millisecond, time.Second, zerolog.Nop())
	if s.Deliver(context.Background(), testCharge(), merchant(srv.URL, "k")) {
		t.Fatal("expected failure")
	}
	if rec.attempts != 3 || rec.last != models.WebhookFailed {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestDeliver_NotConfigured(t *testing.T) {
	rec := &memRecorder{}
	s := NewSender(rec, 3, time.Millisecond, time.Second, zerolog.Nop())
	if s.Deliver(context.Background(), testCharge(), &models.Merchant{ID: "m1"}) {
		t.Fatal("delivery without endpoint must fail")
	}
	if rec.attempts != 0 {
		t.Fatal("no attempt should be recorded without an endpoint")
	}
}
