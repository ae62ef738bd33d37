package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClassifyTxStatus(t *testing.T) {
	cases := map[string]TxStatus{
		"success":                 TxSuccess,
		"pending":                 TxPending,
		"failed":                  TxFailed,
		"abort_by_response":       TxFailed,
		"abort_by_post_condition": TxFailed,
		"dropped_replace_by_fee":  TxUnknown,
		"":                        TxUnknown,
		" SUCCESS ":               TxSuccess,
	}
	for raw, want := range cases {
		if got := ClassifyTxStatus(raw); got != want {
			t.Errorf("ClassifyTxStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func newStatusChecker(url string, attempts int) *StatusChecker {
	return &StatusChecker{Source: NewIndexerClient(url, time.Second), Retry: fastPolicy(attempts), Log: zerolog.Nop()}
}

func TestStatusChecker_Abort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extended/v1/tx/0xabc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"tx_id":"0xabc","tx_status":"abort_by_post_condition","tx_result":{"repr":"(err none)"}}`))
	}))
	defer srv.Close()

	res := newStatusChecker(srv.URL, 3).Check(context.Background(), "abc")
	if res.Status != TxFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Reason() != "abort_by_post_condition: (err none)" {
		t.Fatalf("reason = %q", res.Reason())
	}
}

func TestStatusChecker_NotFoundIsPending(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res := newStatusChecker(srv.URL, 4).Check(context.Background(), "0xabc")
	if res.Status != TxPending {
		t.Fatalf("404 must degrade to pending, got %s", res.Status)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls.Load())
	}
}

func TestStatusChecker_NotFoundThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"tx_status":"success","tx_result":{"repr":"(ok true)"}}`))
	}))
	defer srv.Close()

	if res := newStatusChecker(srv.URL, 5).Check(context.Background(), "0xabc"); res.Status != TxSuccess {
		t.Fatalf("got %s, want success", res.Status)
	}
}

func TestStatusChecker_TransportErrorIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if res := newStatusChecker(srv.URL, 2).Check(context.Background(), "0xabc"); res.Status != TxUnknown {
		t.Fatalf("got %s, want unknown", res.Status)
	}
}
