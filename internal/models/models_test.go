package models

import (
	"testing"
	"time"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	cases := []struct {
		from, to ChargeStatus
		ok       bool
	}{
		{ChargePending, ChargeConfirmed, true},
		{ChargePending, ChargeExpired, true},
		{ChargePending, ChargeCancelled, true},
		{ChargeConfirmed, ChargePayoutInitiated, true},
		{ChargePayoutInitiated, ChargePayoutConfirmed, true},
		{ChargePayoutInitiated, ChargeFailed, true},
		{ChargePayoutConfirmed, ChargeCompleted, true},
		{ChargeConfirmed, ChargeCancelled, false},
		{ChargeConfirmed, ChargePending, false},
		{ChargePayoutConfirmed, ChargePayoutInitiated, false},
		{ChargeCompleted, ChargeFailed, false},
		{ChargeExpired, ChargeConfirmed, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []ChargeStatus{ChargeCompleted, ChargeExpired, ChargeCancelled, ChargeFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(transitions[s]) != 0 {
			t.Errorf("%s must have no outgoing transitions", s)
		}
	}
	for _, s := range []ChargeStatus{ChargePending, ChargeConfirmed, ChargePayoutInitiated, ChargePayoutConfirmed} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if ChargeStatus("PAID").Valid() || !ChargePayoutConfirmed.Valid() {
		t.Error("Valid() disagrees with the status set")
	}
}

func TestExpired_Inclusive(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Charge{ExpiresAt: now}
	if !c.Expired(now) {
		t.Fatal("expiresAt == now must count as expired")
	}
	if c.Expired(now.Add(-time.Nanosecond)) {
		t.Fatal("charge expired before its expiry")
	}
}

func TestChargeUpdate_ColumnsAndApply(t *testing.T) {
	st := ChargePayoutInitiated
	txid := "0xabc"
	now := time.Now().UTC()
	u := ChargeUpdate{Status: &st, PayoutTxID: &txid, LastProcessedAt: &now, ClearFailureReason: true}

	cols := u.Columns()
	if cols["status"] != "PAYOUT_INITIATED" || cols["payout_tx_id"] != "0xabc" {
		t.Fatalf("unexpected columns: %#v", cols)
	}
	if v, ok := cols["failure_reason"]; !ok || v != nil {
		t.Fatalf("failure_reason should be cleared, got %#v (present=%v)", v, ok)
	}

	reason := "stuck"
	c := &Charge{Status: ChargeConfirmed, FailureReason: &reason}
	c.Apply(u)
	if c.Status != ChargePayoutInitiated || c.FailureReason != nil || *c.PayoutTxID != txid {
		t.Fatalf("apply mismatch: %+v", c)
	}
	if (ChargeUpdate{}).Empty() != true {
		t.Fatal("zero update should be empty")
	}
}

func TestPublic_OmitsKey(t *testing.T) {
	key := "secret"
	c := &Charge{ChargeID: "ch_1", PrivKey: &key, Status: ChargePending}
	p := c.Public()
	if p.ChargeID != "ch_1" || p.Status != "PENDING" {
		t.Fatalf("unexpected view: %+v", p)
	}
}

func TestMerchant_WebhookConfigured(t *testing.T) {
	url, secret, empty := "https://m.example/hook", "s3cr3t", ""
	cases := []struct {
		m    *Merchant
		want bool
	}{
		{nil, false},
		{&Merchant{}, false},
		{&Merchant{WebhookURL: &url}, false},
		{&Merchant{WebhookURL: &url, WebhookSecret: &empty}, false},
		{&Merchant{WebhookURL: &url, WebhookSecret: &secret}, true},
	}
	for i, tc := range cases {
		if got := tc.m.WebhookConfigured(); got != tc.want {
			t.Errorf("case %d: got %v want %v", i, got, tc.want)
		}
	}
}
