package payments

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/chain"
)

const treasuryKey = "0000000000000000000000000000000000000000000000000000000000000001" + "01"

type recordingSender struct {
	reqs []chain.FeeRequest
	err  error
}

func (r *recordingSender) SendFee(_ context.Context, req chain.FeeRequest) (string, error) {
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return "", r.err
	}
	return "0xfee", nil
}

func TestNewFeeFunderDisabled(t *testing.T) {
	f, err := NewFeeFunder(&recordingSender{}, "", chain.VersionMainnet, 1000, zerolog.Nop())
	if err != nil || f != nil {
		t.Fatalf("expected nil funder, got %v %v", f, err)
	}
	// a nil funder is safe to call
	f.Fund(context.Background(), "SP000000000000000000002Q6VF78")
}

func TestFundSendsFromTreasury(t *testing.T) {
	sender := &recordingSender{}
	f, err := NewFeeFunder(sender, treasuryKey, chain.VersionTestnet, 2500, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(f.TreasuryAddress, "ST") {
		t.Fatalf("treasury address = %s", f.TreasuryAddress)
	}

	f.Fund(context.Background(), "ST000000000000000000002AMW42H")
	if len(sender.reqs) != 1 {
		t.Fatalf("sends = %d", len(sender.reqs))
	}
	req := sender.reqs[0]
	if req.MicroSTX != 2500 || req.Recipient != "ST000000000000000000002AMW42H" || req.SenderAddress != f.TreasuryAddress {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestFundSwallowsErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("node down")}
	f, err := NewFeeFunder(sender, treasuryKey, chain.VersionMainnet, 1, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	f.Fund(context.Background(), "SP000000000000000000002Q6VF78")
	if len(sender.reqs) != 1 {
		t.Fatal("expected one attempt")
	}
}

func TestNewFeeFunderRejectsBadKey(t *testing.T) {
	if _, err := NewFeeFunder(&recordingSender{}, "zz", chain.VersionMainnet, 1, zerolog.Nop()); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
