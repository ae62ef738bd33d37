package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	PostConditionModeDeny = "deny"
	ConditionEqual        = "eq"
)

// PostCondition asserts the exact amount a principal sends.
type PostCondition struct {
	Type      string `json:"type"` // ft | stx
	Principal string `json:"principal"`
	Asset     string `json:"asset,omitempty"`
	Condition string `json:"condition"`
	Amount    string `json:"amount"`
}

// TransferSpec is everything the signing service needs to build and sign a
// token transfer.
type TransferSpec struct {
	SenderKey         string          `json:"sender_key"`
	Recipient         string          `json:"recipient"`
	Amount            string          `json:"amount"`
	Asset             string          `json:"asset,omitempty"`
	Network           string          `json:"network"`
	Memo              string          `json:"memo,omitempty"`
	PostConditionMode string          `json:"post_condition_mode"`
	PostConditions    []PostCondition `json:"post_conditions"`
}

type Signer interface {
	Sign(ctx context.Context, spec TransferSpec) ([]byte, error)
}

// SignerClient talks to the transaction signing sidecar, which owns the
// chain SDK and transaction serialization.
type SignerClient struct {
	baseURL string
	client  *http.Client
}

func NewSignerClient(baseURL string, timeout time.Duration) *SignerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SignerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *SignerClient) Sign(ctx context.Context, spec TransferSpec) ([]byte, error) {
	path := "/v1/sign/stx-transfer"
	if spec.Asset != "" {
		path = "/v1/sign/ft-transfer"
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		TxHex  string `json:"tx_hex"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("decode signer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != "" {
			return nil, fmt.Errorf("signer rejected transfer: %s %s", out.Error, out.Reason)
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out.TxHex == "" {
		return nil, errors.New("signer returned empty transaction")
	}
	return hex.DecodeString(strings.TrimPrefix(out.TxHex, "0x"))
}
