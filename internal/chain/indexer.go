package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPError is a non-2xx response from the indexer or node.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("indexer http status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("indexer http status %d", e.StatusCode)
}

func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// BroadcastError is a rejection returned by the node's broadcast endpoint.
type BroadcastError struct {
	Err    string `json:"error"`
	Reason string `json:"reason"`
	TxID   string `json:"txid"`
}

func (e *BroadcastError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("broadcast rejected: %s (%s)", e.Err, e.Reason)
	}
	return "broadcast rejected: " + e.Err
}

type IndexerClient struct {
	baseURL string
	client  *http.Client
}

func NewIndexerClient(baseURL string, timeout time.Duration) *IndexerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IndexerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *IndexerClient) Balances(ctx context.Context, address string) (*Balances, error) {
	var resp Balances
	endpoint := c.baseURL + "/extended/v1/address/" + url.PathEscape(address) + "/balances"
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *IndexerClient) Tx(ctx context.Context, txid string) (*TxInfo, error) {
	var resp TxInfo
	endpoint := c.baseURL + "/extended/v1/tx/" + url.PathEscape(normalizeTxID(txid))
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostTx broadcasts a serialized transaction. The node answers with a JSON
// string holding the txid, or an object with error and reason.
func (c *IndexerClient) PostTx(ctx context.Context, raw []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transactions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var txid string
		if err := json.Unmarshal(body, &txid); err != nil {
			return "", fmt.Errorf("decode broadcast response: %w", err)
		}
		return normalizeTxID(txid), nil
	}
	var rejected BroadcastError
	if err := json.Unmarshal(body, &rejected); err == nil && rejected.Err != "" {
		return "", &rejected
	}
	return "", &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *IndexerClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func normalizeTxID(txid string) string {
	txid = strings.TrimSpace(txid)
	if txid == "" || strings.HasPrefix(txid, "0x") {
		return txid
	}
	return "0x" + txid
}

// Indexer response types

type Balances struct {
	STX struct {
		Balance string `json:"balance"`
	} `json:"stx"`
	FungibleTokens map[string]struct {
		Balance string `json:"balance"`
	} `json:"fungible_tokens"`
}

type TxInfo struct {
	TxID     string `json:"tx_id"`
	TxStatus string `json:"tx_status"`
	TxResult struct {
		Hex  string `json:"hex"`
		Repr string `json:"repr"`
	} `json:"tx_result"`
}
