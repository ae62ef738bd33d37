package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MultiIndexer rotates across several indexer endpoints. A 404 is a valid
// answer (not yet indexed) and never causes a rotation.
type MultiIndexer struct {
	clients       []*IndexerClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiIndexer(endpoints []string, failThreshold int, timeout time.Duration) (*MultiIndexer, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("indexer endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*IndexerClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewIndexerClient(ep, timeout))
	}
	return &MultiIndexer{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiIndexer) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiIndexer) Balances(ctx context.Context, address string) (*Balances, error) {
	return withFailover(m, func(c *IndexerClient) (*Balances, error) {
		return c.Balances(ctx, address)
	})
}

func (m *MultiIndexer) Tx(ctx context.Context, txid string) (*TxInfo, error) {
	return withFailover(m, func(c *IndexerClient) (*TxInfo, error) {
		return c.Tx(ctx, txid)
	})
}

// PostTx is sent to the current endpoint only: resubmitting a rejected
// transaction to another node would not change the verdict.
func (m *MultiIndexer) PostTx(ctx context.Context, raw []byte) (string, error) {
	client, idx := m.currentClient()
	txid, err := client.PostTx(ctx, raw)
	var rejected *BroadcastError
	if err != nil && !errors.As(err, &rejected) {
		m.noteFailure(idx)
		if m.shouldRotate() {
			m.rotate()
		}
		return "", err
	}
	if err == nil {
		m.resetFailures(idx)
	}
	return txid, err
}

func withFailover[T any](m *MultiIndexer, call func(*IndexerClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := call(client)
		if err == nil || IsNotFound(err) {
			m.resetFailures(idx)
			return out, err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
	}
	return zero, lastErr
}

func (m *MultiIndexer) currentClient() (*IndexerClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiIndexer) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiIndexer) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiIndexer) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiIndexer) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
