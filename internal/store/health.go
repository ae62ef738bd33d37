package store

import "context"

// Health is implemented by both stores. The worker pings on /health and
// reconnects after a connection-class failure.
type Health interface {
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

var _ Health = (*Store)(nil)
