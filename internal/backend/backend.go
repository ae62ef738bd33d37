// Package backend opens the configured charge store for the binaries.
package backend

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/db"
	"StxPayGateway/internal/services"
	"StxPayGateway/internal/settlement"
	"StxPayGateway/internal/store"
	"StxPayGateway/internal/store/litestore"
	"StxPayGateway/internal/webhook"
)

// Store is everything the API and the worker need from persistence.
type Store interface {
	settlement.Repository
	services.ChargeStore
	webhook.Recorder
	store.Health
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*litestore.Store)(nil)
)

type Backend struct {
	Store Store
	// Publisher is nil for drivers without change notifications.
	Publisher settlement.Publisher
	close     func()
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects to postgres (waiting up to connectAttempts tries for the
// database to come up) or opens a sqlite file, per driver.
func Open(ctx context.Context, driver, dsn string, connectAttempts int, log zerolog.Logger) (*Backend, error) {
	switch driver {
	case "", "postgres":
		pool, err := db.ConnectWait(ctx, dsn, connectAttempts, log)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := store.New(pool, dsn)
		st.Log = log
		return &Backend{Store: st, Publisher: st, close: st.Close}, nil
	case "sqlite":
		st, err := litestore.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &Backend{Store: st, close: func() { _ = st.Close() }}, nil
	}
	return nil, fmt.Errorf("unknown db driver %q", driver)
}
