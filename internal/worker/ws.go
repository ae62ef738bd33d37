package worker

import (
	"context"
	"time"

	"StxPayGateway/internal/chain"
)

// RunWS follows indexer block events and wakes the main loop on each new
// block. After WSFailoverThreshold consecutive failures it moves on to the
// next endpoint.
func (w *Worker) RunWS(ctx context.Context) {
	if len(w.WSEndpoints) == 0 {
		w.Log.Info().Msg("ws disabled: no ws endpoints configured")
		return
	}
	threshold := w.WSFailoverThreshold
	if threshold <= 0 {
		threshold = 3
	}

	idx, failures := 0, 0
	for ctx.Err() == nil {
		endpoint := w.WSEndpoints[idx]
		if w.follow(ctx, endpoint) {
			failures = 0
		} else {
			failures++
		}
		if failures >= threshold && len(w.WSEndpoints) > 1 {
			idx = (idx + 1) % len(w.WSEndpoints)
			failures = 0
			w.Log.Warn().Str("endpoint", w.WSEndpoints[idx]).Msg("ws failover")
		}
		if !sleepCtx(ctx, w.wsRetryDelay()) {
			return
		}
	}
}

// follow holds one subscription until it breaks. It reports whether any
// block event arrived.
func (w *Worker) follow(ctx context.Context, endpoint string) bool {
	client := chain.NewWSClient(endpoint)
	if err := client.Connect(ctx); err != nil {
		w.Log.Warn().Err(err).Str("endpoint", endpoint).Msg("ws connect failed")
		return false
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		client.Close()
	}()

	if err := client.SubscribeBlocks(connCtx); err != nil {
		w.Log.Warn().Err(err).Str("endpoint", endpoint).Msg("ws subscribe failed")
		return false
	}
	w.Log.Info().Str("endpoint", endpoint).Msg("ws connected")

	got := false
	for {
		msg, err := client.Read(connCtx)
		if err != nil {
			if ctx.Err() == nil {
				w.Log.Warn().Err(err).Str("endpoint", endpoint).Msg("ws read failed")
			}
			return got
		}
		block, ok, err := chain.ParseBlockNotification(msg)
		if err != nil {
			w.Log.Warn().Err(err).Msg("ws parse failed")
			continue
		}
		if !ok {
			continue
		}
		got = true
		w.Log.Debug().Int64("height", block.Height).Msg("new block")
		w.Wake()
	}
}

func (w *Worker) wsRetryDelay() time.Duration {
	if w.WSRetryDelay > 0 {
		return w.WSRetryDelay
	}
	return 3 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
