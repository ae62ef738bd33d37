package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"StxPayGateway/internal/metrics"
	"StxPayGateway/internal/settlement"
	"StxPayGateway/internal/store"
)

// ErrTooManyFailures is returned by Run after MaxConsecutiveFailures cycles
// failed in a row.
var ErrTooManyFailures = errors.New("too many consecutive cycle failures")

// Processor is the part of settlement.Processor the driver schedules.
type Processor interface {
	RunCycle(ctx context.Context) error
	RunRecovery(ctx context.Context) error
	RunWebhookRetry(ctx context.Context) error
	Stop()
}

type Worker struct {
	Processor Processor
	Health    store.Health
	IsConnErr func(error) bool
	Log       zerolog.Logger

	PollInterval         time.Duration
	RecoveryInterval     time.Duration
	WebhookRetryInterval time.Duration
	// BusyRetry is how soon a recovery or webhook run retries after finding
	// a cycle in progress.
	BusyRetry time.Duration

	BackoffMultiplier      float64
	BackoffCap             int
	BackoffCeiling         time.Duration
	MaxConsecutiveFailures int
	ShutdownGrace          time.Duration

	WSEndpoints         []string
	WSFailoverThreshold int
	WSRetryDelay        time.Duration

	wakeOnce sync.Once
	wake     chan struct{}
	failures int
}

// Run drives the processor until ctx ends or too many cycles fail. Either
// way it stops the processor at once and waits up to ShutdownGrace for the
// in-flight run to drain; a run still going after that has its context
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// runs see a context that outlives the signal so a batch drains through
	// Stop instead of aborting mid-charge
	runCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	mainDone := make(chan error, 1)
	spawn(func() { mainDone <- w.mainLoop(loopCtx, runCtx) })
	spawn(func() { w.RunWS(loopCtx) })
	spawn(func() {
		w.periodic(loopCtx, "recovery", 0, w.RecoveryInterval, func() error { return w.Processor.RunRecovery(runCtx) })
	})
	spawn(func() {
		w.periodic(loopCtx, "webhook_retry", w.WebhookRetryInterval, w.WebhookRetryInterval, func() error { return w.Processor.RunWebhookRetry(runCtx) })
	})

	var err error
	select {
	case <-ctx.Done():
	case err = <-mainDone:
	}

	w.Log.Info().Msg("worker stopping")
	w.Processor.Stop()
	cancel()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	grace := time.NewTimer(w.shutdownGrace())
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		w.Log.Warn().Dur("grace", w.shutdownGrace()).Msg("settlement run still in progress after grace period")
		abort()
	}
	return err
}

func (w *Worker) shutdownGrace() time.Duration {
	if w.ShutdownGrace > 0 {
		return w.ShutdownGrace
	}
	return 30 * time.Second
}

func (w *Worker) mainLoop(ctx, runCtx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-w.wakeCh():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		err := w.Processor.RunCycle(runCtx)
		if errors.Is(err, settlement.ErrStopping) {
			return nil
		}
		if err := w.record(ctx, err); err != nil {
			return err
		}
		timer.Reset(w.nextDelay(w.failures))
	}
}

// record updates the failure streak after a cycle. It returns
// ErrTooManyFailures once the streak passes the limit.
func (w *Worker) record(ctx context.Context, err error) error {
	switch {
	case err == nil:
		if w.failures > 0 {
			w.Log.Info().Int("failures", w.failures).Msg("settlement cycle recovered")
		}
		w.failures = 0
	case errors.Is(err, settlement.ErrBusy):
		return nil
	default:
		w.failures++
		w.Log.Error().Err(err).Int("failures", w.failures).Dur("next_in", w.nextDelay(w.failures)).Msg("settlement cycle failed")
		w.reconnectOn(ctx, err)
	}
	metrics.ConsecutiveFailures.Set(float64(w.failures))
	if w.MaxConsecutiveFailures > 0 && w.failures > w.MaxConsecutiveFailures {
		return fmt.Errorf("%w: %d", ErrTooManyFailures, w.failures)
	}
	return nil
}

// nextDelay is PollInterval * multiplier^min(failures, cap), bounded by the
// ceiling.
func (w *Worker) nextDelay(failures int) time.Duration {
	base := w.PollInterval
	if failures <= 0 || w.BackoffMultiplier <= 1 {
		return base
	}
	exp := failures
	if w.BackoffCap > 0 && exp > w.BackoffCap {
		exp = w.BackoffCap
	}
	d := float64(base) * math.Pow(w.BackoffMultiplier, float64(exp))
	if w.BackoffCeiling > 0 && d > float64(w.BackoffCeiling) {
		return w.BackoffCeiling
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (w *Worker) reconnectOn(ctx context.Context, err error) {
	if w.Health == nil || w.IsConnErr == nil || !w.IsConnErr(err) {
		return
	}
	w.Log.Warn().Msg("storage connection lost, reconnecting")
	if rerr := w.Health.Reconnect(ctx); rerr != nil {
		w.Log.Error().Err(rerr).Msg("storage reconnect failed")
		return
	}
	w.Log.Info().Msg("storage reconnected")
}

// periodic runs fn after first, then every interval. A run that finds the
// processor busy is retried after BusyRetry.
func (w *Worker) periodic(ctx context.Context, name string, first, interval time.Duration, fn func() error) {
	if interval <= 0 {
		w.Log.Info().Str("loop", name).Msg("loop disabled")
		return
	}
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := interval
		err := fn()
		switch {
		case err == nil:
		case errors.Is(err, settlement.ErrStopping):
			return
		case errors.Is(err, settlement.ErrBusy):
			next = w.busyRetry()
		default:
			w.Log.Error().Err(err).Str("loop", name).Msg("settlement run failed")
			w.reconnectOn(ctx, err)
		}
		timer.Reset(next)
	}
}

func (w *Worker) busyRetry() time.Duration {
	if w.BusyRetry > 0 {
		return w.BusyRetry
	}
	return 5 * time.Second
}

func (w *Worker) wakeCh() chan struct{} {
	w.wakeOnce.Do(func() {
		w.wake = make(chan struct{}, 1)
	})
	return w.wake
}

// Wake asks the main loop to start a cycle now. Extra wake-ups while one is
// pending are dropped.
func (w *Worker) Wake() {
	select {
	case w.wakeCh() <- struct{}{}:
	default:
	}
}
