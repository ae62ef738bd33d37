package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"StxPayGateway/internal/backend"
	"StxPayGateway/internal/chain"
	"StxPayGateway/internal/config"
	internalhttp "StxPayGateway/internal/http"
	"StxPayGateway/internal/logging"
	"StxPayGateway/internal/retry"
	"StxPayGateway/internal/settlement"
	"StxPayGateway/internal/store"
	"StxPayGateway/internal/webhook"
	"StxPayGateway/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.Setup("worker", cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := backend.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, 30, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store open failed")
	}
	defer be.Close()

	indexer, err := chain.NewMultiIndexer(cfg.Chain.IndexerEndpoints, cfg.Chain.FailoverThreshold, cfg.Chain.RequestTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("indexer config invalid")
	}
	wsEndpoints := cfg.Chain.WSEndpoints
	if len(wsEndpoints) == 0 {
		for _, ep := range cfg.Chain.IndexerEndpoints {
			if ws := chain.DefaultWSEndpoint(ep); ws != "" {
				wsEndpoints = append(wsEndpoints, ws)
			}
		}
	}

	proc := &settlement.Processor{
		Repo: be.Store,
		Balances: &chain.BalanceOracle{
			Source: indexer,
			Asset:  cfg.Asset(),
			Retry:  retry.Policy{Attempts: 3, Delay: retry.Exponential(time.Second, 4*time.Second)},
			Log:    logger,
		},
		TxStatus: &chain.StatusChecker{
			Source: indexer,
			Retry:  retry.Policy{Attempts: 3, Delay: retry.Linear(2 * time.Second)},
			Log:    logger,
		},
		Payouts: &chain.Broadcaster{
			Signer:  chain.NewSignerClient(cfg.Chain.SignerURL, cfg.Chain.RequestTimeout),
			Poster:  indexer,
			Asset:   cfg.Asset(),
			Network: cfg.Wallet.Network,
			Retry:   retry.Policy{Attempts: 3, Delay: retry.Exponential(time.Second, 8*time.Second)},
			Log:     logger,
		},
		Webhooks:  webhook.NewSender(be.Store, cfg.Webhook.Attempts, cfg.Webhook.Step, cfg.Webhook.Timeout, logger),
		Publisher: be.Publisher,
		IsConnErr: store.IsConnectionError,
		Log:       logger,
		Options: settlement.Options{
			BatchSize:          cfg.Worker.BatchSize,
			ItemDelay:          cfg.Worker.ItemDelay,
			PendingTimeout:     cfg.Worker.PendingTimeout,
			StaleAfter:         cfg.Worker.StaleAfter,
			GiveUpAfter:        cfg.Worker.GiveUpAfter,
			MaxWebhookAttempts: cfg.Worker.WebhookMaxAttempts,
		},
	}

	w := &worker.Worker{
		Processor:              proc,
		Health:                 be.Store,
		IsConnErr:              store.IsConnectionError,
		Log:                    logger,
		PollInterval:           cfg.Worker.PollInterval,
		RecoveryInterval:       cfg.Worker.RecoveryInterval,
		WebhookRetryInterval:   cfg.Worker.WebhookRetryInterval,
		BackoffMultiplier:      cfg.Worker.BackoffMultiplier,
		BackoffCap:             cfg.Worker.BackoffCap,
		BackoffCeiling:         cfg.Worker.BackoffCeiling,
		MaxConsecutiveFailures: cfg.Worker.MaxConsecutiveFailures,
		ShutdownGrace:          cfg.Worker.ShutdownGrace,
		WSEndpoints:            wsEndpoints,
		WSFailoverThreshold:    cfg.Chain.FailoverThreshold,
	}

	var admin *http.Server
	if cfg.Worker.MetricsAddr != "" {
		admin = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           internalhttp.NewAdminRouter(be.Store),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("admin server error")
			}
		}()
	}

	logger.Info().
		Str("indexer", indexer.BaseURL()).
		Str("asset", cfg.Asset()).
		Dur("poll_interval", cfg.Worker.PollInterval).
		Msg("worker started")
	runErr := w.Run(ctx)

	if admin != nil {
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = admin.Shutdown(ctxShutdown)
		cancel()
	}
	if runErr != nil {
		be.Close()
		logger.Fatal().Err(runErr).Msg("worker exited")
	}
	logger.Info().Msg("worker stopped")
}
