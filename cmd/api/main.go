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
	"StxPayGateway/internal/payments"
	"StxPayGateway/internal/pricing"
	"StxPayGateway/internal/retry"
	"StxPayGateway/internal/services"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.Setup("api", cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := backend.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, 10, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store open failed")
	}
	defer be.Close()

	pricingSvc, err := pricing.NewFixed(cfg.Pricing.FixedUSDRate)
	if err != nil {
		logger.Fatal().Err(err).Msg("pricing config invalid")
	}
	version := chain.VersionFor(cfg.Wallet.Network)

	indexer, err := chain.NewMultiIndexer(cfg.Chain.IndexerEndpoints, cfg.Chain.FailoverThreshold, cfg.Chain.RequestTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("indexer config invalid")
	}
	broadcaster := &chain.Broadcaster{
		Signer:  chain.NewSignerClient(cfg.Chain.SignerURL, cfg.Chain.RequestTimeout),
		Poster:  indexer,
		Asset:   cfg.Asset(),
		Network: cfg.Wallet.Network,
		Retry:   retry.Policy{Attempts: 3, Delay: retry.Exponential(time.Second, 8*time.Second)},
		Log:     logger,
	}
	funder, err := payments.NewFeeFunder(broadcaster, cfg.Wallet.FeeTreasuryKey, version, cfg.Wallet.FeeTopupMicroSTX, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("fee treasury key invalid")
	}

	chargeSvc := &services.ChargeService{
		Store:     be.Store,
		Deriver:   chain.KeyDeriver{XPrv: cfg.Wallet.XPrv, Version: version},
		Pricing:   pricingSvc,
		Publisher: be.Publisher,
		MinAmount: cfg.Charges.MinAmount,
		TTL:       cfg.ChargeTTL(),
		Log:       logger,
	}
	if funder != nil {
		chargeSvc.Fees = funder
	}

	srv := internalhttp.NewServer(internalhttp.NewHandler(chargeSvc, logger), internalhttp.ServerOptions{
		RateRPS:   cfg.Server.RateRPS,
		RateBurst: cfg.Server.RateBurst,
		Health:    be.Store,
		Log:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("network", cfg.Wallet.Network).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api shutting down")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
