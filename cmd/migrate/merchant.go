package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"StxPayGateway/internal/backend"
	"StxPayGateway/internal/chain"
	"StxPayGateway/internal/models"
	"StxPayGateway/internal/store"
)

var merchantFlags struct {
	id            string
	name          string
	payout        string
	webhookURL    string
	webhookSecret string
}

var merchantCmd = &cobra.Command{
	Use:   "merchant",
	Short: "Manage merchants",
}

var merchantAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a merchant",
	Example: `  migrate merchant add --id m_1 --name Acme \
    --payout SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7 \
    --webhook-url https://acme.example/hooks --webhook-secret s3cret`,
	RunE: runMerchantAdd,
}

func init() {
	f := merchantAddCmd.Flags()
	f.StringVar(&merchantFlags.id, "id", "", "merchant id (X-Merchant-Id)")
	f.StringVar(&merchantFlags.name, "name", "", "display name")
	f.StringVar(&merchantFlags.payout, "payout", "", "payout STX address")
	f.StringVar(&merchantFlags.webhookURL, "webhook-url", "", "completion webhook endpoint")
	f.StringVar(&merchantFlags.webhookSecret, "webhook-secret", "", "webhook signing secret")
	_ = merchantAddCmd.MarkFlagRequired("id")
	_ = merchantAddCmd.MarkFlagRequired("name")
	merchantCmd.AddCommand(merchantAddCmd)
}

type merchantWriter interface {
	CreateMerchant(ctx context.Context, m *models.Merchant) error
}

func runMerchantAdd(cmd *cobra.Command, _ []string) error {
	m, err := merchantFromFlags()
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	be, err := backend.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, 10, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	w, ok := be.Store.(merchantWriter)
	if !ok {
		return fmt.Errorf("driver %s cannot create merchants", cfg.DB.Driver)
	}
	if err := w.CreateMerchant(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("merchant %s already exists", m.ID)
		}
		return err
	}
	logger.Info().Str("merchant_id", m.ID).Bool("webhook", m.WebhookConfigured()).Msg("merchant created")
	return nil
}

func merchantFromFlags() (*models.Merchant, error) {
	m := &models.Merchant{ID: merchantFlags.id, Name: merchantFlags.name}
	if merchantFlags.payout != "" {
		if err := chain.ValidateAddress(merchantFlags.payout); err != nil {
			return nil, fmt.Errorf("payout address: %w", err)
		}
		m.PayoutStxAddress = &merchantFlags.payout
	}
	if (merchantFlags.webhookURL == "") != (merchantFlags.webhookSecret == "") {
		return nil, errors.New("--webhook-url and --webhook-secret go together")
	}
	if merchantFlags.webhookURL != "" {
		m.WebhookURL = &merchantFlags.webhookURL
		m.WebhookSecret = &merchantFlags.webhookSecret
	}
	return m, nil
}
