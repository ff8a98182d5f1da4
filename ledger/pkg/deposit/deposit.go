// Package deposit bridges external payment events into ledger credit.
// Webhook deliveries and on-chain detections both end in a minted lot; the
// payment reference deduplicates, so redelivery is harmless.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hearthworks/tally/api/metrics"
	"github.com/hearthworks/tally/ledger/pkg/store"
	"github.com/hearthworks/tally/utils/pkg/retry"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrUnconfirmed = errors.New("deposit detection below confirmation threshold")
)

// PaymentProof is a signature-verified payment delivered by a webhook.
type PaymentProof struct {
	Provider    string
	Reference   string
	AccountID   uuid.UUID
	AmountMicro int64
}

// DepositDetection is an on-chain transfer observed by the watcher.
type DepositDetection struct {
	TxSignature   string
	AccountID     uuid.UUID
	AmountMicro   int64
	Confirmations int
}

// Result reports the minted lot. Duplicate means the reference had already
// been credited and nothing was minted.
type Result struct {
	LotID     uuid.UUID
	Duplicate bool
}

type Config struct {
	Logger   *slog.Logger
	Store    *store.Store
	Provider Provider

	// ConfirmationThreshold gates on-chain detections.
	ConfirmationThreshold int

	// Retry covers the provider verification call, which may block on
	// network I/O. Verification is never skipped before minting credit.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Provider == nil {
		return errors.New("payment provider is required")
	}
	if cfg.ConfirmationThreshold <= 0 {
		cfg.ConfirmationThreshold = 12
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Bridge struct {
	log *slog.Logger
	cfg Config
}

func NewBridge(cfg Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bridge{log: cfg.Logger, cfg: cfg}, nil
}

// ProcessWebhook verifies the proof with the configured provider and mints
// the lot. Duplicate delivery of the same payment reference returns
// Duplicate=true with the original lot.
func (b *Bridge) ProcessWebhook(ctx context.Context, proof PaymentProof) (Result, error) {
	provider := b.cfg.Provider
	if proof.Provider != "" && proof.Provider != provider.Name() {
		metrics.WebhooksTotal.WithLabelValues(provider.Name(), "rejected").Inc()
		return Result{}, fmt.Errorf("%w: proof is for provider %q, bridge runs %q", ErrValidation, proof.Provider, provider.Name())
	}

	if err := retry.Do(ctx, b.cfg.Retry, func() error {
		return provider.Verify(ctx, proof)
	}); err != nil {
		metrics.WebhooksTotal.WithLabelValues(provider.Name(), "rejected").Inc()
		return Result{}, fmt.Errorf("verification failed: %w", err)
	}

	res, err := b.cfg.Store.Deposit(ctx, proof.AccountID, proof.AmountMicro, proof.Reference)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(provider.Name(), "error").Inc()
		return Result{}, err
	}

	if !res.Created {
		metrics.WebhooksTotal.WithLabelValues(provider.Name(), "duplicate").Inc()
		b.log.Info("deposit: duplicate webhook ignored", "provider", provider.Name(), "reference", proof.Reference)
		return Result{LotID: res.Lot.ID, Duplicate: true}, nil
	}

	metrics.WebhooksTotal.WithLabelValues(provider.Name(), "success").Inc()
	b.log.Info("deposit: credited",
		"provider", provider.Name(), "account_id", proof.AccountID,
		"amount_micro", proof.AmountMicro, "reference", proof.Reference)
	return Result{LotID: res.Lot.ID}, nil
}

// ProcessDetection credits an on-chain deposit once it has enough
// confirmations. Below the threshold the caller gets ErrUnconfirmed and
// should redeliver when the chain advances.
func (b *Bridge) ProcessDetection(ctx context.Context, det DepositDetection) (Result, error) {
	if det.TxSignature == "" {
		return Result{}, fmt.Errorf("%w: transaction signature is required", ErrValidation)
	}
	if det.AmountMicro <= 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive, got %d", ErrValidation, det.AmountMicro)
	}
	if det.Confirmations < b.cfg.ConfirmationThreshold {
		return Result{}, fmt.Errorf("%d of %d confirmations: %w",
			det.Confirmations, b.cfg.ConfirmationThreshold, ErrUnconfirmed)
	}

	res, err := b.cfg.Store.Deposit(ctx, det.AccountID, det.AmountMicro, "chain:"+det.TxSignature)
	if err != nil {
		return Result{}, err
	}
	if !res.Created {
		return Result{LotID: res.Lot.ID, Duplicate: true}, nil
	}

	b.log.Info("deposit: on-chain credit",
		"account_id", det.AccountID, "amount_micro", det.AmountMicro, "tx", det.TxSignature)
	return Result{LotID: res.Lot.ID}, nil
}
