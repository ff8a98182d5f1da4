// Package payout controls the drain side of the ledger: requests to move
// balance out to an external rail, their approval workflow, and the
// treasury reserve that backs them. A payout holds its amount in a
// reservation from the moment it is requested, so the balance cannot be
// spent twice between request and completion.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthworks/tally/ledger/pkg/outbox"
	"github.com/hearthworks/tally/ledger/pkg/store"
	"github.com/hearthworks/tally/utils/pkg/retry"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusQuarantined Status = "quarantined"
)

// terminal statuses admit no further transition.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusQuarantined:
		return true
	}
	return false
}

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("payout not found")
	ErrInvalidState = errors.New("payout is not in a valid state for this transition")
	ErrConcurrency  = errors.New("treasury version conflict")
	ErrReserveFloor = errors.New("treasury reserve would fall below the receivable floor")
)

type Payout struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	AmountMicro    int64
	FeeMicro       int64
	NetMicro       int64
	Status         Status
	IdempotencyKey string
	ReservationID  uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RequestResult reports whether the request minted a new payout or replayed
// an existing one.
type RequestResult struct {
	Payout  Payout
	Created bool
}

// Treasury is the singleton reserve row guarded by an optimistic version.
type Treasury struct {
	Version      int64
	ReserveMicro int64
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Store  *store.Store
	Outbox *outbox.Emitter

	// Retry bounds the treasury CAS loop.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Outbox == nil {
		return errors.New("outbox emitter is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Controller struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	store *store.Store
	ob    *outbox.Emitter
	retry retry.Config
}

func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		log:   cfg.Logger,
		pool:  cfg.Pool,
		store: cfg.Store,
		ob:    cfg.Outbox,
		retry: cfg.Retry,
	}, nil
}

const selectPayoutSQL = `
	SELECT id, account_id, amount_micro, fee_micro, net_micro, status,
	       idempotency_key, reservation_id, created_at, updated_at
	FROM payout_requests
`

func scanPayout(row pgx.Row) (Payout, error) {
	var p Payout
	err := row.Scan(&p.ID, &p.AccountID, &p.AmountMicro, &p.FeeMicro, &p.NetMicro,
		&p.Status, &p.IdempotencyKey, &p.ReservationID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payout{}, ErrNotFound
	}
	if err != nil {
		return Payout{}, fmt.Errorf("failed to scan payout: %w", err)
	}
	return p, nil
}

// Request opens a pending payout and holds amountMicro from the account.
// Replaying the same idempotency key returns the existing payout with
// Created=false; the hold is shared because the reservation keys off the
// same idempotency key. If the process dies between the hold and the payout
// insert, the orphaned hold ages out through the reservation expiry sweep.
func (c *Controller) Request(ctx context.Context, accountID uuid.UUID, amountMicro, feeMicro int64, idempotencyKey string) (RequestResult, error) {
	if amountMicro <= 0 {
		return RequestResult{}, fmt.Errorf("%w: payout amount must be positive, got %d", ErrValidation, amountMicro)
	}
	if feeMicro < 0 {
		return RequestResult{}, fmt.Errorf("%w: fee must not be negative, got %d", ErrValidation, feeMicro)
	}
	net := amountMicro - feeMicro
	if net <= 0 {
		return RequestResult{}, fmt.Errorf("%w: net after fee must be positive, got %d", ErrValidation, net)
	}
	if idempotencyKey == "" {
		return RequestResult{}, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}

	if existing, err := c.byKey(ctx, idempotencyKey); err == nil {
		return RequestResult{Payout: existing, Created: false}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return RequestResult{}, err
	}

	res, err := c.store.Reserve(ctx, accountID, amountMicro, "payout:"+idempotencyKey)
	if err != nil {
		return RequestResult{}, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return RequestResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New()
	tag, err := tx.Exec(ctx, `
		INSERT INTO payout_requests (id, account_id, amount_micro, fee_micro, net_micro, status, idempotency_key, reservation_id)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id, accountID, amountMicro, feeMicro, net, idempotencyKey, res.Reservation.ID)
	if err != nil {
		return RequestResult{}, fmt.Errorf("failed to insert payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the insert race; the winner holds the same reservation.
		existing, err := c.byKey(ctx, idempotencyKey)
		if err != nil {
			return RequestResult{}, err
		}
		return RequestResult{Payout: existing, Created: false}, nil
	}

	if err := c.ob.EmitInTx(ctx, tx, outbox.Event{
		Type:           "payout.requested",
		EntityType:     "payout",
		EntityID:       id.String(),
		IdempotencyKey: "payout-requested:" + idempotencyKey,
		Payload: map[string]any{
			"account_id":   accountID,
			"amount_micro": amountMicro,
			"fee_micro":    feeMicro,
			"net_micro":    net,
		},
	}); err != nil {
		return RequestResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RequestResult{}, fmt.Errorf("failed to commit payout request: %w", err)
	}

	payout, err := c.Get(ctx, id)
	if err != nil {
		return RequestResult{}, err
	}
	c.log.Info("payout: requested", "payout_id", id, "account_id", accountID, "amount_micro", amountMicro)
	return RequestResult{Payout: payout, Created: true}, nil
}

func (c *Controller) Get(ctx context.Context, id uuid.UUID) (Payout, error) {
	return scanPayout(c.pool.QueryRow(ctx, selectPayoutSQL+`WHERE id = $1`, id))
}

func (c *Controller) byKey(ctx context.Context, key string) (Payout, error) {
	return scanPayout(c.pool.QueryRow(ctx, selectPayoutSQL+`WHERE idempotency_key = $1`, key))
}

// Approve moves a pending payout to approved.
func (c *Controller) Approve(ctx context.Context, id uuid.UUID) (Payout, error) {
	return c.transition(ctx, id, []Status{StatusPending}, StatusApproved, holdKeep)
}

// MarkProcessing moves an approved payout to processing, the point where
// the external rail has been instructed.
func (c *Controller) MarkProcessing(ctx context.Context, id uuid.UUID) (Payout, error) {
	return c.transition(ctx, id, []Status{StatusApproved}, StatusProcessing, holdKeep)
}

// Complete finishes a processing payout and consumes the held funds.
func (c *Controller) Complete(ctx context.Context, id uuid.UUID) (Payout, error) {
	return c.transition(ctx, id, []Status{StatusProcessing}, StatusCompleted, holdFinalize)
}

// Fail terminates a processing payout; the held funds return to the account.
func (c *Controller) Fail(ctx context.Context, id uuid.UUID) (Payout, error) {
	return c.transition(ctx, id, []Status{StatusProcessing}, StatusFailed, holdRelease)
}

// Cancel withdraws a payout that has not started processing.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID) (Payout, error) {
	return c.transition(ctx, id, []Status{StatusPending, StatusApproved}, StatusCancelled, holdRelease)
}

// Quarantine pulls a suspicious payout out of the flow from any pre-terminal
// state. Quarantine is terminal; recovery is a fresh request.
func (c *Controller) Quarantine(ctx context.Context, id uuid.UUID) (Payout, error) {
	return c.transition(ctx, id, []Status{StatusPending, StatusApproved, StatusProcessing}, StatusQuarantined, holdRelease)
}

type holdAction int

const (
	holdKeep holdAction = iota
	holdFinalize
	holdRelease
)

// transition locks the payout row, validates the edge, updates the status
// and settles the reservation hold, all in one transaction.
func (c *Controller) transition(ctx context.Context, id uuid.UUID, from []Status, to Status, action holdAction) (Payout, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Payout{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayout(tx.QueryRow(ctx, selectPayoutSQL+`WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Payout{}, err
	}
	allowed := false
	for _, s := range from {
		if p.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return Payout{}, fmt.Errorf("payout %s is %s: %w", id, p.Status, ErrInvalidState)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE payout_requests SET status = $2, updated_at = now() WHERE id = $1
	`, id, to); err != nil {
		return Payout{}, fmt.Errorf("failed to update payout status: %w", err)
	}

	switch action {
	case holdFinalize:
		if err := c.store.FinalizeInTx(ctx, tx, p.ReservationID, p.AmountMicro); err != nil {
			return Payout{}, fmt.Errorf("failed to consume payout hold: %w", err)
		}
	case holdRelease:
		if err := c.store.ReleaseInTx(ctx, tx, p.ReservationID); err != nil {
			return Payout{}, fmt.Errorf("failed to release payout hold: %w", err)
		}
	}

	if err := c.ob.EmitInTx(ctx, tx, outbox.Event{
		Type:           "payout." + string(to),
		EntityType:     "payout",
		EntityID:       id.String(),
		IdempotencyKey: fmt.Sprintf("payout-%s:%s", to, p.IdempotencyKey),
		Payload:        map[string]any{"account_id": p.AccountID, "amount_micro": p.AmountMicro},
	}); err != nil {
		return Payout{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payout{}, fmt.Errorf("failed to commit payout transition: %w", err)
	}

	c.log.Info("payout: transition", "payout_id", id, "from", p.Status, "to", to)
	return c.Get(ctx, id)
}

// TreasuryState returns the current reserve and its version.
func (c *Controller) TreasuryState(ctx context.Context) (Treasury, error) {
	var t Treasury
	err := c.pool.QueryRow(ctx, `
		SELECT version, reserve_micro FROM treasury_state WHERE id = 1
	`).Scan(&t.Version, &t.ReserveMicro)
	if err != nil {
		return Treasury{}, fmt.Errorf("failed to read treasury state: %w", err)
	}
	return t, nil
}

// AdjustReserve applies a delta to the treasury reserve under optimistic
// concurrency: read the version, write conditionally on it, retry with
// backoff on a conflict. A withdrawal that would push the reserve below the
// sum of open clawback receivables fails with ErrReserveFloor.
func (c *Controller) AdjustReserve(ctx context.Context, delta int64) (Treasury, error) {
	var out Treasury
	err := retry.Do(ctx, c.retry, func() error {
		t, err := c.adjustOnce(ctx, delta)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		if errors.Is(err, errVersionTaken) {
			return Treasury{}, fmt.Errorf("reserve adjustment lost %d races: %w", c.retry.MaxAttempts, ErrConcurrency)
		}
		return Treasury{}, err
	}
	return out, nil
}

// errVersionTaken message matches the retry package's retryable patterns so
// the CAS loop backs off between attempts.
var errVersionTaken = errors.New("treasury version conflict")

func (c *Controller) adjustOnce(ctx context.Context, delta int64) (Treasury, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Treasury{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var t Treasury
	if err := tx.QueryRow(ctx, `
		SELECT version, reserve_micro FROM treasury_state WHERE id = 1
	`).Scan(&t.Version, &t.ReserveMicro); err != nil {
		return Treasury{}, fmt.Errorf("failed to read treasury state: %w", err)
	}

	next := t.ReserveMicro + delta
	if next < 0 {
		return Treasury{}, fmt.Errorf("%w: reserve would go to %d", ErrValidation, next)
	}

	var floor int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(balance_micro), 0) FROM clawback_receivables WHERE resolved_at IS NULL
	`).Scan(&floor); err != nil {
		return Treasury{}, fmt.Errorf("failed to read receivable floor: %w", err)
	}
	if delta < 0 && next < floor {
		return Treasury{}, fmt.Errorf("reserve %d would fall below open receivables %d: %w", next, floor, ErrReserveFloor)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE treasury_state SET version = version + 1, reserve_micro = $2
		WHERE id = 1 AND version = $1
	`, t.Version, next)
	if err != nil {
		return Treasury{}, fmt.Errorf("failed to update treasury state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Treasury{}, errVersionTaken
	}

	if err := tx.Commit(ctx); err != nil {
		return Treasury{}, fmt.Errorf("failed to commit treasury adjustment: %w", err)
	}

	c.log.Debug("payout: reserve adjusted", "delta", delta, "reserve_micro", next, "version", t.Version+1)
	return Treasury{Version: t.Version + 1, ReserveMicro: next}, nil
}
