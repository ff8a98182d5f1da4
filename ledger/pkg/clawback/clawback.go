// Package clawback reverses credit that should never have been minted:
// fraudulent deposits, chargebacks, mistaken grants. Whatever the account
// still holds is pulled back immediately, newest lot first; the shortfall
// becomes a receivable that future earnings pay down before the account
// sees them.
package clawback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthworks/tally/ledger/pkg/outbox"
	"github.com/hearthworks/tally/ledger/pkg/store"
)

var ErrValidation = errors.New("validation failed")

type Receivable struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	SourceRef     string
	OriginalMicro int64
	BalanceMicro  int64
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// ApplyResult reports how an original clawback amount split between the
// immediate reversal and the receivable. AppliedMicro plus the receivable
// balance always equals the original amount. Duplicate is true when the
// source reference was already processed and the stored outcome is
// replayed.
type ApplyResult struct {
	AppliedMicro int64
	Receivable   *Receivable
	Duplicate    bool
}

// DripResult reports how incoming earnings split between receivable
// paydown and credit actually minted.
type DripResult struct {
	WithheldMicro int64
	CreditedMicro int64
	ResolvedIDs   []uuid.UUID
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Store  *store.Store
	Outbox *outbox.Emitter
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
	return nil
}

type Engine struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	store *store.Store
	ob    *outbox.Emitter
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, pool: cfg.Pool, store: cfg.Store, ob: cfg.Outbox}, nil
}

// Apply claws back originalMicro from the account. The reversal takes
// whatever the lots still hold, newest first; any shortfall opens a
// receivable. One transaction covers the reversal, the receivable and the
// event. The source reference is unique: a redelivered chargeback reverses
// nothing and returns the original result with Duplicate=true.
func (e *Engine) Apply(ctx context.Context, accountID uuid.UUID, originalMicro int64, reason, sourceRef string) (ApplyResult, error) {
	if originalMicro <= 0 {
		return ApplyResult{}, fmt.Errorf("%w: clawback amount must be positive, got %d", ErrValidation, originalMicro)
	}
	if reason == "" {
		return ApplyResult{}, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if sourceRef == "" {
		return ApplyResult{}, fmt.Errorf("%w: source reference is required", ErrValidation)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Claim the source reference before touching any lot. A concurrent
	// insert with the same reference blocks here until the winner commits,
	// so the loser always lands on the replay path.
	clawbackID := uuid.New()
	tag, err := tx.Exec(ctx, `
		INSERT INTO clawbacks (id, account_id, source_ref, original_micro, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_ref) DO NOTHING
	`, clawbackID, accountID, sourceRef, originalMicro, reason)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to record clawback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return e.replayApply(ctx, sourceRef)
	}

	applied, err := e.store.ReverseNewestInTx(ctx, tx, accountID, originalMicro, sourceRef)
	if err != nil {
		return ApplyResult{}, err
	}

	result := ApplyResult{AppliedMicro: applied}
	if shortfall := originalMicro - applied; shortfall > 0 {
		r := Receivable{
			ID:            uuid.New(),
			AccountID:     accountID,
			SourceRef:     sourceRef,
			OriginalMicro: shortfall,
			BalanceMicro:  shortfall,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO clawback_receivables (id, account_id, source_ref, original_micro, balance_micro)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		`, r.ID, r.AccountID, r.SourceRef, r.OriginalMicro, r.BalanceMicro).Scan(&r.CreatedAt); err != nil {
			return ApplyResult{}, fmt.Errorf("failed to open receivable: %w", err)
		}
		result.Receivable = &r
	}

	var receivableID *uuid.UUID
	if result.Receivable != nil {
		receivableID = &result.Receivable.ID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE clawbacks SET applied_micro = $1, receivable_id = $2 WHERE id = $3
	`, applied, receivableID, clawbackID); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to record clawback outcome: %w", err)
	}

	if err := e.ob.EmitInTx(ctx, tx, outbox.Event{
		Type:           "clawback.applied",
		EntityType:     "account",
		EntityID:       accountID.String(),
		IdempotencyKey: "clawback:" + sourceRef,
		Payload: map[string]any{
			"original_micro": originalMicro,
			"applied_micro":  applied,
			"reason":         reason,
		},
	}); err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit clawback: %w", err)
	}

	e.log.Info("clawback: applied",
		"account_id", accountID, "original_micro", originalMicro, "applied_micro", applied, "reason", reason)
	return result, nil
}

// replayApply reconstructs the stored outcome of an already processed
// source reference.
func (e *Engine) replayApply(ctx context.Context, sourceRef string) (ApplyResult, error) {
	var applied int64
	var receivableID *uuid.UUID
	if err := e.pool.QueryRow(ctx, `
		SELECT applied_micro, receivable_id FROM clawbacks WHERE source_ref = $1
	`, sourceRef).Scan(&applied, &receivableID); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to load clawback by source reference: %w", err)
	}

	result := ApplyResult{AppliedMicro: applied, Duplicate: true}
	if receivableID != nil {
		var r Receivable
		if err := e.pool.QueryRow(ctx, `
			SELECT id, account_id, source_ref, original_micro, balance_micro, created_at, resolved_at
			FROM clawback_receivables WHERE id = $1
		`, *receivableID).Scan(&r.ID, &r.AccountID, &r.SourceRef, &r.OriginalMicro, &r.BalanceMicro, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return ApplyResult{}, fmt.Errorf("failed to load receivable %s: %w", *receivableID, err)
		}
		result.Receivable = &r
	}
	return result, nil
}

// Drip routes incoming earnings through the account's open receivables,
// oldest first, before any credit is minted. A receivable reaching zero is
// stamped resolved in the same statement. Only the remainder after paydown
// reaches the account.
func (e *Engine) Drip(ctx context.Context, accountID uuid.UUID, earningsMicro int64, reference string) (DripResult, error) {
	if earningsMicro <= 0 {
		return DripResult{}, fmt.Errorf("%w: earnings must be positive, got %d", ErrValidation, earningsMicro)
	}
	if reference == "" {
		return DripResult{}, fmt.Errorf("%w: reference is required", ErrValidation)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return DripResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, balance_micro FROM clawback_receivables
		WHERE account_id = $1 AND resolved_at IS NULL
		ORDER BY created_at, id
		FOR UPDATE
	`, accountID)
	if err != nil {
		return DripResult{}, fmt.Errorf("failed to lock receivables: %w", err)
	}
	type receivableRow struct {
		id      uuid.UUID
		balance int64
	}
	var open []receivableRow
	for rows.Next() {
		var r receivableRow
		if err := rows.Scan(&r.id, &r.balance); err != nil {
			rows.Close()
			return DripResult{}, fmt.Errorf("failed to scan receivable: %w", err)
		}
		open = append(open, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DripResult{}, fmt.Errorf("failed to iterate receivables: %w", err)
	}

	var result DripResult
	left := earningsMicro
	for _, r := range open {
		if left == 0 {
			break
		}
		pay := min(left, r.balance)
		var resolvedAt *time.Time
		if err := tx.QueryRow(ctx, `
			UPDATE clawback_receivables
			SET balance_micro = balance_micro - $1,
			    resolved_at = CASE WHEN balance_micro - $1 = 0 THEN now() ELSE NULL END
			WHERE id = $2
			RETURNING resolved_at
		`, pay, r.id).Scan(&resolvedAt); err != nil {
			return DripResult{}, fmt.Errorf("failed to pay down receivable %s: %w", r.id, err)
		}
		if resolvedAt != nil {
			result.ResolvedIDs = append(result.ResolvedIDs, r.id)
		}
		result.WithheldMicro += pay
		left -= pay
	}

	if left > 0 {
		if _, err := e.store.MintDripInTx(ctx, tx, accountID, left, reference); err != nil {
			return DripResult{}, err
		}
		result.CreditedMicro = left
	}

	if result.WithheldMicro > 0 {
		if err := e.ob.EmitInTx(ctx, tx, outbox.Event{
			Type:           "clawback.dripped",
			EntityType:     "account",
			EntityID:       accountID.String(),
			IdempotencyKey: "drip:" + reference,
			Payload: map[string]any{
				"withheld_micro": result.WithheldMicro,
				"credited_micro": result.CreditedMicro,
			},
		}); err != nil {
			return DripResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return DripResult{}, fmt.Errorf("failed to commit drip: %w", err)
	}

	if result.WithheldMicro > 0 {
		e.log.Info("clawback: earnings withheld",
			"account_id", accountID, "withheld_micro", result.WithheldMicro, "credited_micro", result.CreditedMicro)
	}
	return result, nil
}

// OpenBalance returns the sum of unresolved receivable balances, optionally
// scoped to one account.
func (e *Engine) OpenBalance(ctx context.Context, accountID *uuid.UUID) (int64, error) {
	var total int64
	var err error
	if accountID != nil {
		err = e.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(balance_micro), 0) FROM clawback_receivables
			WHERE resolved_at IS NULL AND account_id = $1
		`, *accountID).Scan(&total)
	} else {
		err = e.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(balance_micro), 0) FROM clawback_receivables
			WHERE resolved_at IS NULL
		`).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to sum open receivables: %w", err)
	}
	return total, nil
}

// Open lists the account's unresolved receivables, oldest first.
func (e *Engine) Open(ctx context.Context, accountID uuid.UUID) ([]Receivable, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, account_id, source_ref, original_micro, balance_micro, created_at, resolved_at
		FROM clawback_receivables
		WHERE account_id = $1 AND resolved_at IS NULL
		ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query receivables: %w", err)
	}
	defer rows.Close()

	var out []Receivable
	for rows.Next() {
		var r Receivable
		if err := rows.Scan(&r.ID, &r.AccountID, &r.SourceRef, &r.OriginalMicro, &r.BalanceMicro, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receivable: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
