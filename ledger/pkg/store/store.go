// Package store owns the accounts, lots, reservations and ledger entry rows.
// Every other component mutates them only through the operations here; each
// operation is a single atomic transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/hearthworks/tally/ledger/pkg/outbox"
)

const defaultReservationTTL = 15 * time.Minute

// BudgetGate decides whether an account may start a new spend. The budget
// breaker implements it; a nil gate leaves reservations unconstrained.
type BudgetGate interface {
	CheckBudget(ctx context.Context, accountID uuid.UUID, amountMicro int64) error
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
	Outbox *outbox.Emitter
	Budget BudgetGate

	// ReservationTTL is how long a pending reservation may live before the
	// expiry sweep force-releases it.
	ReservationTTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Outbox == nil {
		return errors.New("outbox emitter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	return nil
}

type Store struct {
	log    *slog.Logger
	cfg    Config
	pool   *pgxpool.Pool
	clock  clockwork.Clock
	outbox *outbox.Emitter
	budget BudgetGate
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		cfg:    cfg,
		pool:   cfg.Pool,
		clock:  cfg.Clock,
		outbox: cfg.Outbox,
		budget: cfg.Budget,
	}, nil
}

// Pool exposes the underlying pool for components that join the store's
// transactions (distribution, payout, clawback).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateAccount creates an account of the given entity kind.
func (s *Store) CreateAccount(ctx context.Context, kind AccountKind) (Account, error) {
	if !kind.Valid() {
		return Account{}, fmt.Errorf("%w: unknown account kind %q", ErrValidation, kind)
	}
	account := Account{ID: uuid.New(), Kind: kind}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, kind) VALUES ($1, $2)
		RETURNING created_at
	`, account.ID, account.Kind).Scan(&account.CreatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	var account Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, created_at FROM accounts WHERE id = $1
	`, id).Scan(&account.ID, &account.Kind, &account.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// Balance returns the account's derived balance: the sum of its lot
// remainders.
func (s *Store) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining_micro), 0) FROM lots WHERE account_id = $1
	`, accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to derive balance: %w", err)
	}
	return balance, nil
}

// GetReservation fetches a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	var r Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, amount_micro, status, idempotency_key, created_at, updated_at
		FROM reservations WHERE id = $1
	`, id).Scan(&r.ID, &r.AccountID, &r.AmountMicro, &r.Status, &r.IdempotencyKey, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// Entries returns the most recent ledger entries for an account.
func (s *Store) Entries(ctx context.Context, accountID uuid.UUID, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, entry_type, amount_micro, reservation_id, lot_id, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.AmountMicro, &e.ReservationID, &e.LotID, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, entryType EntryType, amount int64, reservationID, lotID *uuid.UUID, reference string) error {
	var ref *string
	if reference != "" {
		ref = &reference
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, entry_type, amount_micro, reservation_id, lot_id, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), accountID, entryType, amount, reservationID, lotID, ref)
	if err != nil {
		return fmt.Errorf("failed to insert %s entry: %w", entryType, err)
	}
	return nil
}
