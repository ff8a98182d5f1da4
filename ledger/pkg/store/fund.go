package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hearthworks/tally/ledger/pkg/outbox"
)

// Deposit mints a lot from a verified external payment. The payment
// reference is unique; a duplicate delivery returns the existing lot with
// Created=false and mints nothing.
func (s *Store) Deposit(ctx context.Context, accountID uuid.UUID, amountMicro int64, reference string) (DepositResult, error) {
	if amountMicro <= 0 {
		return DepositResult{}, fmt.Errorf("%w: deposit amount must be positive, got %d", ErrValidation, amountMicro)
	}
	if reference == "" {
		return DepositResult{}, fmt.Errorf("%w: payment reference is required", ErrValidation)
	}
	return s.mintLot(ctx, accountID, amountMicro, LotDeposit, reference, EntryDeposit, "credit.deposited")
}

// Grant mints a lot from an internal grant (referral rewards, campaign
// credit). Grant references deduplicate the same way deposits do.
func (s *Store) Grant(ctx context.Context, accountID uuid.UUID, amountMicro int64, reference string) (DepositResult, error) {
	if amountMicro <= 0 {
		return DepositResult{}, fmt.Errorf("%w: grant amount must be positive, got %d", ErrValidation, amountMicro)
	}
	if reference == "" {
		return DepositResult{}, fmt.Errorf("%w: grant reference is required", ErrValidation)
	}
	return s.mintLot(ctx, accountID, amountMicro, LotGrant, reference, EntryGrant, "credit.granted")
}

func (s *Store) mintLot(ctx context.Context, accountID uuid.UUID, amountMicro int64, source LotSource, reference string, entryType EntryType, eventType string) (DepositResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DepositResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lot := Lot{
		ID:             uuid.New(),
		AccountID:      accountID,
		Source:         source,
		OriginalMicro:  amountMicro,
		RemainingMicro: amountMicro,
		Reference:      &reference,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO lots (id, account_id, source, original_micro, remaining_micro, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) WHERE reference IS NOT NULL DO NOTHING
	`, lot.ID, lot.AccountID, lot.Source, lot.OriginalMicro, lot.RemainingMicro, reference)
	if err != nil {
		return DepositResult{}, fmt.Errorf("failed to insert lot: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.lotByReference(ctx, reference)
		if err != nil {
			return DepositResult{}, err
		}
		return DepositResult{Lot: existing, Created: false}, nil
	}

	if err := tx.QueryRow(ctx, `SELECT created_at FROM lots WHERE id = $1`, lot.ID).Scan(&lot.CreatedAt); err != nil {
		return DepositResult{}, fmt.Errorf("failed to read lot timestamp: %w", err)
	}

	if err := insertEntry(ctx, tx, accountID, entryType, amountMicro, nil, &lot.ID, reference); err != nil {
		return DepositResult{}, err
	}

	if err := s.outbox.EmitInTx(ctx, tx, outbox.Event{
		Type:           eventType,
		EntityType:     "lot",
		EntityID:       lot.ID.String(),
		IdempotencyKey: string(source) + ":" + reference,
		Payload:        map[string]any{"account_id": accountID, "amount_micro": amountMicro, "reference": reference},
	}); err != nil {
		return DepositResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DepositResult{}, fmt.Errorf("failed to commit lot: %w", err)
	}

	s.log.Debug("store: lot minted", "lot_id", lot.ID, "account_id", accountID, "source", source, "amount_micro", amountMicro)
	return DepositResult{Lot: lot, Created: true}, nil
}

func (s *Store) lotByReference(ctx context.Context, reference string) (Lot, error) {
	var lot Lot
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, source, original_micro, remaining_micro, reference, created_at
		FROM lots WHERE reference = $1
	`, reference).Scan(&lot.ID, &lot.AccountID, &lot.Source, &lot.OriginalMicro, &lot.RemainingMicro, &lot.Reference, &lot.CreatedAt)
	if err != nil {
		return Lot{}, fmt.Errorf("failed to look up lot by reference: %w", err)
	}
	return lot, nil
}

// MintDividendInTx mints a dividend lot inside the caller's transaction.
// Used by the distribution engine so share credits and the distribution
// record commit together.
func (s *Store) MintDividendInTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amountMicro int64, reference string) (uuid.UUID, error) {
	if amountMicro < 0 {
		return uuid.Nil, fmt.Errorf("%w: dividend amount must not be negative, got %d", ErrValidation, amountMicro)
	}
	lotID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO lots (id, account_id, source, original_micro, remaining_micro, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, lotID, accountID, LotDividend, amountMicro, amountMicro, reference); err != nil {
		return uuid.Nil, fmt.Errorf("failed to mint dividend lot: %w", err)
	}
	if err := insertEntry(ctx, tx, accountID, EntryRevenueShare, amountMicro, nil, &lotID, reference); err != nil {
		return uuid.Nil, err
	}
	return lotID, nil
}

// MintDripInTx credits residual earnings left over after clawback
// withholding, inside the caller's transaction.
func (s *Store) MintDripInTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amountMicro int64, reference string) (uuid.UUID, error) {
	if amountMicro <= 0 {
		return uuid.Nil, fmt.Errorf("%w: drip amount must be positive, got %d", ErrValidation, amountMicro)
	}
	lotID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO lots (id, account_id, source, original_micro, remaining_micro, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, lotID, accountID, LotDividend, amountMicro, amountMicro, reference); err != nil {
		return uuid.Nil, fmt.Errorf("failed to mint drip lot: %w", err)
	}
	if err := insertEntry(ctx, tx, accountID, EntryDrip, amountMicro, nil, &lotID, reference); err != nil {
		return uuid.Nil, err
	}
	return lotID, nil
}

// ReverseNewestInTx pulls up to maxMicro back out of the account's lots,
// newest first, posting one refund entry for the total actually reversed.
// Returns the reversed amount, which is capped by what the lots still hold.
func (s *Store) ReverseNewestInTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, maxMicro int64, reference string) (int64, error) {
	if maxMicro <= 0 {
		return 0, fmt.Errorf("%w: reversal amount must be positive, got %d", ErrValidation, maxMicro)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, remaining_micro FROM lots
		WHERE account_id = $1 AND remaining_micro > 0
		ORDER BY created_at DESC, id DESC
		FOR UPDATE
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to lock lots: %w", err)
	}
	type lotRow struct {
		id        uuid.UUID
		remaining int64
	}
	var lots []lotRow
	for rows.Next() {
		var l lotRow
		if err := rows.Scan(&l.id, &l.remaining); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate lots: %w", err)
	}

	var reversed int64
	needed := maxMicro
	for _, l := range lots {
		if needed == 0 {
			break
		}
		draw := min(l.remaining, needed)
		if _, err := tx.Exec(ctx, `
			UPDATE lots SET remaining_micro = remaining_micro - $1 WHERE id = $2
		`, draw, l.id); err != nil {
			return 0, fmt.Errorf("failed to reverse lot %s: %w", l.id, err)
		}
		// One refund entry per lot so the reversal stays attributable in
		// the lot conservation audit.
		if err := insertEntry(ctx, tx, accountID, EntryRefund, draw, nil, &l.id, reference); err != nil {
			return 0, err
		}
		reversed += draw
		needed -= draw
	}
	return reversed, nil
}

// Transfer moves amountMicro between accounts: FIFO draw-down at the source,
// a fresh transfer lot at the destination, both sides in one transaction.
func (s *Store) Transfer(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amountMicro int64, reference string) error {
	if amountMicro <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive, got %d", ErrValidation, amountMicro)
	}
	if fromAccountID == toAccountID {
		return fmt.Errorf("%w: transfer to self", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	draws, err := drawFromLots(ctx, tx, fromAccountID, amountMicro)
	if err != nil {
		return err
	}

	lotID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO lots (id, account_id, source, original_micro, remaining_micro, reference)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, lotID, toAccountID, LotTransfer, amountMicro, amountMicro, reference); err != nil {
		return fmt.Errorf("failed to mint transfer lot: %w", err)
	}

	// One out entry per source lot keeps the outflow attributable, so lot
	// conservation can be audited without reservations.
	for _, d := range draws {
		if err := insertEntry(ctx, tx, fromAccountID, EntryTransferOut, d.draw, nil, &d.lotID, reference); err != nil {
			return err
		}
	}
	if err := insertEntry(ctx, tx, toAccountID, EntryTransferIn, amountMicro, nil, &lotID, reference); err != nil {
		return err
	}

	if err := s.outbox.EmitInTx(ctx, tx, outbox.Event{
		Type:           "credit.transferred",
		EntityType:     "lot",
		EntityID:       lotID.String(),
		IdempotencyKey: fmt.Sprintf("transfer:%s:%s:%s", fromAccountID, toAccountID, reference),
		Payload:        map[string]any{"from": fromAccountID, "to": toAccountID, "amount_micro": amountMicro},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}

	s.log.Debug("store: transferred", "from", fromAccountID, "to", toAccountID, "amount_micro", amountMicro)
	return nil
}
