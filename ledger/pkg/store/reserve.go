package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hearthworks/tally/ledger/pkg/outbox"
)

const pgUniqueViolation = "23505"

type lotDraw struct {
	lotID uuid.UUID
	draw  int64
}

// drawFromLots locks the account's lots in creation order and draws amount
// from them, oldest first. The caller's transaction sees either every lot
// updated or none. Returns ErrInsufficientBalance without touching any lot
// when the total remaining balance is short.
func drawFromLots(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) ([]lotDraw, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, remaining_micro FROM lots
		WHERE account_id = $1 AND remaining_micro > 0
		ORDER BY created_at, id
		FOR UPDATE
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock lots: %w", err)
	}

	type lotRow struct {
		id        uuid.UUID
		remaining int64
	}
	var lots []lotRow
	var available int64
	for rows.Next() {
		var l lotRow
		if err := rows.Scan(&l.id, &l.remaining); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, l)
		available += l.remaining
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lots: %w", err)
	}

	if available < amount {
		return nil, fmt.Errorf("account %s: need %d, have %d: %w", accountID, amount, available, ErrInsufficientBalance)
	}

	var draws []lotDraw
	needed := amount
	for _, l := range lots {
		if needed == 0 {
			break
		}
		draw := min(l.remaining, needed)
		if _, err := tx.Exec(ctx, `
			UPDATE lots SET remaining_micro = remaining_micro - $1 WHERE id = $2
		`, draw, l.id); err != nil {
			return nil, fmt.Errorf("failed to draw from lot %s: %w", l.id, err)
		}
		draws = append(draws, lotDraw{lotID: l.id, draw: draw})
		needed -= draw
	}
	return draws, nil
}

// Reserve draws amountMicro from the account's lots oldest-first and creates
// a pending reservation. New spends pass the budget gate first when one is
// configured. Re-invoking with the same idempotency key returns the existing
// reservation with Created=false and no further deduction.
func (s *Store) Reserve(ctx context.Context, accountID uuid.UUID, amountMicro int64, idempotencyKey string) (ReserveResult, error) {
	if amountMicro <= 0 {
		return ReserveResult{}, fmt.Errorf("%w: reserve amount must be positive, got %d", ErrValidation, amountMicro)
	}
	if idempotencyKey == "" {
		return ReserveResult{}, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if existing, found, err := reservationByKey(ctx, tx, idempotencyKey); err != nil {
		return ReserveResult{}, err
	} else if found {
		return ReserveResult{Reservation: existing, Created: false}, nil
	}

	// Only new spends face the budget gate; a replayed key already spent.
	if s.budget != nil {
		if err := s.budget.CheckBudget(ctx, accountID, amountMicro); err != nil {
			return ReserveResult{}, err
		}
	}

	draws, err := drawFromLots(ctx, tx, accountID, amountMicro)
	if err != nil {
		return ReserveResult{}, err
	}

	r := Reservation{
		ID:             uuid.New(),
		AccountID:      accountID,
		AmountMicro:    amountMicro,
		Status:         ReservationPending,
		IdempotencyKey: idempotencyKey,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO reservations (id, account_id, amount_micro, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, r.ID, r.AccountID, r.AmountMicro, r.Status, r.IdempotencyKey).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		// A concurrent request with the same key can win the insert race;
		// surface its reservation instead of an error.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return s.replayReservation(ctx, idempotencyKey)
		}
		return ReserveResult{}, fmt.Errorf("failed to insert reservation: %w", err)
	}

	for i, d := range draws {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservation_lots (reservation_id, lot_id, held_micro, draw_order)
			VALUES ($1, $2, $3, $4)
		`, r.ID, d.lotID, d.draw, i); err != nil {
			return ReserveResult{}, fmt.Errorf("failed to record lot hold: %w", err)
		}
	}

	if err := insertEntry(ctx, tx, accountID, EntryReserve, amountMicro, &r.ID, nil, ""); err != nil {
		return ReserveResult{}, err
	}

	if err := s.outbox.EmitInTx(ctx, tx, outbox.Event{
		Type:           "credit.reserved",
		EntityType:     "reservation",
		EntityID:       r.ID.String(),
		IdempotencyKey: "reserve:" + idempotencyKey,
		Payload:        map[string]any{"account_id": accountID, "amount_micro": amountMicro},
	}); err != nil {
		return ReserveResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ReserveResult{}, fmt.Errorf("failed to commit reservation: %w", err)
	}

	s.log.Debug("store: reserved", "reservation_id", r.ID, "account_id", accountID, "amount_micro", amountMicro)
	return ReserveResult{Reservation: r, Created: true}, nil
}

func reservationByKey(ctx context.Context, tx pgx.Tx, key string) (Reservation, bool, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, amount_micro, status, idempotency_key, created_at, updated_at
		FROM reservations WHERE idempotency_key = $1
	`, key).Scan(&r.ID, &r.AccountID, &r.AmountMicro, &r.Status, &r.IdempotencyKey, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, fmt.Errorf("failed to look up reservation by key: %w", err)
	}
	return r, true, nil
}

func (s *Store) replayReservation(ctx context.Context, key string) (ReserveResult, error) {
	var r Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, amount_micro, status, idempotency_key, created_at, updated_at
		FROM reservations WHERE idempotency_key = $1
	`, key).Scan(&r.ID, &r.AccountID, &r.AmountMicro, &r.Status, &r.IdempotencyKey, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("failed to replay reservation: %w", err)
	}
	return ReserveResult{Reservation: r, Created: false}, nil
}

type reservationHold struct {
	lotID     uuid.UUID
	held      int64
	drawOrder int
}

func holdsForUpdate(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) ([]reservationHold, error) {
	rows, err := tx.Query(ctx, `
		SELECT rl.lot_id, rl.held_micro, rl.draw_order
		FROM reservation_lots rl
		JOIN lots l ON l.id = rl.lot_id
		WHERE rl.reservation_id = $1
		ORDER BY rl.draw_order
		FOR UPDATE OF l
	`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation lots: %w", err)
	}
	defer rows.Close()

	var holds []reservationHold
	for rows.Next() {
		var h reservationHold
		if err := rows.Scan(&h.lotID, &h.held, &h.drawOrder); err != nil {
			return nil, fmt.Errorf("failed to scan reservation lot: %w", err)
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservation lots: %w", err)
	}
	return holds, nil
}

func lockPendingReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Reservation, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, amount_micro, status, idempotency_key, created_at, updated_at
		FROM reservations WHERE id = $1
		FOR UPDATE
	`, id).Scan(&r.ID, &r.AccountID, &r.AmountMicro, &r.Status, &r.IdempotencyKey, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to lock reservation: %w", err)
	}
	if r.Status != ReservationPending {
		return Reservation{}, fmt.Errorf("reservation %s is %s: %w", id, r.Status, ErrInvalidState)
	}
	return r, nil
}

// Finalize posts the actual cost against a pending reservation. Surplus
// (reserved − actual) returns to the originating lots in reverse draw order;
// a cost above the reserved amount draws the difference from the account's
// remaining lots in the same transaction.
func (s *Store) Finalize(ctx context.Context, reservationID uuid.UUID, actualCostMicro int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.FinalizeInTx(ctx, tx, reservationID, actualCostMicro); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}
	return nil
}

// FinalizeInTx is Finalize running inside the caller's transaction, for
// components that settle a hold together with their own state change.
func (s *Store) FinalizeInTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, actualCostMicro int64) error {
	if actualCostMicro < 0 {
		return fmt.Errorf("%w: actual cost must not be negative, got %d", ErrValidation, actualCostMicro)
	}

	r, err := lockPendingReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	holds, err := holdsForUpdate(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	surplus := r.AmountMicro - actualCostMicro
	if surplus >= 0 {
		// Return surplus to originating lots, newest draw first.
		left := surplus
		for i := len(holds) - 1; i >= 0; i-- {
			h := holds[i]
			restore := min(left, h.held)
			consumed := h.held - restore
			if restore > 0 {
				if _, err := tx.Exec(ctx, `
					UPDATE lots SET remaining_micro = remaining_micro + $1 WHERE id = $2
				`, restore, h.lotID); err != nil {
					return fmt.Errorf("failed to restore surplus to lot %s: %w", h.lotID, err)
				}
			}
			if _, err := tx.Exec(ctx, `
				UPDATE reservation_lots SET consumed_micro = $1
				WHERE reservation_id = $2 AND lot_id = $3
			`, consumed, reservationID, h.lotID); err != nil {
				return fmt.Errorf("failed to record lot consumption: %w", err)
			}
			left -= restore
		}
	} else {
		// Cost exceeded the hold: consume everything held, then draw the
		// difference from whatever the account still has.
		for _, h := range holds {
			if _, err := tx.Exec(ctx, `
				UPDATE reservation_lots SET consumed_micro = held_micro
				WHERE reservation_id = $1 AND lot_id = $2
			`, reservationID, h.lotID); err != nil {
				return fmt.Errorf("failed to record lot consumption: %w", err)
			}
		}
		extra := -surplus
		draws, err := drawFromLots(ctx, tx, r.AccountID, extra)
		if err != nil {
			return err
		}
		order := len(holds)
		for _, d := range draws {
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservation_lots (reservation_id, lot_id, held_micro, consumed_micro, draw_order)
				VALUES ($1, $2, 0, $3, $4)
				ON CONFLICT (reservation_id, lot_id)
				DO UPDATE SET consumed_micro = reservation_lots.consumed_micro + EXCLUDED.consumed_micro
			`, reservationID, d.lotID, d.draw, order); err != nil {
				return fmt.Errorf("failed to record overdraw consumption: %w", err)
			}
			order++
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'
	`, ReservationFinalized, reservationID); err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}

	if err := insertEntry(ctx, tx, r.AccountID, EntryFinalize, actualCostMicro, &reservationID, nil, ""); err != nil {
		return err
	}

	if err := s.outbox.EmitInTx(ctx, tx, outbox.Event{
		Type:           "credit.finalized",
		EntityType:     "reservation",
		EntityID:       reservationID.String(),
		IdempotencyKey: "finalize:" + r.IdempotencyKey,
		Payload:        map[string]any{"account_id": r.AccountID, "actual_cost_micro": actualCostMicro, "reserved_micro": r.AmountMicro},
	}); err != nil {
		return err
	}

	s.log.Debug("store: finalized", "reservation_id", reservationID, "actual_cost_micro", actualCostMicro)
	return nil
}

// Release returns the full reserved amount to the originating lots and
// terminally releases the reservation.
func (s *Store) Release(ctx context.Context, reservationID uuid.UUID) error {
	return s.restoreAndClose(ctx, reservationID, ReservationReleased, EntryRelease, "credit.released")
}

// ReleaseInTx is Release running inside the caller's transaction.
func (s *Store) ReleaseInTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) error {
	return s.restoreAndCloseInTx(ctx, tx, reservationID, ReservationReleased, EntryRelease, "credit.released")
}

func (s *Store) restoreAndClose(ctx context.Context, reservationID uuid.UUID, to ReservationStatus, entryType EntryType, eventType string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.restoreAndCloseInTx(ctx, tx, reservationID, to, entryType, eventType); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", to, err)
	}
	return nil
}

func (s *Store) restoreAndCloseInTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, to ReservationStatus, entryType EntryType, eventType string) error {
	r, err := lockPendingReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	holds, err := holdsForUpdate(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	for _, h := range holds {
		if h.held == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE lots SET remaining_micro = remaining_micro + $1 WHERE id = $2
		`, h.held, h.lotID); err != nil {
			return fmt.Errorf("failed to restore lot %s: %w", h.lotID, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'
	`, to, reservationID); err != nil {
		return fmt.Errorf("failed to transition reservation: %w", err)
	}

	if err := insertEntry(ctx, tx, r.AccountID, entryType, r.AmountMicro, &reservationID, nil, ""); err != nil {
		return err
	}

	if err := s.outbox.EmitInTx(ctx, tx, outbox.Event{
		Type:           eventType,
		EntityType:     "reservation",
		EntityID:       reservationID.String(),
		IdempotencyKey: string(to) + ":" + r.IdempotencyKey,
		Payload:        map[string]any{"account_id": r.AccountID, "amount_micro": r.AmountMicro},
	}); err != nil {
		return err
	}

	s.log.Debug("store: reservation closed", "reservation_id", reservationID, "status", to)
	return nil
}

// ExpireSweep force-expires pending reservations older than the configured
// TTL, restoring their holds. Each reservation transitions in its own
// transaction guarded by `WHERE status = 'pending'`, so a concurrently
// finalized reservation is skipped rather than clobbered. Returns the number
// of reservations expired.
func (s *Store) ExpireSweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.ReservationTTL)

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM reservations
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT 500
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query expirable reservations: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate expirable reservations: %w", err)
	}

	expired := 0
	for _, id := range ids {
		err := s.restoreAndClose(ctx, id, ReservationExpired, EntryExpire, "credit.expired")
		if errors.Is(err, ErrInvalidState) {
			// Finalized or released between the scan and the sweep.
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to expire reservation %s: %w", id, err)
		}
		expired++
	}

	if expired > 0 {
		s.log.Info("store: expired stale reservations", "count", expired, "cutoff", cutoff.Format(time.RFC3339))
	}
	return expired, nil
}
