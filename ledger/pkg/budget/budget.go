// Package budget is the spend circuit breaker for agent accounts. Each
// account carries a rolling daily window; finalized spend accumulates
// against its cap and trips the circuit through warning into open. Checks
// run against a short-lived in-memory snapshot so the hot path does not hit
// postgres on every call; the store stays authoritative.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type CircuitState string

const (
	CircuitClosed  CircuitState = "closed"
	CircuitWarning CircuitState = "warning"
	CircuitOpen    CircuitState = "open"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("no spending limit configured")
	ErrBudgetExhausted = errors.New("budget exhausted")
)

type Limit struct {
	AccountID         uuid.UUID
	DailyCapMicro     int64
	CurrentSpendMicro int64
	WindowStart       time.Time
	WindowSeconds     int64
	CircuitState      CircuitState
	UpdatedAt         time.Time
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock

	// CacheTTL bounds how stale an advisory snapshot may be. The snapshot
	// can let a burst slightly past the cap; the next recorded finalization
	// trips the breaker authoritatively.
	CacheTTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	return nil
}

type cachedLimit struct {
	limit    Limit
	fetched  time.Time
	negative bool
}

type Breaker struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
	ttl   time.Duration

	mu    sync.Mutex
	cache map[uuid.UUID]cachedLimit
}

func NewBreaker(cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{
		log:   cfg.Logger,
		pool:  cfg.Pool,
		clock: cfg.Clock,
		ttl:   cfg.CacheTTL,
		cache: make(map[uuid.UUID]cachedLimit),
	}, nil
}

// SetLimit creates or replaces the account's spending limit. The window
// restarts and the circuit closes; recorded finalizations re-trip it on the
// next record.
func (b *Breaker) SetLimit(ctx context.Context, accountID uuid.UUID, dailyCapMicro, windowSeconds int64) (Limit, error) {
	if dailyCapMicro <= 0 {
		return Limit{}, fmt.Errorf("%w: daily cap must be positive, got %d", ErrValidation, dailyCapMicro)
	}
	if windowSeconds <= 0 {
		return Limit{}, fmt.Errorf("%w: window must be positive, got %d", ErrValidation, windowSeconds)
	}

	now := b.clock.Now().UTC()
	_, err := b.pool.Exec(ctx, `
		INSERT INTO spending_limits (account_id, daily_cap_micro, current_spend_micro, window_start, window_seconds, circuit_state)
		VALUES ($1, $2, 0, $3, $4, 'closed')
		ON CONFLICT (account_id) DO UPDATE SET
			daily_cap_micro = EXCLUDED.daily_cap_micro,
			current_spend_micro = 0,
			window_start = EXCLUDED.window_start,
			window_seconds = EXCLUDED.window_seconds,
			circuit_state = 'closed',
			updated_at = now()
	`, accountID, dailyCapMicro, now, windowSeconds)
	if err != nil {
		return Limit{}, fmt.Errorf("failed to set spending limit: %w", err)
	}

	b.invalidate(accountID)
	return b.Limit(ctx, accountID)
}

// Limit reads the account's limit row from the store.
func (b *Breaker) Limit(ctx context.Context, accountID uuid.UUID) (Limit, error) {
	var l Limit
	err := b.pool.QueryRow(ctx, `
		SELECT account_id, daily_cap_micro, current_spend_micro, window_start, window_seconds, circuit_state, updated_at
		FROM spending_limits WHERE account_id = $1
	`, accountID).Scan(&l.AccountID, &l.DailyCapMicro, &l.CurrentSpendMicro, &l.WindowStart, &l.WindowSeconds, &l.CircuitState, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Limit{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return Limit{}, fmt.Errorf("failed to read spending limit: %w", err)
	}
	return l, nil
}

// CheckBudget decides whether the account may start spending amountMicro.
// An account with no configured limit is unconstrained. An open circuit, or
// a projected spend past the cap, fails with ErrBudgetExhausted. The
// decision may come from the advisory snapshot when it is fresh enough.
func (b *Breaker) CheckBudget(ctx context.Context, accountID uuid.UUID, amountMicro int64) error {
	if amountMicro <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrValidation, amountMicro)
	}

	limit, found, err := b.snapshot(ctx, accountID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if limit.CircuitState == CircuitOpen {
		return fmt.Errorf("account %s circuit is open: %w", accountID, ErrBudgetExhausted)
	}
	if limit.CurrentSpendMicro+amountMicro > limit.DailyCapMicro {
		return fmt.Errorf("account %s: spend %d + %d exceeds cap %d: %w",
			accountID, limit.CurrentSpendMicro, amountMicro, limit.DailyCapMicro, ErrBudgetExhausted)
	}
	return nil
}

func (b *Breaker) snapshot(ctx context.Context, accountID uuid.UUID) (Limit, bool, error) {
	now := b.clock.Now()

	b.mu.Lock()
	cached, ok := b.cache[accountID]
	b.mu.Unlock()
	if ok && now.Sub(cached.fetched) < b.ttl {
		return cached.limit, !cached.negative, nil
	}

	limit, err := b.Limit(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		b.mu.Lock()
		b.cache[accountID] = cachedLimit{fetched: now, negative: true}
		b.mu.Unlock()
		return Limit{}, false, nil
	}
	if err != nil {
		return Limit{}, false, err
	}

	b.mu.Lock()
	b.cache[accountID] = cachedLimit{limit: limit, fetched: now}
	b.mu.Unlock()
	return limit, true, nil
}

func (b *Breaker) invalidate(accountID uuid.UUID) {
	b.mu.Lock()
	delete(b.cache, accountID)
	b.mu.Unlock()
}

// stateFor trips at 80% of the cap for warning and at the cap for open.
func stateFor(spend, cap int64) CircuitState {
	switch {
	case spend >= cap:
		return CircuitOpen
	case spend*10 >= cap*8:
		return CircuitWarning
	default:
		return CircuitClosed
	}
}

// RecordFinalization accumulates finalized spend against the window.
// Replaying the same (account, reservation) pair is a no-op; the primary
// key arbitrates. The circuit state is recomputed from the new total in the
// same transaction.
func (b *Breaker) RecordFinalization(ctx context.Context, accountID, reservationID uuid.UUID, amountMicro int64) (Limit, error) {
	if amountMicro < 0 {
		return Limit{}, fmt.Errorf("%w: amount must not be negative, got %d", ErrValidation, amountMicro)
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return Limit{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var l Limit
	err = tx.QueryRow(ctx, `
		SELECT account_id, daily_cap_micro, current_spend_micro, window_start, window_seconds, circuit_state, updated_at
		FROM spending_limits WHERE account_id = $1
		FOR UPDATE
	`, accountID).Scan(&l.AccountID, &l.DailyCapMicro, &l.CurrentSpendMicro, &l.WindowStart, &l.WindowSeconds, &l.CircuitState, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Limit{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return Limit{}, fmt.Errorf("failed to lock spending limit: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO budget_finalizations (account_id, reservation_id, amount_micro, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, reservation_id) DO NOTHING
	`, accountID, reservationID, amountMicro, b.clock.Now().UTC())
	if err != nil {
		return Limit{}, fmt.Errorf("failed to record finalization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replay; the spend is already counted.
		return l, nil
	}

	l.CurrentSpendMicro += amountMicro
	l.CircuitState = stateFor(l.CurrentSpendMicro, l.DailyCapMicro)
	if _, err := tx.Exec(ctx, `
		UPDATE spending_limits SET current_spend_micro = $2, circuit_state = $3, updated_at = now()
		WHERE account_id = $1
	`, accountID, l.CurrentSpendMicro, l.CircuitState); err != nil {
		return Limit{}, fmt.Errorf("failed to update spending limit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Limit{}, fmt.Errorf("failed to commit finalization: %w", err)
	}

	b.invalidate(accountID)
	if l.CircuitState != CircuitClosed {
		b.log.Warn("budget: circuit state raised",
			"account_id", accountID, "state", l.CircuitState,
			"spend_micro", l.CurrentSpendMicro, "cap_micro", l.DailyCapMicro)
	}
	return l, nil
}

// ResetWindows rolls every expired window forward and recomputes its spend
// from the finalizations recorded inside the new window. The spend is never
// blindly zeroed: a finalization recorded moments before the roll still
// counts if it lands in the new window. Returns the number of rows rolled.
func (b *Breaker) ResetWindows(ctx context.Context) (int, error) {
	now := b.clock.Now().UTC()

	rows, err := b.pool.Query(ctx, `
		SELECT account_id FROM spending_limits
		WHERE window_start + make_interval(secs => window_seconds) <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired windows: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return 0, fmt.Errorf("failed to collect expired windows: %w", err)
	}

	reset := 0
	for _, accountID := range ids {
		if err := b.resetWindow(ctx, accountID, now); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}

func (b *Breaker) resetWindow(ctx context.Context, accountID uuid.UUID, now time.Time) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var l Limit
	err = tx.QueryRow(ctx, `
		SELECT account_id, daily_cap_micro, current_spend_micro, window_start, window_seconds, circuit_state, updated_at
		FROM spending_limits WHERE account_id = $1
		FOR UPDATE
	`, accountID).Scan(&l.AccountID, &l.DailyCapMicro, &l.CurrentSpendMicro, &l.WindowStart, &l.WindowSeconds, &l.CircuitState, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to lock spending limit: %w", err)
	}

	windowLen := time.Duration(l.WindowSeconds) * time.Second
	start := l.WindowStart
	// Concurrent sweep already rolled it forward.
	if now.Sub(start) < windowLen {
		return tx.Commit(ctx)
	}
	// Advance by whole windows so boundaries stay aligned.
	for now.Sub(start) >= windowLen {
		start = start.Add(windowLen)
	}

	var spend int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_micro), 0) FROM budget_finalizations
		WHERE account_id = $1 AND recorded_at >= $2
	`, accountID, start).Scan(&spend); err != nil {
		return fmt.Errorf("failed to recompute window spend: %w", err)
	}

	state := stateFor(spend, l.DailyCapMicro)
	if _, err := tx.Exec(ctx, `
		UPDATE spending_limits SET window_start = $2, current_spend_micro = $3, circuit_state = $4, updated_at = now()
		WHERE account_id = $1
	`, accountID, start, spend, state); err != nil {
		return fmt.Errorf("failed to roll window: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit window roll: %w", err)
	}

	b.invalidate(accountID)
	b.log.Info("budget: window rolled",
		"account_id", accountID, "window_start", start.Format(time.RFC3339),
		"spend_micro", spend, "state", state)
	return nil
}
