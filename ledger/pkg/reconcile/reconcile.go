// Package reconcile audits the ledger's conservation invariants on a
// schedule. It never repairs anything: a mismatch becomes an append-only
// finding, an error log and a metric, and a human decides what to do.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/hearthworks/tally/api/metrics"
)

// Finding is one recorded invariant violation.
type Finding struct {
	ID        uuid.UUID
	CheckName string
	Subject   string
	Detail    map[string]any
	CreatedAt time.Time
}

type Config struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Clock    clockwork.Clock
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Checker struct {
	log   *slog.Logger
	cfg   Config
	runMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewChecker(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Checker{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

func (c *Checker) Ready() bool {
	select {
	case <-c.readyCh:
		return true
	default:
		return false
	}
}

func (c *Checker) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for reconciler: %w", ctx.Err())
	}
}

func (c *Checker) Start(ctx context.Context) {
	go func() {
		c.log.Info("reconcile: starting audit loop", "interval", c.cfg.Interval)

		c.safeRun(ctx)

		ticker := c.cfg.Clock.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.safeRun(ctx)
			}
		}
	}()
}

func (c *Checker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("reconcile: run panicked", "panic", r)
			metrics.ReconcileRunsTotal.WithLabelValues("all", "panic").Inc()
		}
	}()

	if _, err := c.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("reconcile: run failed", "error", err)
	}
}

type check struct {
	name string
	run  func(ctx context.Context) ([]Finding, error)
}

// RunOnce executes every check and records the findings. Returns the total
// number of mismatches found.
func (c *Checker) RunOnce(ctx context.Context) (int, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	checks := []check{
		{"lot_conservation", c.checkLotConservation},
		{"receivable_consistency", c.checkReceivableConsistency},
		{"budget_consistency", c.checkBudgetConsistency},
	}

	total := 0
	for _, chk := range checks {
		start := time.Now()
		findings, err := chk.run(ctx)
		metrics.ReconcileRunDuration.WithLabelValues(chk.name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ReconcileRunsTotal.WithLabelValues(chk.name, "error").Inc()
			return total, fmt.Errorf("check %s: %w", chk.name, err)
		}

		metrics.ReconcileRunsTotal.WithLabelValues(chk.name, "success").Inc()
		metrics.ReconcileMismatches.WithLabelValues(chk.name).Set(float64(len(findings)))
		for _, f := range findings {
			if err := c.record(ctx, f); err != nil {
				return total, err
			}
			c.log.Error("reconcile: invariant violated",
				"check", f.CheckName, "subject", f.Subject, "detail", f.Detail)
		}
		total += len(findings)
	}

	c.readyOnce.Do(func() { close(c.readyCh) })
	return total, nil
}

func (c *Checker) record(ctx context.Context, f Finding) error {
	detail, err := json.Marshal(f.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal finding detail: %w", err)
	}
	if _, err := c.cfg.Pool.Exec(ctx, `
		INSERT INTO reconciliation_findings (id, check_name, subject, detail)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), f.CheckName, f.Subject, detail); err != nil {
		return fmt.Errorf("failed to record finding: %w", err)
	}
	return nil
}

// checkLotConservation verifies that for every lot, what remains plus what
// pending reservations hold plus what was consumed plus what flowed out
// through refunds and transfers adds back up to the original mint.
func (c *Checker) checkLotConservation(ctx context.Context) ([]Finding, error) {
	rows, err := c.cfg.Pool.Query(ctx, `
		SELECT l.id, l.original_micro, l.remaining_micro,
		       COALESCE(SUM(rl.held_micro) FILTER (WHERE r.status = 'pending'), 0) AS held,
		       COALESCE(SUM(rl.consumed_micro), 0) AS consumed,
		       COALESCE((
		           SELECT SUM(le.amount_micro) FROM ledger_entries le
		           WHERE le.lot_id = l.id AND le.entry_type IN ('refund', 'transfer-out')
		       ), 0) AS outflow
		FROM lots l
		LEFT JOIN reservation_lots rl ON rl.lot_id = l.id
		LEFT JOIN reservations r ON r.id = rl.reservation_id
		GROUP BY l.id, l.original_micro, l.remaining_micro
		HAVING l.remaining_micro
		     + COALESCE(SUM(rl.held_micro) FILTER (WHERE r.status = 'pending'), 0)
		     + COALESCE(SUM(rl.consumed_micro), 0)
		     + COALESCE((
		           SELECT SUM(le.amount_micro) FROM ledger_entries le
		           WHERE le.lot_id = l.id AND le.entry_type IN ('refund', 'transfer-out')
		       ), 0) <> l.original_micro
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lot conservation: %w", err)
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var lotID uuid.UUID
		var original, remaining, held, consumed, outflow int64
		if err := rows.Scan(&lotID, &original, &remaining, &held, &consumed, &outflow); err != nil {
			return nil, fmt.Errorf("failed to scan lot conservation row: %w", err)
		}
		findings = append(findings, Finding{
			CheckName: "lot_conservation",
			Subject:   "lot:" + lotID.String(),
			Detail: map[string]any{
				"original_micro":  original,
				"remaining_micro": remaining,
				"held_micro":      held,
				"consumed_micro":  consumed,
				"outflow_micro":   outflow,
			},
		})
	}
	return findings, rows.Err()
}

// checkReceivableConsistency verifies every open receivable still satisfies
// 0 <= balance <= original and that resolved ones carry a zero balance.
func (c *Checker) checkReceivableConsistency(ctx context.Context) ([]Finding, error) {
	rows, err := c.cfg.Pool.Query(ctx, `
		SELECT id, original_micro, balance_micro, resolved_at IS NOT NULL
		FROM clawback_receivables
		WHERE balance_micro > original_micro
		   OR (resolved_at IS NOT NULL AND balance_micro <> 0)
		   OR (resolved_at IS NULL AND balance_micro = 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receivable consistency: %w", err)
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var id uuid.UUID
		var original, balance int64
		var resolved bool
		if err := rows.Scan(&id, &original, &balance, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan receivable row: %w", err)
		}
		findings = append(findings, Finding{
			CheckName: "receivable_consistency",
			Subject:   "receivable:" + id.String(),
			Detail: map[string]any{
				"original_micro": original,
				"balance_micro":  balance,
				"resolved":       resolved,
			},
		})
	}
	return findings, rows.Err()
}

// checkBudgetConsistency verifies each account's stored window spend equals
// the sum of finalizations recorded inside its window.
func (c *Checker) checkBudgetConsistency(ctx context.Context) ([]Finding, error) {
	rows, err := c.cfg.Pool.Query(ctx, `
		SELECT sl.account_id, sl.current_spend_micro,
		       COALESCE(SUM(bf.amount_micro), 0) AS window_sum
		FROM spending_limits sl
		LEFT JOIN budget_finalizations bf
		       ON bf.account_id = sl.account_id AND bf.recorded_at >= sl.window_start
		GROUP BY sl.account_id, sl.current_spend_micro
		HAVING sl.current_spend_micro <> COALESCE(SUM(bf.amount_micro), 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget consistency: %w", err)
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var accountID uuid.UUID
		var stored, derived int64
		if err := rows.Scan(&accountID, &stored, &derived); err != nil {
			return nil, fmt.Errorf("failed to scan budget row: %w", err)
		}
		findings = append(findings, Finding{
			CheckName: "budget_consistency",
			Subject:   "account:" + accountID.String(),
			Detail: map[string]any{
				"stored_spend_micro":  stored,
				"derived_spend_micro": derived,
			},
		})
	}
	return findings, rows.Err()
}

// Findings returns the most recent recorded findings, newest first.
func (c *Checker) Findings(ctx context.Context, limit int) ([]Finding, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.cfg.Pool.Query(ctx, `
		SELECT id, check_name, subject, detail, created_at
		FROM reconciliation_findings
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		var detail []byte
		if err := rows.Scan(&f.ID, &f.CheckName, &f.Subject, &detail, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		if err := json.Unmarshal(detail, &f.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal finding detail: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
