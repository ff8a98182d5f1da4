// Package revrule governs the revenue split configuration. A rule is four
// basis-point fields that must sum to a full share, and moves through a
// proposal/approval/cooldown state machine before it can direct money.
// Every transition appends an immutable audit row.
package revrule

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

	"github.com/hearthworks/tally/ledger/pkg/money"
	"github.com/hearthworks/tally/ledger/pkg/outbox"
)

type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusCoolingDown     Status = "cooling_down"
	StatusActive          Status = "active"
	StatusSuperseded      Status = "superseded"
	StatusRejected        Status = "rejected"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrOpenProposal  = errors.New("another proposal is already open")
	ErrInvalidState  = errors.New("rule is not in a valid state for this transition")
	ErrCooldownEarly = errors.New("cooldown window has not elapsed")
	ErrNotFound      = errors.New("rule not found")
	ErrNoActiveRule  = errors.New("no active revenue rule")
)

// Split is the four-way basis-point allocation a rule carries.
type Split struct {
	CommonsBps    int
	CommunityBps  int
	FoundationBps int
	ReferrerBps   int
}

func (s Split) validate() error {
	for _, bps := range []int{s.CommonsBps, s.CommunityBps, s.FoundationBps, s.ReferrerBps} {
		if bps < 0 || int64(bps) > money.FullShareBps {
			return fmt.Errorf("%w: basis points must be in [0, %d], got %d", ErrValidation, money.FullShareBps, bps)
		}
	}
	if !money.ValidBpsSplit(int64(s.CommonsBps), int64(s.CommunityBps), int64(s.FoundationBps), int64(s.ReferrerBps)) {
		sum := s.CommonsBps + s.CommunityBps + s.FoundationBps + s.ReferrerBps
		return fmt.Errorf("%w: basis points must sum to %d, got %d", ErrValidation, money.FullShareBps, sum)
	}
	return nil
}

// Recipients maps the split fields to concrete ledger accounts.
type Recipients struct {
	Commons    uuid.UUID
	Community  uuid.UUID
	Foundation uuid.UUID
	Referrer   uuid.UUID
}

type Rule struct {
	ID            uuid.UUID
	Status        Status
	CommonsBps    int
	CommunityBps  int
	FoundationBps int
	ReferrerBps   int
	ActivatesAt   *time.Time
	SupersededBy  *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
	Outbox *outbox.Emitter
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
	return nil
}

type Governor struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
	ob    *outbox.Emitter
}

func NewGovernor(cfg Config) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Governor{log: cfg.Logger, pool: cfg.Pool, clock: cfg.Clock, ob: cfg.Outbox}, nil
}

const selectRuleSQL = `
	SELECT id, status, commons_bps, community_bps, foundation_bps, referrer_bps,
	       activates_at, superseded_by, created_at, updated_at
	FROM revenue_rules
`

func scanRule(row pgx.Row) (Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.Status, &r.CommonsBps, &r.CommunityBps, &r.FoundationBps,
		&r.ReferrerBps, &r.ActivatesAt, &r.SupersededBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	if err != nil {
		return Rule{}, fmt.Errorf("failed to scan revenue rule: %w", err)
	}
	return r, nil
}

// lockRule loads a rule FOR UPDATE so a transition serializes against
// concurrent transitions on the same row.
func lockRule(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Rule, error) {
	return scanRule(tx.QueryRow(ctx, selectRuleSQL+`WHERE id = $1 FOR UPDATE`, id))
}

func (g *Governor) audit(ctx context.Context, tx pgx.Tx, ruleID uuid.UUID, actor, reason string, prev, next Status) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO revenue_rule_audit (id, rule_id, actor, reason, prev_status, new_status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), ruleID, actor, reason, prev, next); err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	return nil
}

// Propose creates a new rule in pending_approval. The basis points must sum
// to a full share and each lie in range. At most one proposal may be open
// at a time; the check runs inside the transaction and a partial unique
// index backstops it.
func (g *Governor) Propose(ctx context.Context, split Split, actor string) (Rule, error) {
	if actor == "" {
		return Rule{}, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if err := split.validate(); err != nil {
		return Rule{}, err
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var openID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM revenue_rules
		WHERE status IN ('pending_approval', 'cooling_down')
		LIMIT 1
		FOR UPDATE
	`).Scan(&openID)
	if err == nil {
		return Rule{}, fmt.Errorf("rule %s: %w", openID, ErrOpenProposal)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, fmt.Errorf("failed to check open proposals: %w", err)
	}

	rule, err := scanRule(tx.QueryRow(ctx, `
		INSERT INTO revenue_rules (id, status, commons_bps, community_bps, foundation_bps, referrer_bps)
		VALUES ($1, 'pending_approval', $2, $3, $4, $5)
		RETURNING id, status, commons_bps, community_bps, foundation_bps, referrer_bps,
		          activates_at, superseded_by, created_at, updated_at
	`, uuid.New(), split.CommonsBps, split.CommunityBps, split.FoundationBps, split.ReferrerBps))
	if err != nil {
		return Rule{}, err
	}

	if err := g.audit(ctx, tx, rule.ID, actor, "proposed", StatusDraft, StatusPendingApproval); err != nil {
		return Rule{}, err
	}
	if err := g.ob.EmitInTx(ctx, tx, outbox.Event{
		Type:           "rule.proposed",
		EntityType:     "revenue_rule",
		EntityID:       rule.ID.String(),
		IdempotencyKey: "rule-proposed:" + rule.ID.String(),
		Payload: map[string]any{
			"commons_bps":    split.CommonsBps,
			"community_bps":  split.CommunityBps,
			"foundation_bps": split.FoundationBps,
			"referrer_bps":   split.ReferrerBps,
		},
	}); err != nil {
		return Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Rule{}, fmt.Errorf("failed to commit proposal: %w", err)
	}
	g.log.Info("revrule: proposal created", "rule_id", rule.ID, "actor", actor)
	return rule, nil
}

// Approve moves a pending proposal into cooling_down and stamps the
// activation time one cooldown window from now.
func (g *Governor) Approve(ctx context.Context, id uuid.UUID, actor string, cooldown time.Duration) (Rule, error) {
	if cooldown < 0 {
		return Rule{}, fmt.Errorf("%w: cooldown must not be negative", ErrValidation)
	}
	activatesAt := g.clock.Now().UTC().Add(cooldown)
	return g.transition(ctx, id, actor, "approved",
		[]Status{StatusPendingApproval}, StatusCoolingDown,
		`UPDATE revenue_rules SET status = 'cooling_down', activates_at = $2, updated_at = now() WHERE id = $1`,
		activatesAt)
}

// Reject closes an open proposal. Terminal.
func (g *Governor) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (Rule, error) {
	if reason == "" {
		return Rule{}, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	return g.transition(ctx, id, actor, reason,
		[]Status{StatusPendingApproval, StatusCoolingDown}, StatusRejected,
		`UPDATE revenue_rules SET status = 'rejected', updated_at = now() WHERE id = $1`)
}

// transition runs a simple single-row status change with audit. Activation
// has its own path because it touches two rows.
func (g *Governor) transition(ctx context.Context, id uuid.UUID, actor, reason string, from []Status, to Status, updateSQL string, args ...any) (Rule, error) {
	if actor == "" {
		return Rule{}, fmt.Errorf("%w: actor is required", ErrValidation)
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rule, err := lockRule(ctx, tx, id)
	if err != nil {
		return Rule{}, err
	}
	allowed := false
	for _, s := range from {
		if rule.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return Rule{}, fmt.Errorf("rule %s is %s: %w", id, rule.Status, ErrInvalidState)
	}

	if _, err := tx.Exec(ctx, updateSQL, append([]any{id}, args...)...); err != nil {
		return Rule{}, fmt.Errorf("failed to update rule: %w", err)
	}
	if err := g.audit(ctx, tx, id, actor, reason, rule.Status, to); err != nil {
		return Rule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Rule{}, fmt.Errorf("failed to commit transition: %w", err)
	}

	g.log.Info("revrule: transition", "rule_id", id, "from", rule.Status, "to", to, "actor", actor)
	updated, err := g.rule(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	return updated, nil
}

// Activate promotes a cooled-down rule to active once its activation time
// has passed. The previously active rule, if any, is locked and superseded
// in the same transaction so exactly one rule is ever active.
func (g *Governor) Activate(ctx context.Context, id uuid.UUID, actor string) (Rule, error) {
	return g.activate(ctx, id, actor, "activated", false)
}

// ActivateEmergency activates without waiting out the cooldown. The audit
// row carries a distinct reason so override use is visible after the fact.
func (g *Governor) ActivateEmergency(ctx context.Context, id uuid.UUID, actor, reason string) (Rule, error) {
	if reason == "" {
		return Rule{}, fmt.Errorf("%w: emergency activation requires a reason", ErrValidation)
	}
	return g.activate(ctx, id, actor, "emergency override: "+reason, true)
}

func (g *Governor) activate(ctx context.Context, id uuid.UUID, actor, reason string, emergency bool) (Rule, error) {
	if actor == "" {
		return Rule{}, fmt.Errorf("%w: actor is required", ErrValidation)
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rule, err := lockRule(ctx, tx, id)
	if err != nil {
		return Rule{}, err
	}
	switch rule.Status {
	case StatusCoolingDown:
	case StatusPendingApproval:
		if !emergency {
			return Rule{}, fmt.Errorf("rule %s is %s: %w", id, rule.Status, ErrInvalidState)
		}
	default:
		return Rule{}, fmt.Errorf("rule %s is %s: %w", id, rule.Status, ErrInvalidState)
	}
	if !emergency {
		if rule.ActivatesAt == nil || g.clock.Now().Before(*rule.ActivatesAt) {
			return Rule{}, fmt.Errorf("rule %s: %w", id, ErrCooldownEarly)
		}
	}

	// Lock the current active rule before touching anything so concurrent
	// activations serialize on the same row.
	current, err := scanRule(tx.QueryRow(ctx, selectRuleSQL+`WHERE status = 'active' FOR UPDATE`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Rule{}, err
	}
	if err == nil {
		if _, err := tx.Exec(ctx, `
			UPDATE revenue_rules SET status = 'superseded', superseded_by = $2, updated_at = now()
			WHERE id = $1
		`, current.ID, id); err != nil {
			return Rule{}, fmt.Errorf("failed to supersede rule: %w", err)
		}
		if err := g.audit(ctx, tx, current.ID, actor, "superseded by "+id.String(), StatusActive, StatusSuperseded); err != nil {
			return Rule{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE revenue_rules SET status = 'active', updated_at = now() WHERE id = $1
	`, id); err != nil {
		return Rule{}, fmt.Errorf("failed to activate rule: %w", err)
	}
	if err := g.audit(ctx, tx, id, actor, reason, rule.Status, StatusActive); err != nil {
		return Rule{}, err
	}
	if err := g.ob.EmitInTx(ctx, tx, outbox.Event{
		Type:           "rule.activated",
		EntityType:     "revenue_rule",
		EntityID:       id.String(),
		IdempotencyKey: "rule-activated:" + id.String(),
		Payload:        map[string]any{"emergency": emergency},
	}); err != nil {
		return Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Rule{}, fmt.Errorf("failed to commit activation: %w", err)
	}
	g.log.Info("revrule: rule activated", "rule_id", id, "actor", actor, "emergency", emergency)
	return g.rule(ctx, id)
}

// Active returns the currently active rule.
func (g *Governor) Active(ctx context.Context) (Rule, error) {
	rule, err := scanRule(g.pool.QueryRow(ctx, selectRuleSQL+`WHERE status = 'active'`))
	if errors.Is(err, ErrNotFound) {
		return Rule{}, ErrNoActiveRule
	}
	return rule, err
}

// Get returns a rule by id.
func (g *Governor) Get(ctx context.Context, id uuid.UUID) (Rule, error) {
	return g.rule(ctx, id)
}

func (g *Governor) rule(ctx context.Context, id uuid.UUID) (Rule, error) {
	return scanRule(g.pool.QueryRow(ctx, selectRuleSQL+`WHERE id = $1`, id))
}

// Audit returns the transition history for a rule, oldest first.
func (g *Governor) Audit(ctx context.Context, ruleID uuid.UUID) ([]AuditEntry, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, rule_id, actor, reason, prev_status, new_status, created_at
		FROM revenue_rule_audit
		WHERE rule_id = $1
		ORDER BY created_at ASC, id ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Actor, &e.Reason, &e.PrevStatus, &e.NewStatus, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type AuditEntry struct {
	ID         uuid.UUID
	RuleID     uuid.UUID
	Actor      string
	Reason     string
	PrevStatus Status
	NewStatus  Status
	CreatedAt  time.Time
}

// CooldownSweep activates every cooled-down rule whose activation time has
// passed. Run by the sweeper; conditions are re-checked row by row so a
// concurrently rejected or activated rule is skipped.
func (g *Governor) CooldownSweep(ctx context.Context) (int, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id FROM revenue_rules
		WHERE status = 'cooling_down' AND activates_at <= $1
	`, g.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to scan cooled-down rules: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return 0, fmt.Errorf("failed to collect cooled-down rules: %w", err)
	}

	activated := 0
	for _, id := range ids {
		if _, err := g.Activate(ctx, id, "sweeper"); err != nil {
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrCooldownEarly) {
				continue
			}
			return activated, err
		}
		activated++
	}
	return activated, nil
}
