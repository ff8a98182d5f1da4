// Package distribution implements the proportional allocation engine used
// for both basis-point revenue splits and score-weighted rewards. Shares are
// floor(pool*weight/total) with the remainder assigned to the last
// participant in the deterministic ordering, so the allocated total always
// equals the pool exactly.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthworks/tally/ledger/pkg/money"
	"github.com/hearthworks/tally/ledger/pkg/outbox"
	"github.com/hearthworks/tally/ledger/pkg/revrule"
	"github.com/hearthworks/tally/ledger/pkg/store"
)

var (
	ErrAlreadyDistributed = errors.New("period already distributed")
	ErrBelowThreshold     = errors.New("pool below minimum threshold")
	ErrNoParticipants     = errors.New("no participants")
	ErrNoWeight           = errors.New("total weight is zero")
	ErrValidation         = errors.New("validation failed")
)

// Participant is a weighted recipient of a pool.
type Participant struct {
	AccountID uuid.UUID
	Weight    int64
}

// Share is a computed allocation for one participant.
type Share struct {
	AccountID   uuid.UUID
	Weight      int64
	AmountMicro int64
}

// ComputeShares allocates pool across participants proportionally to their
// weights. Ordering is weight descending with ties broken by account id
// ascending; the integer remainder goes to the last participant in that
// order. The returned shares always sum to exactly pool.
func ComputeShares(pool int64, parts []Participant) ([]Share, error) {
	if pool < 0 {
		return nil, fmt.Errorf("%w: pool must not be negative, got %d", ErrValidation, pool)
	}
	if len(parts) == 0 {
		return nil, ErrNoParticipants
	}

	var totalWeight int64
	for _, p := range parts {
		if p.Weight < 0 {
			return nil, fmt.Errorf("%w: weight must not be negative, got %d for %s", ErrValidation, p.Weight, p.AccountID)
		}
		var err error
		totalWeight, err = money.Add(totalWeight, p.Weight)
		if err != nil {
			return nil, err
		}
	}
	if totalWeight == 0 {
		return nil, ErrNoWeight
	}

	ordered := make([]Participant, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Weight != ordered[j].Weight {
			return ordered[i].Weight > ordered[j].Weight
		}
		return ordered[i].AccountID.String() < ordered[j].AccountID.String()
	})

	shares := make([]Share, len(ordered))
	var allocated int64
	for i, p := range ordered {
		amount, err := money.MulDiv(pool, p.Weight, totalWeight)
		if err != nil {
			return nil, err
		}
		shares[i] = Share{AccountID: p.AccountID, Weight: p.Weight, AmountMicro: amount}
		allocated, err = money.Add(allocated, amount)
		if err != nil {
			return nil, err
		}
	}

	// Floor division can only under-allocate; the entire remainder goes to
	// the last participant in the stable order.
	remainder := pool - allocated
	shares[len(shares)-1].AmountMicro += remainder

	return shares, nil
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Store  *store.Store
	Outbox *outbox.Emitter
	Rules  *revrule.Governor

	// MinPoolMicro rejects dust pools before any computation.
	MinPoolMicro int64
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
	if cfg.MinPoolMicro < 0 {
		return errors.New("minimum pool must not be negative")
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Result describes a completed distribution run.
type Result struct {
	DistributionID uuid.UUID
	PeriodKey      string
	PoolMicro      int64
	Shares         []Share
}

// Run executes one distribution for the given period key. Re-running with
// the same key is rejected with ErrAlreadyDistributed; nothing is
// re-executed. The distribution record, per-participant shares, dividend
// lots and the outbox event all commit in one transaction.
func (e *Engine) Run(ctx context.Context, periodKey string, poolMicro int64, parts []Participant) (Result, error) {
	if periodKey == "" {
		return Result{}, fmt.Errorf("%w: period key is required", ErrValidation)
	}
	if poolMicro < e.cfg.MinPoolMicro {
		return Result{}, fmt.Errorf("pool %d below minimum %d: %w", poolMicro, e.cfg.MinPoolMicro, ErrBelowThreshold)
	}
	if len(parts) == 0 {
		return Result{}, ErrNoParticipants
	}

	shares, err := ComputeShares(poolMicro, parts)
	if err != nil {
		return Result{}, err
	}
	var totalWeight int64
	for _, p := range parts {
		totalWeight += p.Weight
	}

	tx, err := e.cfg.Pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize on the period key: the unique constraint arbitrates
	// concurrent runs, the pre-check gives a clean error for replays.
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM distributions WHERE period_key = $1)
	`, periodKey).Scan(&exists); err != nil {
		return Result{}, fmt.Errorf("failed to check period key: %w", err)
	}
	if exists {
		return Result{}, fmt.Errorf("period %q: %w", periodKey, ErrAlreadyDistributed)
	}

	distributionID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO distributions (id, period_key, pool_micro, participant_count, total_weight)
		VALUES ($1, $2, $3, $4, $5)
	`, distributionID, periodKey, poolMicro, len(parts), totalWeight); err != nil {
		return Result{}, fmt.Errorf("failed to insert distribution: %w", err)
	}

	for i, share := range shares {
		if _, err := tx.Exec(ctx, `
			INSERT INTO distribution_shares (distribution_id, account_id, weight, share_micro, position)
			VALUES ($1, $2, $3, $4, $5)
		`, distributionID, share.AccountID, share.Weight, share.AmountMicro, i); err != nil {
			return Result{}, fmt.Errorf("failed to insert distribution share: %w", err)
		}
		if share.AmountMicro == 0 {
			continue
		}
		ref := fmt.Sprintf("dist:%s:%s", periodKey, share.AccountID)
		if _, err := e.cfg.Store.MintDividendInTx(ctx, tx, share.AccountID, share.AmountMicro, ref); err != nil {
			return Result{}, err
		}
	}

	if err := e.cfg.Outbox.EmitInTx(ctx, tx, outbox.Event{
		Type:           "revenue.distributed",
		EntityType:     "distribution",
		EntityID:       distributionID.String(),
		IdempotencyKey: "distribute:" + periodKey,
		Payload: map[string]any{
			"period_key":        periodKey,
			"pool_micro":        poolMicro,
			"participant_count": len(parts),
		},
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to commit distribution: %w", err)
	}

	e.log.Info("distribution: period settled",
		"period_key", periodKey, "pool", money.FormatUSD(poolMicro), "participants", len(parts))
	return Result{DistributionID: distributionID, PeriodKey: periodKey, PoolMicro: poolMicro, Shares: shares}, nil
}

// SplitRevenue distributes a finalized revenue pool according to the active
// revenue rule: the rule's four basis-point fields become the participant
// weights for the commons, community, foundation and referrer accounts.
func (e *Engine) SplitRevenue(ctx context.Context, periodKey string, poolMicro int64, recipients revrule.Recipients) (Result, error) {
	if e.cfg.Rules == nil {
		return Result{}, errors.New("rule governor is not configured")
	}
	rule, err := e.cfg.Rules.Active(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve active rule: %w", err)
	}

	parts := make([]Participant, 0, 4)
	for _, rp := range []struct {
		account uuid.UUID
		bps     int64
	}{
		{recipients.Commons, int64(rule.CommonsBps)},
		{recipients.Community, int64(rule.CommunityBps)},
		{recipients.Foundation, int64(rule.FoundationBps)},
		{recipients.Referrer, int64(rule.ReferrerBps)},
	} {
		if rp.bps == 0 {
			continue
		}
		parts = append(parts, Participant{AccountID: rp.account, Weight: rp.bps})
	}

	return e.Run(ctx, periodKey, poolMicro, parts)
}
