// Package outbox provides the durable economic event outbox. Events are
// written in the same transaction as the ledger mutation they describe, so
// both commit or neither does. Duplicate emission (same idempotency key) is
// silently a no-op, never an error.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is an economic event to be emitted.
type Event struct {
	Type           string
	EntityType     string
	EntityID       string
	CorrelationID  string
	IdempotencyKey string
	ConfigVersion  int64
	Payload        any
}

func (ev *Event) validate() error {
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	if ev.EntityType == "" || ev.EntityID == "" {
		return errors.New("entity reference is required")
	}
	if ev.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	return nil
}

// StoredEvent is an event row read back from the outbox.
type StoredEvent struct {
	ID             uuid.UUID
	Type           string
	EntityType     string
	EntityID       string
	CorrelationID  *string
	IdempotencyKey string
	ConfigVersion  int64
	Payload        json.RawMessage
	DispatchedAt   *time.Time
	CreatedAt      time.Time
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Emitter struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewEmitter(cfg Config) (*Emitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Emitter{log: cfg.Logger, pool: cfg.Pool}, nil
}

const insertEventSQL = `
	INSERT INTO economic_events (id, event_type, entity_type, entity_id, correlation_id, idempotency_key, config_version, payload)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	ON CONFLICT (idempotency_key) DO NOTHING
`

// EmitInTx inserts the event using the caller's active transaction so the
// event row and the primary ledger mutation commit (or roll back) together.
func (e *Emitter) EmitInTx(ctx context.Context, tx pgx.Tx, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	tag, err := tx.Exec(ctx, insertEventSQL,
		uuid.New(), ev.Type, ev.EntityType, ev.EntityID, ev.CorrelationID, ev.IdempotencyKey, ev.ConfigVersion, payload)
	if err != nil {
		return fmt.Errorf("failed to insert economic event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		e.log.Debug("outbox: duplicate event skipped", "type", ev.Type, "idempotency_key", ev.IdempotencyKey)
	}
	return nil
}

// Emit inserts the event in its own transaction, for events with no
// co-dependent ledger mutation.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.EmitInTx(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Pending returns undispatched events in creation order, up to limit.
func (e *Emitter) Pending(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := e.pool.Query(ctx, `
		SELECT id, event_type, entity_type, entity_id, correlation_id, idempotency_key, config_version, payload, dispatched_at, created_at
		FROM economic_events
		WHERE dispatched_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.EntityType, &ev.EntityID, &ev.CorrelationID,
			&ev.IdempotencyKey, &ev.ConfigVersion, &ev.Payload, &ev.DispatchedAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// MarkDispatched stamps the given events as handed to the downstream relay.
func (e *Emitter) MarkDispatched(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := e.pool.Exec(ctx, `
		UPDATE economic_events SET dispatched_at = now()
		WHERE id = ANY($1) AND dispatched_at IS NULL
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark events dispatched: %w", err)
	}
	return nil
}
