package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearthworks/tally/api/metrics"
	"github.com/hearthworks/tally/ledger/pkg/outbox"
)

const relayBatchSize = 100

// relayOutbox polls the outbox and hands pending economic events to the
// downstream consumer, which for this deployment is the structured log
// stream. Events are marked dispatched only after they have been written
// out, so a crash replays rather than drops.
func relayOutbox(ctx context.Context, log *slog.Logger, emitter *outbox.Emitter, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		events, err := emitter.Pending(ctx, relayBatchSize)
		if err != nil {
			log.Error("outbox relay: failed to fetch pending events", "error", err)
			continue
		}
		metrics.OutboxPending.Set(float64(len(events)))
		if len(events) == 0 {
			continue
		}

		ids := make([]uuid.UUID, 0, len(events))
		for _, ev := range events {
			log.Info("economic event",
				"event_id", ev.ID,
				"event_type", ev.Type,
				"entity_type", ev.EntityType,
				"entity_id", ev.EntityID,
				"idempotency_key", ev.IdempotencyKey,
				"payload", string(ev.Payload),
			)
			ids = append(ids, ev.ID)
		}
		if err := emitter.MarkDispatched(ctx, ids); err != nil {
			log.Error("outbox relay: failed to mark events dispatched", "error", err)
		}
	}
}
