package outbox

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	apitesting "github.com/hearthworks/tally/api/testing"
	tallytesting "github.com/hearthworks/tally/utils/pkg/testing"
)

func testEmitter(t *testing.T) (*Emitter, *pgxpool.Pool) {
	pool := apitesting.NewTestPool(t, sharedDB)
	emitter, err := NewEmitter(Config{Logger: tallytesting.NewLogger(), Pool: pool})
	require.NoError(t, err)
	return emitter, pool
}

func testEvent(key string) Event {
	return Event{
		Type:           "deposit.settled",
		EntityType:     "lot",
		EntityID:       uuid.NewString(),
		IdempotencyKey: key,
		ConfigVersion:  1,
		Payload:        map[string]any{"amount_micro": 1_000_000},
	}
}

func countByKey(t *testing.T, pool *pgxpool.Pool, key string) int {
	var n int
	err := pool.QueryRow(t.Context(), `
		SELECT COUNT(*) FROM economic_events WHERE idempotency_key = $1
	`, key).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestTally_Outbox_Emit(t *testing.T) {
	t.Parallel()
	emitter, pool := testEmitter(t)
	ctx := t.Context()

	t.Run("stores the event with its payload", func(t *testing.T) {
		t.Parallel()
		key := uuid.NewString()
		require.NoError(t, emitter.Emit(ctx, testEvent(key)))

		var payload json.RawMessage
		err := pool.QueryRow(ctx, `
			SELECT payload FROM economic_events WHERE idempotency_key = $1
		`, key).Scan(&payload)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(payload, &decoded))
		require.EqualValues(t, 1_000_000, decoded["amount_micro"])
	})

	t.Run("duplicate idempotency key is a no-op", func(t *testing.T) {
		t.Parallel()
		key := uuid.NewString()
		ev := testEvent(key)
		require.NoError(t, emitter.Emit(ctx, ev))

		ev.Payload = map[string]any{"amount_micro": 9_999_999}
		require.NoError(t, emitter.Emit(ctx, ev))

		require.Equal(t, 1, countByKey(t, pool, key))
	})

	t.Run("empty correlation id stores as NULL", func(t *testing.T) {
		t.Parallel()
		key := uuid.NewString()
		require.NoError(t, emitter.Emit(ctx, testEvent(key)))

		var correlation *string
		err := pool.QueryRow(ctx, `
			SELECT correlation_id FROM economic_events WHERE idempotency_key = $1
		`, key).Scan(&correlation)
		require.NoError(t, err)
		require.Nil(t, correlation)
	})

	t.Run("rejects incomplete events", func(t *testing.T) {
		t.Parallel()
		ev := testEvent(uuid.NewString())
		ev.Type = ""
		require.Error(t, emitter.Emit(ctx, ev))

		ev = testEvent(uuid.NewString())
		ev.EntityID = ""
		require.Error(t, emitter.Emit(ctx, ev))

		ev = testEvent("")
		require.Error(t, emitter.Emit(ctx, ev))
	})
}

func TestTally_Outbox_EmitInTx(t *testing.T) {
	t.Parallel()
	emitter, pool := testEmitter(t)
	ctx := t.Context()

	t.Run("commits with the enclosing transaction", func(t *testing.T) {
		t.Parallel()
		key := uuid.NewString()

		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, emitter.EmitInTx(ctx, tx, testEvent(key)))
		require.Equal(t, 0, countByKey(t, pool, key))
		require.NoError(t, tx.Commit(ctx))

		require.Equal(t, 1, countByKey(t, pool, key))
	})

	t.Run("rolls back with the enclosing transaction", func(t *testing.T) {
		t.Parallel()
		key := uuid.NewString()

		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, emitter.EmitInTx(ctx, tx, testEvent(key)))
		require.NoError(t, tx.Rollback(ctx))

		require.Equal(t, 0, countByKey(t, pool, key))
	})
}

func TestTally_Outbox_Drain(t *testing.T) {
	t.Parallel()
	emitter, _ := testEmitter(t)
	ctx := t.Context()

	keys := make([]string, 3)
	for i := range keys {
		keys[i] = uuid.NewString()
		require.NoError(t, emitter.Emit(ctx, testEvent(keys[i])))
	}

	// The database is shared by the parallel tests above, so look for our
	// events by key instead of asserting on absolute counts.
	pendingByKey := func() map[string]StoredEvent {
		events, err := emitter.Pending(ctx, 1000)
		require.NoError(t, err)
		byKey := make(map[string]StoredEvent, len(events))
		for _, ev := range events {
			require.Nil(t, ev.DispatchedAt)
			byKey[ev.IdempotencyKey] = ev
		}
		return byKey
	}

	byKey := pendingByKey()
	for _, key := range keys {
		require.Contains(t, byKey, key)
	}

	require.NoError(t, emitter.MarkDispatched(ctx, []uuid.UUID{byKey[keys[0]].ID, byKey[keys[1]].ID}))

	byKey = pendingByKey()
	require.NotContains(t, byKey, keys[0])
	require.NotContains(t, byKey, keys[1])
	require.Contains(t, byKey, keys[2])

	// Unknown ids in a batch are ignored and an empty batch is a no-op.
	require.NoError(t, emitter.MarkDispatched(ctx, []uuid.UUID{byKey[keys[2]].ID, uuid.New()}))
	require.NoError(t, emitter.MarkDispatched(ctx, nil))

	byKey = pendingByKey()
	require.NotContains(t, byKey, keys[2])
}
