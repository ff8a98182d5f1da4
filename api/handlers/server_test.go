package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hearthworks/tally/api/handlers"
	apitesting "github.com/hearthworks/tally/api/testing"
	"github.com/hearthworks/tally/ledger/pkg/deposit"
	"github.com/hearthworks/tally/ledger/pkg/outbox"
	"github.com/hearthworks/tally/ledger/pkg/payout"
	"github.com/hearthworks/tally/ledger/pkg/reconcile"
	"github.com/hearthworks/tally/ledger/pkg/revrule"
	"github.com/hearthworks/tally/ledger/pkg/store"
	tallytesting "github.com/hearthworks/tally/utils/pkg/testing"
)

type fixture struct {
	srv   *httptest.Server
	store *store.Store
}

func newFixture(t *testing.T) *fixture {
	pool := apitesting.NewTestPool(t, sharedDB)
	log := tallytesting.NewLogger()

	emitter, err := outbox.NewEmitter(outbox.Config{Logger: log, Pool: pool})
	require.NoError(t, err)
	st, err := store.New(store.Config{Logger: log, Pool: pool, Outbox: emitter})
	require.NoError(t, err)
	governor, err := revrule.NewGovernor(revrule.Config{Logger: log, Pool: pool, Outbox: emitter})
	require.NoError(t, err)
	payouts, err := payout.NewController(payout.Config{Logger: log, Pool: pool, Store: st, Outbox: emitter})
	require.NoError(t, err)
	checker, err := reconcile.NewChecker(reconcile.Config{Logger: log, Pool: pool, Interval: time.Hour})
	require.NoError(t, err)

	provider, err := deposit.NewProvider("paddle")
	require.NoError(t, err)
	bridge, err := deposit.NewBridge(deposit.Config{Logger: log, Store: st, Provider: provider})
	require.NoError(t, err)

	server, err := handlers.NewServer(handlers.Config{
		Logger:     log,
		Store:      st,
		Rules:      governor,
		Payouts:    payouts,
		Reconciler: checker,
		Bridges:    map[string]*deposit.Bridge{"paddle": bridge},
		Version:    "test",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st}
}

// do issues a request and decodes the JSON body into a generic map.
func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func (f *fixture) createAccount(t *testing.T, kind string) uuid.UUID {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/accounts", map[string]any{"kind": kind})
	require.Equal(t, http.StatusCreated, status)
	return uuid.MustParse(body["id"].(string))
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	require.Contains(t, body, "error")
	return body["error"].(map[string]any)["code"].(string)
}

func TestTally_Handlers_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("healthz is always ok", func(t *testing.T) {
		status, _ := f.do(t, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, status)
	})

	t.Run("readyz flips after a reconciliation pass", func(t *testing.T) {
		status, _ := f.do(t, http.MethodGet, "/readyz", nil)
		require.Equal(t, http.StatusServiceUnavailable, status)

		status, body := f.do(t, http.MethodPost, "/reconcile/run", nil)
		require.Equal(t, http.StatusOK, status)
		require.Contains(t, body, "mismatches")

		status, _ = f.do(t, http.MethodGet, "/readyz", nil)
		require.Equal(t, http.StatusOK, status)
	})

	t.Run("version", func(t *testing.T) {
		status, body := f.do(t, http.MethodGet, "/version", nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "test", body["version"])
	})
}

func TestTally_Handlers_Webhooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("credits and deduplicates", func(t *testing.T) {
		accountID := f.createAccount(t, "agent")
		ref := "txn_" + uuid.NewString()
		req := map[string]any{
			"reference":    ref,
			"account_id":   accountID,
			"amount_micro": 4_000_000,
		}

		status, body := f.do(t, http.MethodPost, "/webhooks/paddle", req)
		require.Equal(t, http.StatusCreated, status)
		require.Equal(t, false, body["duplicate"])
		lotID := body["lot_id"].(string)

		status, body = f.do(t, http.MethodPost, "/webhooks/paddle", req)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["duplicate"])
		require.Equal(t, lotID, body["lot_id"])

		status, body = f.do(t, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", accountID), nil)
		require.Equal(t, http.StatusOK, status)
		require.EqualValues(t, 4_000_000, body["balance_micro"])
	})

	t.Run("rejects a malformed reference", func(t *testing.T) {
		accountID := f.createAccount(t, "agent")
		status, body := f.do(t, http.MethodPost, "/webhooks/paddle", map[string]any{
			"reference":    "not-a-paddle-id",
			"account_id":   accountID,
			"amount_micro": 1_000_000,
		})
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "VALIDATION", errorCode(t, body))
	})

	t.Run("unknown provider", func(t *testing.T) {
		status, body := f.do(t, http.MethodPost, "/webhooks/stripe", map[string]any{})
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "NOT_FOUND", errorCode(t, body))
	})
}

// Deliberately not parallel: the single-open and single-active proposal
// invariants span the whole database, so this walk must not interleave with
// another governance writer.
func TestTally_Handlers_Rules(t *testing.T) {
	f := newFixture(t)

	propose := func(bps [4]int) (int, map[string]any) {
		return f.do(t, http.MethodPost, "/rules", map[string]any{
			"commons_bps":    bps[0],
			"community_bps":  bps[1],
			"foundation_bps": bps[2],
			"referrer_bps":   bps[3],
			"actor":          "treasurer",
		})
	}

	status, body := propose([4]int{6000, 3000, 1000, 500})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "VALIDATION", errorCode(t, body))

	status, body = propose([4]int{6000, 3000, 500, 500})
	require.Equal(t, http.StatusCreated, status)
	ruleID := body["id"].(string)
	require.Equal(t, "pending_approval", body["status"])

	status, body = propose([4]int{2500, 2500, 2500, 2500})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "CONFLICT", errorCode(t, body))

	status, body = f.do(t, http.MethodPost, "/rules/"+ruleID+"/approve",
		map[string]any{"actor": "treasurer", "cooldown_seconds": 0})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "cooling_down", body["status"])

	status, body = f.do(t, http.MethodPost, "/rules/"+ruleID+"/activate",
		map[string]any{"actor": "treasurer"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "active", body["status"])

	status, body = f.do(t, http.MethodGet, "/rules/active", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ruleID, body["id"])

	// Reject frees the open proposal slot without touching the active rule.
	status, body = propose([4]int{2500, 2500, 2500, 2500})
	require.Equal(t, http.StatusCreated, status)
	rejectedID := body["id"].(string)
	status, body = f.do(t, http.MethodPost, "/rules/"+rejectedID+"/reject",
		map[string]any{"actor": "treasurer", "reason": "unbalanced"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "rejected", body["status"])

	// Emergency activation bypasses approval and supersedes the active rule.
	status, body = propose([4]int{5000, 3000, 1500, 500})
	require.Equal(t, http.StatusCreated, status)
	emergencyID := body["id"].(string)
	status, body = f.do(t, http.MethodPost, "/rules/"+emergencyID+"/activate?emergency=true",
		map[string]any{"actor": "oncall", "reason": "hotfix split"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "active", body["status"])

	status, body = f.do(t, http.MethodGet, "/rules/"+ruleID, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "superseded", body["status"])

	status, body = f.do(t, http.MethodGet, "/rules/"+ruleID+"/audit", nil)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body["entries"])
}

func TestTally_Handlers_Payouts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	t.Run("request, replay and transition", func(t *testing.T) {
		t.Parallel()
		accountID := f.createAccount(t, "agent")
		_, err := f.store.Deposit(ctx, accountID, 10_000_000, uuid.NewString())
		require.NoError(t, err)

		req := map[string]any{
			"account_id":      accountID,
			"amount_micro":    3_000_000,
			"fee_micro":       100_000,
			"idempotency_key": uuid.NewString(),
		}
		status, body := f.do(t, http.MethodPost, "/payouts", req)
		require.Equal(t, http.StatusCreated, status)
		require.Equal(t, "pending", body["status"])
		require.EqualValues(t, 2_900_000, body["net_micro"])
		payoutID := body["id"].(string)

		status, body = f.do(t, http.MethodPost, "/payouts", req)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, payoutID, body["id"])

		status, body = f.do(t, http.MethodPost, "/payouts/"+payoutID+"/approve", nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "approved", body["status"])

		status, body = f.do(t, http.MethodPost, "/payouts/"+payoutID+"/cancel", nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "cancelled", body["status"])

		// Cancel released the hold.
		status, body = f.do(t, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", accountID), nil)
		require.Equal(t, http.StatusOK, status)
		require.EqualValues(t, 10_000_000, body["balance_micro"])
	})

	t.Run("insufficient balance", func(t *testing.T) {
		t.Parallel()
		accountID := f.createAccount(t, "agent")
		status, body := f.do(t, http.MethodPost, "/payouts", map[string]any{
			"account_id":      accountID,
			"amount_micro":    1_000_000,
			"fee_micro":       0,
			"idempotency_key": uuid.NewString(),
		})
		require.Equal(t, http.StatusUnprocessableEntity, status)
		require.Equal(t, "INSUFFICIENT_BALANCE", errorCode(t, body))
	})

	t.Run("terminal transition is a state error", func(t *testing.T) {
		t.Parallel()
		accountID := f.createAccount(t, "agent")
		_, err := f.store.Deposit(ctx, accountID, 2_000_000, uuid.NewString())
		require.NoError(t, err)

		status, body := f.do(t, http.MethodPost, "/payouts", map[string]any{
			"account_id":      accountID,
			"amount_micro":    1_000_000,
			"fee_micro":       0,
			"idempotency_key": uuid.NewString(),
		})
		require.Equal(t, http.StatusCreated, status)
		payoutID := body["id"].(string)

		status, _ = f.do(t, http.MethodPost, "/payouts/"+payoutID+"/cancel", nil)
		require.Equal(t, http.StatusOK, status)

		status, body = f.do(t, http.MethodPost, "/payouts/"+payoutID+"/approve", nil)
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, "STATE", errorCode(t, body))
	})

	t.Run("unknown and malformed ids", func(t *testing.T) {
		t.Parallel()
		status, body := f.do(t, http.MethodPost, "/payouts/"+uuid.NewString()+"/approve", nil)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "NOT_FOUND", errorCode(t, body))

		status, body = f.do(t, http.MethodPost, "/payouts/not-a-uuid/approve", nil)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "VALIDATION", errorCode(t, body))
	})
}

func TestTally_Handlers_Treasury(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/treasury", nil)
	require.Equal(t, http.StatusOK, status)
	before := int64(body["reserve_micro"].(float64))

	status, body = f.do(t, http.MethodPost, "/treasury/adjust", map[string]any{"delta_micro": 1_000})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, before+1_000, body["reserve_micro"])

	status, body = f.do(t, http.MethodPost, "/treasury/adjust",
		map[string]any{"delta_micro": -(before + 1_000 + 1)})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "VALIDATION", errorCode(t, body))
}

func TestTally_Handlers_Accounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	t.Run("unknown account balance is a 404", func(t *testing.T) {
		t.Parallel()
		status, body := f.do(t, http.MethodGet, "/accounts/"+uuid.NewString()+"/balance", nil)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "NOT_FOUND", errorCode(t, body))
	})

	t.Run("invalid kind", func(t *testing.T) {
		t.Parallel()
		status, body := f.do(t, http.MethodPost, "/accounts", map[string]any{"kind": "starship"})
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "VALIDATION", errorCode(t, body))
	})

	t.Run("entries reflect movements", func(t *testing.T) {
		t.Parallel()
		accountID := f.createAccount(t, "agent")
		_, err := f.store.Deposit(ctx, accountID, 1_000_000, uuid.NewString())
		require.NoError(t, err)

		status, body := f.do(t, http.MethodGet, fmt.Sprintf("/accounts/%s/entries?limit=10", accountID), nil)
		require.Equal(t, http.StatusOK, status)
		entries := body["entries"].([]any)
		require.Len(t, entries, 1)
		require.Equal(t, "deposit", entries[0].(map[string]any)["type"])
	})
}
