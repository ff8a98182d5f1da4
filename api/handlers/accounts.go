package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hearthworks/tally/ledger/pkg/store"
)

// CreateAccountRequest opens a new ledger account.
type CreateAccountRequest struct {
	Kind string `json:"kind"`
}

// AccountResponse is the wire form of an account.
type AccountResponse struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}

	account, err := s.cfg.Store.CreateAccount(r.Context(), store.AccountKind(req.Kind))
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusCreated, AccountResponse{
		ID:        account.ID,
		Kind:      string(account.Kind),
		CreatedAt: account.CreatedAt,
	})
}

// BalanceResponse carries an account's spendable balance derived from lot
// remainders.
type BalanceResponse struct {
	AccountID    uuid.UUID `json:"account_id"`
	BalanceMicro int64     `json:"balance_micro"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}

	// Confirm the account exists so an unknown id is a 404, not a zero
	// balance.
	if _, err := s.cfg.Store.GetAccount(r.Context(), id); err != nil {
		writeError(s.log, w, err)
		return
	}

	balance, err := s.cfg.Store.Balance(r.Context(), id)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, BalanceResponse{AccountID: id, BalanceMicro: balance})
}

// EntryResponse is one append-only ledger entry.
type EntryResponse struct {
	ID            uuid.UUID  `json:"id"`
	Type          string     `json:"type"`
	AmountMicro   int64      `json:"amount_micro"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	LotID         *uuid.UUID `json:"lot_id,omitempty"`
	Reference     *string    `json:"reference,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(s.log, w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.cfg.Store.Entries(r.Context(), id, limit)
	if err != nil {
		writeError(s.log, w, err)
		return
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryResponse{
			ID:            e.ID,
			Type:          string(e.Type),
			AmountMicro:   e.AmountMicro,
			ReservationID: e.ReservationID,
			LotID:         e.LotID,
			Reference:     e.Reference,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(s.log, w, http.StatusOK, map[string]any{"entries": out})
}
