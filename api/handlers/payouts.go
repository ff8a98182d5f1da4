package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hearthworks/tally/ledger/pkg/payout"
)

// PayoutResponse is the wire form of a payout.
type PayoutResponse struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	AmountMicro int64     `json:"amount_micro"`
	FeeMicro    int64     `json:"fee_micro"`
	NetMicro    int64     `json:"net_micro"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func payoutResponse(p payout.Payout) PayoutResponse {
	return PayoutResponse{
		ID:          p.ID,
		AccountID:   p.AccountID,
		AmountMicro: p.AmountMicro,
		FeeMicro:    p.FeeMicro,
		NetMicro:    p.NetMicro,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// RequestPayoutRequest opens a payout and holds the amount from the account.
type RequestPayoutRequest struct {
	AccountID      uuid.UUID `json:"account_id"`
	AmountMicro    int64     `json:"amount_micro"`
	FeeMicro       int64     `json:"fee_micro"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func (s *Server) handleRequestPayout(w http.ResponseWriter, r *http.Request) {
	var req RequestPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.cfg.Payouts.Request(r.Context(), req.AccountID, req.AmountMicro, req.FeeMicro, req.IdempotencyKey)
	if err != nil {
		writeError(s.log, w, err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(s.log, w, status, payoutResponse(res.Payout))
}

func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	p, err := s.cfg.Payouts.Get(r.Context(), id)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, payoutResponse(p))
}

func (s *Server) handleApprovePayout(w http.ResponseWriter, r *http.Request) {
	s.transitionPayout(w, r, s.cfg.Payouts.Approve)
}

func (s *Server) handleCancelPayout(w http.ResponseWriter, r *http.Request) {
	s.transitionPayout(w, r, s.cfg.Payouts.Cancel)
}

func (s *Server) handleQuarantinePayout(w http.ResponseWriter, r *http.Request) {
	s.transitionPayout(w, r, s.cfg.Payouts.Quarantine)
}

func (s *Server) transitionPayout(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, id uuid.UUID) (payout.Payout, error)) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	p, err := transition(r.Context(), id)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, payoutResponse(p))
}

// TreasuryResponse is the versioned reserve state.
type TreasuryResponse struct {
	Version      int64 `json:"version"`
	ReserveMicro int64 `json:"reserve_micro"`
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Payouts.TreasuryState(r.Context())
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, TreasuryResponse{Version: t.Version, ReserveMicro: t.ReserveMicro})
}

// AdjustReserveRequest moves the treasury reserve by a signed delta.
type AdjustReserveRequest struct {
	DeltaMicro int64 `json:"delta_micro"`
}

func (s *Server) handleAdjustReserve(w http.ResponseWriter, r *http.Request) {
	var req AdjustReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}

	t, err := s.cfg.Payouts.AdjustReserve(r.Context(), req.DeltaMicro)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, TreasuryResponse{Version: t.Version, ReserveMicro: t.ReserveMicro})
}
