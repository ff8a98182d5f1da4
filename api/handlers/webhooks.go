package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hearthworks/tally/ledger/pkg/deposit"
)

// WebhookRequest is a verified payment notification from a provider.
type WebhookRequest struct {
	Reference   string    `json:"reference"`
	AccountID   uuid.UUID `json:"account_id"`
	AmountMicro int64     `json:"amount_micro"`
}

// WebhookResponse reports the credited lot. Duplicate deliveries return the
// original lot with duplicate=true.
type WebhookResponse struct {
	LotID     uuid.UUID `json:"lot_id"`
	Duplicate bool      `json:"duplicate"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	bridge, ok := s.cfg.Bridges[provider]
	if !ok {
		writeJSON(s.log, w, http.StatusNotFound, ErrorResponse{Error: ErrorBody{
			Code:    "NOT_FOUND",
			Message: "unknown payment provider: " + provider,
		}})
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}

	res, err := bridge.ProcessWebhook(r.Context(), deposit.PaymentProof{
		Provider:    provider,
		Reference:   req.Reference,
		AccountID:   req.AccountID,
		AmountMicro: req.AmountMicro,
	})
	if err != nil {
		writeError(s.log, w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(s.log, w, status, WebhookResponse{LotID: res.LotID, Duplicate: res.Duplicate})
}
