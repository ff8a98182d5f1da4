package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hearthworks/tally/api/handlers/dberror"
	"github.com/hearthworks/tally/ledger/pkg/budget"
	"github.com/hearthworks/tally/ledger/pkg/deposit"
	"github.com/hearthworks/tally/ledger/pkg/distribution"
	"github.com/hearthworks/tally/ledger/pkg/money"
	"github.com/hearthworks/tally/ledger/pkg/payout"
	"github.com/hearthworks/tally/ledger/pkg/revrule"
	"github.com/hearthworks/tally/ledger/pkg/store"
)

// ErrorBody is the stable error envelope every non-2xx response carries.
// Code is machine-matchable; Message is for humans and may change.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps the error body so success payloads never collide with
// an "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "error", err)
	}
}

func writeError(log *slog.Logger, w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		if dberror.IsTransient(err) {
			log.Warn("request hit transient database failure", "error", err)
			writeJSON(log, w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrorBody{
				Code:    "UNAVAILABLE",
				Message: dberror.UserMessage(err),
			}})
			return
		}
		log.Error("request failed", "code", code, "error", err)
		// Internal detail stays in the log.
		writeJSON(log, w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: "internal error"}})
		return
	}
	writeJSON(log, w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: err.Error()}})
}

func badRequest(log *slog.Logger, w http.ResponseWriter, message string) {
	writeJSON(log, w, http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: "VALIDATION", Message: message}})
}

// classify maps package sentinels to an HTTP status and a stable reason
// code. Anything unrecognized is an internal error.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, payout.ErrValidation),
		errors.Is(err, revrule.ErrValidation),
		errors.Is(err, distribution.ErrValidation),
		errors.Is(err, budget.ErrValidation),
		errors.Is(err, deposit.ErrValidation):
		return http.StatusBadRequest, "VALIDATION"

	case errors.Is(err, money.ErrOverflow),
		errors.Is(err, money.ErrDivideByZero),
		errors.Is(err, money.ErrNegative):
		return http.StatusUnprocessableEntity, "ARITHMETIC"

	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"

	case errors.Is(err, budget.ErrBudgetExhausted):
		return http.StatusUnprocessableEntity, "BUDGET_EXHAUSTED"

	case errors.Is(err, store.ErrInvalidState),
		errors.Is(err, payout.ErrInvalidState),
		errors.Is(err, revrule.ErrInvalidState),
		errors.Is(err, revrule.ErrCooldownEarly):
		return http.StatusConflict, "STATE"

	case errors.Is(err, revrule.ErrOpenProposal),
		errors.Is(err, payout.ErrReserveFloor):
		return http.StatusConflict, "CONFLICT"

	case errors.Is(err, payout.ErrConcurrency):
		return http.StatusConflict, "CONCURRENCY"

	case errors.Is(err, distribution.ErrAlreadyDistributed):
		return http.StatusConflict, "ALREADY_DISTRIBUTED"

	case errors.Is(err, distribution.ErrBelowThreshold):
		return http.StatusUnprocessableEntity, "BELOW_THRESHOLD"

	case errors.Is(err, distribution.ErrNoParticipants),
		errors.Is(err, distribution.ErrNoWeight):
		return http.StatusUnprocessableEntity, "NO_PARTICIPANTS"

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, payout.ErrNotFound),
		errors.Is(err, revrule.ErrNotFound),
		errors.Is(err, revrule.ErrNoActiveRule),
		errors.Is(err, budget.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
