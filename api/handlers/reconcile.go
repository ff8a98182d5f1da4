package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ReconcileRunResponse reports a completed reconciliation pass.
type ReconcileRunResponse struct {
	Mismatches int `json:"mismatches"`
}

func (s *Server) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	mismatches, err := s.cfg.Reconciler.RunOnce(r.Context())
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, ReconcileRunResponse{Mismatches: mismatches})
}

// FindingResponse is one recorded invariant violation.
type FindingResponse struct {
	ID        uuid.UUID      `json:"id"`
	CheckName string         `json:"check_name"`
	Subject   string         `json:"subject"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Server) handleReconcileFindings(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(s.log, w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	findings, err := s.cfg.Reconciler.Findings(r.Context(), limit)
	if err != nil {
		writeError(s.log, w, err)
		return
	}

	out := make([]FindingResponse, 0, len(findings))
	for _, f := range findings {
		out = append(out, FindingResponse{
			ID:        f.ID,
			CheckName: f.CheckName,
			Subject:   f.Subject,
			Detail:    f.Detail,
			CreatedAt: f.CreatedAt,
		})
	}
	writeJSON(s.log, w, http.StatusOK, map[string]any{"findings": out})
}
