package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hearthworks/tally/ledger/pkg/revrule"
)

// RuleResponse is the wire form of a revenue rule.
type RuleResponse struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	CommonsBps    int        `json:"commons_bps"`
	CommunityBps  int        `json:"community_bps"`
	FoundationBps int        `json:"foundation_bps"`
	ReferrerBps   int        `json:"referrer_bps"`
	ActivatesAt   *time.Time `json:"activates_at,omitempty"`
	SupersededBy  *uuid.UUID `json:"superseded_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func ruleResponse(rule revrule.Rule) RuleResponse {
	return RuleResponse{
		ID:            rule.ID,
		Status:        string(rule.Status),
		CommonsBps:    rule.CommonsBps,
		CommunityBps:  rule.CommunityBps,
		FoundationBps: rule.FoundationBps,
		ReferrerBps:   rule.ReferrerBps,
		ActivatesAt:   rule.ActivatesAt,
		SupersededBy:  rule.SupersededBy,
		CreatedAt:     rule.CreatedAt,
		UpdatedAt:     rule.UpdatedAt,
	}
}

// ProposeRuleRequest opens a new rule proposal.
type ProposeRuleRequest struct {
	CommonsBps    int    `json:"commons_bps"`
	CommunityBps  int    `json:"community_bps"`
	FoundationBps int    `json:"foundation_bps"`
	ReferrerBps   int    `json:"referrer_bps"`
	Actor         string `json:"actor"`
}

func (s *Server) handleProposeRule(w http.ResponseWriter, r *http.Request) {
	var req ProposeRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}

	rule, err := s.cfg.Rules.Propose(r.Context(), revrule.Split{
		CommonsBps:    req.CommonsBps,
		CommunityBps:  req.CommunityBps,
		FoundationBps: req.FoundationBps,
		ReferrerBps:   req.ReferrerBps,
	}, req.Actor)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusCreated, ruleResponse(rule))
}

// ApproveRuleRequest moves a proposal into its cooldown window.
type ApproveRuleRequest struct {
	Actor           string `json:"actor"`
	CooldownSeconds int64  `json:"cooldown_seconds"`
}

func (s *Server) handleApproveRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req ApproveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}
	if req.CooldownSeconds < 0 {
		badRequest(s.log, w, "cooldown_seconds must not be negative")
		return
	}

	rule, err := s.cfg.Rules.Approve(r.Context(), id, req.Actor, time.Duration(req.CooldownSeconds)*time.Second)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, ruleResponse(rule))
}

// RejectRuleRequest terminally rejects a proposal.
type RejectRuleRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleRejectRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req RejectRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}

	rule, err := s.cfg.Rules.Reject(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, ruleResponse(rule))
}

// ActivateRuleRequest activates a cooled-down rule. With ?emergency=true the
// cooldown check is bypassed and a reason is mandatory.
type ActivateRuleRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req ActivateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(s.log, w, "invalid JSON body: "+err.Error())
		return
	}

	var (
		rule revrule.Rule
		err  error
	)
	if r.URL.Query().Get("emergency") == "true" {
		rule, err = s.cfg.Rules.ActivateEmergency(r.Context(), id, req.Actor, req.Reason)
	} else {
		rule, err = s.cfg.Rules.Activate(r.Context(), id, req.Actor)
	}
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, ruleResponse(rule))
}

func (s *Server) handleActiveRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.cfg.Rules.Active(r.Context())
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, ruleResponse(rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	rule, err := s.cfg.Rules.Get(r.Context(), id)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, ruleResponse(rule))
}

// AuditEntryResponse is one row of a rule's transition history.
type AuditEntryResponse struct {
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	PrevStatus string    `json:"prev_status"`
	NewStatus  string    `json:"new_status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleRuleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	entries, err := s.cfg.Rules.Audit(r.Context(), id)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			Actor:      e.Actor,
			Reason:     e.Reason,
			PrevStatus: string(e.PrevStatus),
			NewStatus:  string(e.NewStatus),
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(s.log, w, http.StatusOK, map[string]any{"entries": out})
}

// urlID parses the {id} route parameter, writing the error response itself
// when the value is not a UUID.
func (s *Server) urlID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(s.log, w, "invalid id: "+err.Error())
		return uuid.Nil, false
	}
	return id, true
}
