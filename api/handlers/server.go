// Package handlers exposes the ledger over HTTP: webhook ingestion,
// revenue rule governance, payout workflow, balances and reconciliation.
// Every non-2xx response carries the same JSON error envelope.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/hearthworks/tally/api/metrics"
	"github.com/hearthworks/tally/ledger/pkg/deposit"
	"github.com/hearthworks/tally/ledger/pkg/payout"
	"github.com/hearthworks/tally/ledger/pkg/reconcile"
	"github.com/hearthworks/tally/ledger/pkg/revrule"
	"github.com/hearthworks/tally/ledger/pkg/store"
)

type Config struct {
	Logger     *slog.Logger
	Store      *store.Store
	Rules      *revrule.Governor
	Payouts    *payout.Controller
	Reconciler *reconcile.Checker

	// Bridges maps provider name to its deposit bridge. The webhook route
	// rejects providers with no bridge.
	Bridges map[string]*deposit.Bridge

	// Version is reported by GET /version.
	Version string

	// WebhookRate and WebhookBurst bound webhook deliveries per client IP.
	WebhookRate  rate.Limit
	WebhookBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Rules == nil {
		return errors.New("revenue rule governor is required")
	}
	if cfg.Payouts == nil {
		return errors.New("payout controller is required")
	}
	if cfg.Reconciler == nil {
		return errors.New("reconciliation checker is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.WebhookRate == 0 {
		cfg.WebhookRate = rate.Every(time.Minute / 120)
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = 20
	}
	return nil
}

type Server struct {
	log            *slog.Logger
	cfg            Config
	router         *chi.Mux
	webhookLimiter *RateLimiter
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:            cfg.Logger,
		cfg:            cfg,
		router:         chi.NewRouter(),
		webhookLimiter: NewRateLimiter(cfg.WebhookRate, cfg.WebhookBurst),
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the fully wired handler for mounting on an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metricsMiddleware)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)

	s.router.With(RateLimitMiddleware(s.webhookLimiter)).
		Post("/webhooks/{provider}", s.handleWebhook)

	s.router.Route("/rules", func(r chi.Router) {
		r.Post("/", s.handleProposeRule)
		r.Get("/active", s.handleActiveRule)
		r.Get("/{id}", s.handleGetRule)
		r.Get("/{id}/audit", s.handleRuleAudit)
		r.Post("/{id}/approve", s.handleApproveRule)
		r.Post("/{id}/reject", s.handleRejectRule)
		r.Post("/{id}/activate", s.handleActivateRule)
	})

	s.router.Route("/payouts", func(r chi.Router) {
		r.Post("/", s.handleRequestPayout)
		r.Get("/{id}", s.handleGetPayout)
		r.Post("/{id}/approve", s.handleApprovePayout)
		r.Post("/{id}/cancel", s.handleCancelPayout)
		r.Post("/{id}/quarantine", s.handleQuarantinePayout)
	})

	s.router.Route("/accounts", func(r chi.Router) {
		r.Post("/", s.handleCreateAccount)
		r.Get("/{id}/balance", s.handleBalance)
		r.Get("/{id}/entries", s.handleEntries)
	})

	s.router.Get("/treasury", s.handleTreasury)
	s.router.Post("/treasury/adjust", s.handleAdjustReserve)

	s.router.Post("/reconcile/run", s.handleReconcileRun)
	s.router.Get("/reconcile/findings", s.handleReconcileFindings)
}

// metricsMiddleware counts requests per route pattern and status class.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

// handleReadyz reports ready once the reconciliation checker has completed a
// full pass, which requires a live database.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Reconciler.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}
