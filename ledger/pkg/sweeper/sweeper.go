// Package sweeper runs the time-driven batch transitions: reservation
// expiry, cooldown activation and budget window rolls. Each sweep uses
// conditional predicate updates underneath, so anything transitioned
// concurrently is skipped rather than clobbered.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hearthworks/tally/api/metrics"
	"github.com/hearthworks/tally/ledger/pkg/budget"
	"github.com/hearthworks/tally/ledger/pkg/revrule"
	"github.com/hearthworks/tally/ledger/pkg/store"
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    *store.Store
	Rules    *revrule.Governor
	Budget   *budget.Breaker
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Rules == nil {
		return errors.New("rule governor is required")
	}
	if cfg.Budget == nil {
		return errors.New("budget breaker is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Sweeper struct {
	log   *slog.Logger
	cfg   Config
	runMu sync.Mutex
}

func New(cfg Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		s.log.Info("sweeper: starting", "interval", s.cfg.Interval)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeRun(ctx)
			}
		}
	}()
}

func (s *Sweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweeper: run panicked", "panic", r)
			metrics.SweepRunsTotal.WithLabelValues("all", "panic").Inc()
		}
	}()

	if err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("sweeper: run failed", "error", err)
	}
}

type sweep struct {
	name string
	run  func(ctx context.Context) (int, error)
}

// RunOnce executes every sweep once. A failing sweep does not stop the
// others; errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	sweeps := []sweep{
		{"reservation_expiry", s.cfg.Store.ExpireSweep},
		{"cooldown_activation", s.cfg.Rules.CooldownSweep},
		{"budget_window_reset", s.cfg.Budget.ResetWindows},
	}

	var errs []error
	for _, sw := range sweeps {
		n, err := sw.run(ctx)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues(sw.name, "error").Inc()
			errs = append(errs, fmt.Errorf("sweep %s: %w", sw.name, err))
			continue
		}
		metrics.SweepRunsTotal.WithLabelValues(sw.name, "success").Inc()
		metrics.SweepItemsTotal.WithLabelValues(sw.name).Add(float64(n))
		if n > 0 {
			s.log.Info("sweeper: transitioned rows", "sweep", sw.name, "count", n)
		}
	}
	return errors.Join(errs...)
}
