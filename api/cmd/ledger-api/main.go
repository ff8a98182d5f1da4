package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hearthworks/tally/api/config"
	"github.com/hearthworks/tally/api/handlers"
	"github.com/hearthworks/tally/api/metrics"
	"github.com/hearthworks/tally/ledger/pkg/budget"
	"github.com/hearthworks/tally/ledger/pkg/deposit"
	"github.com/hearthworks/tally/ledger/pkg/outbox"
	"github.com/hearthworks/tally/ledger/pkg/payout"
	"github.com/hearthworks/tally/ledger/pkg/reconcile"
	"github.com/hearthworks/tally/ledger/pkg/revrule"
	"github.com/hearthworks/tally/ledger/pkg/store"
	"github.com/hearthworks/tally/ledger/pkg/sweeper"
	"github.com/hearthworks/tally/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the ledger API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	providersFlag := flag.String("providers", "paddle", "Comma-separated payment providers to accept webhooks from")
	sweepIntervalFlag := flag.Duration("sweep-interval", time.Minute, "Interval between sweep runs")
	reconcileIntervalFlag := flag.Duration("reconcile-interval", 5*time.Minute, "Interval between reconciliation runs")
	relayIntervalFlag := flag.Duration("relay-interval", 10*time.Second, "Interval between outbox relay polls")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")

	flag.Parse()

	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg, err := config.LoadPgConfigFromEnv(log)
	if err != nil {
		return err
	}
	pool, err := config.NewPgPool(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	emitter, err := outbox.NewEmitter(outbox.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	breaker, err := budget.NewBreaker(budget.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	ledgerStore, err := store.New(store.Config{Logger: log, Pool: pool, Outbox: emitter, Budget: breaker})
	if err != nil {
		return err
	}
	governor, err := revrule.NewGovernor(revrule.Config{Logger: log, Pool: pool, Outbox: emitter})
	if err != nil {
		return err
	}
	payouts, err := payout.NewController(payout.Config{Logger: log, Pool: pool, Store: ledgerStore, Outbox: emitter})
	if err != nil {
		return err
	}
	checker, err := reconcile.NewChecker(reconcile.Config{Logger: log, Pool: pool, Interval: *reconcileIntervalFlag})
	if err != nil {
		return err
	}
	sweep, err := sweeper.New(sweeper.Config{
		Logger:   log,
		Store:    ledgerStore,
		Rules:    governor,
		Budget:   breaker,
		Interval: *sweepIntervalFlag,
	})
	if err != nil {
		return err
	}

	bridges := make(map[string]*deposit.Bridge)
	for _, name := range strings.Split(*providersFlag, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		provider, err := deposit.NewProvider(name)
		if err != nil {
			return err
		}
		bridge, err := deposit.NewBridge(deposit.Config{Logger: log, Store: ledgerStore, Provider: provider})
		if err != nil {
			return err
		}
		bridges[name] = bridge
	}

	server, err := handlers.NewServer(handlers.Config{
		Logger:     log,
		Store:      ledgerStore,
		Rules:      governor,
		Payouts:    payouts,
		Reconciler: checker,
		Bridges:    bridges,
		Version:    version,
	})
	if err != nil {
		return err
	}

	// Start metrics server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	checker.Start(ctx)
	sweep.Start(ctx)

	httpSrv := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("ledger api listening", "address", *listenAddrFlag, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received", "timeout", *shutdownTimeoutFlag)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return relayOutbox(groupCtx, log, emitter, *relayIntervalFlag)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
