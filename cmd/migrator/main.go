package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/config"
	"github.com/opus-domini/tenantmigrator/internal/datasource"
	"github.com/opus-domini/tenantmigrator/internal/events"
	"github.com/opus-domini/tenantmigrator/internal/lease"
	"github.com/opus-domini/tenantmigrator/internal/orchestrator"
	"github.com/opus-domini/tenantmigrator/internal/policy"
	"github.com/opus-domini/tenantmigrator/internal/scheduler"
	"github.com/opus-domini/tenantmigrator/internal/store"
	"github.com/opus-domini/tenantmigrator/internal/telemetry"
	"github.com/opus-domini/tenantmigrator/internal/worker"
	"github.com/opus-domini/tenantmigrator/internal/worker/shellworker"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

// serve wires the long-running process: config load, store init, event
// hub, then every background service started in dependency order and
// stopped in the reverse order.
func serve() int {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	eventHub := events.NewHub()

	st, err := store.New(filepath.Join(cfg.DataDir, "tenantmigrator.db"))
	if err != nil {
		slog.Error("store init failed", "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	busInstance := newBus(st)
	holder := leaseHolderID()

	leaseMgr := lease.NewManager(st, eventHub, slog.Default(), cfg.LeaseName, holder, cfg.LeaseTTL)
	leaseCtx, stopLease := context.WithCancel(context.Background())
	go leaseMgr.Run(leaseCtx, cfg.LeaseRenewInterval)

	schedulerService := scheduler.New(st, busInstance, slog.Default(), scheduler.Options{
		TickInterval:            cfg.TickInterval,
		CatchUpWindow:           cfg.CatchUpWindow,
		DefaultMaxRetries:       cfg.DefaultMaxRetries,
		DefaultRetryIntervalSec: cfg.DefaultRetryIntervalSec,
		Lease:                   leaseMgr,
		EventHub:                eventHub,
		Connectors:              datasource.DefaultRegistry(),
	})
	schedulerService.Start(context.Background())

	workers := newWorkerRegistry()
	policyService := policy.New(st, slog.Default())
	orchestratorService := orchestrator.New(st, busInstance, workers, policyService, eventHub, slog.Default(), orchestrator.Config{
		Prefetch:                cfg.OrchestratorPrefetch,
		PollEvery:               cfg.OrchestratorPollEvery,
		DefaultMaxRetries:       cfg.DefaultMaxRetries,
		DefaultRetryIntervalSec: cfg.DefaultRetryIntervalSec,
		ThrottleHardCap:         cfg.ThrottleHardCap,
	})
	orchestratorCtx, stopOrchestrator := context.WithCancel(context.Background())
	orchestratorDone := make(chan struct{})
	go func() {
		defer close(orchestratorDone)
		orchestratorService.Run(orchestratorCtx)
	}()

	telemetryCollector := telemetry.NewCollector(st, leaseMgr)
	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	telemetryDone := telemetry.Run(telemetryCtx, cfg.TelemetryInterval, telemetryCollector, eventHub)

	slog.Info("tenantmigrator starting", "data_dir", cfg.DataDir, "lease_name", cfg.LeaseName, "holder", holder)

	exitCode := waitForShutdown()

	// Shutdown in LIFO order: stop newest-started first so nothing
	// downstream of a still-running component gets yanked out from under
	// it.
	stopTelemetry()
	<-telemetryDone

	stopOrchestrator()
	<-orchestratorDone

	stopSchedulerCtx, cancelScheduler := context.WithTimeout(context.Background(), 2*time.Second)
	schedulerService.Stop(stopSchedulerCtx)
	cancelScheduler()

	stopLease()
	leaseMgr.Stop()

	slog.Info("tenantmigrator stopped")
	return exitCode
}

func waitForShutdown() int {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	slog.Info("shutting down...")
	return 0
}

func newBus(st *store.Store) *bus.Bus {
	return bus.New(st, slog.Default())
}

func defaultLogger() *slog.Logger {
	return slog.Default()
}

func leaseHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return host + "-" + uuid.NewString()
}

// newWorkerRegistry wires the reference shell-based workers: one per
// worker_id a runbook's init/phase steps can address. A real deployment
// swaps these Function command templates for whatever tenant/mailbox
// tooling it actually has installed; the function names and worker ids
// here match what the runbook grammar's own fixtures use.
func newWorkerRegistry() *worker.Registry {
	registry := worker.NewRegistry()

	registry.Register(shellworker.New("identity-worker", []shellworker.Function{
		{Name: "provision_account", Command: `echo "provisioning account for user=$USER"`, Timeout: 30 * time.Second},
		{Name: "deprovision_account", Command: `echo "deprovisioning account for user=$USER"`, Timeout: 30 * time.Second},
	}))

	registry.Register(shellworker.New("mailbox-worker", []shellworker.Function{
		{Name: "move_mailbox", Command: `echo "moving mailbox for user=$USER"`, Timeout: 5 * time.Minute},
		{Name: "verify_mailbox", Command: `echo "verifying mailbox for user=$USER"`, Timeout: 2 * time.Minute},
	}))

	return registry
}

func initLogger(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}
