// Command ep runs the Environment Plane: the image registry, container
// supervisor, wake scheduler, and client-facing management HTTP API (§2,
// §4.5-§4.7).
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runtarahq/runtara/internal/config"
	"github.com/runtarahq/runtara/internal/emit"
	"github.com/runtarahq/runtara/internal/ep"
	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/registry"
	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/signalqueue"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/internal/store/migrations"
	"github.com/runtarahq/runtara/internal/wake"
)

func openStore(databaseURL string) (store.Storage, error) {
	if path, ok := strings.CutPrefix(databaseURL, "sqlite://"); ok {
		return store.NewSQLiteStore(path)
	}
	if err := migrations.MigrateMySQL(databaseURL); err != nil {
		return nil, err
	}
	return store.NewMySQLStore(databaseURL)
}

func newRunner(cfg config.EPConfig) runner.Runner {
	if cfg.RunnerKind == "oci" {
		return runner.NewOCI(runner.OCIConfig{
			RuntimeBinary: cfg.ContainerCLI,
			BundleDir:     cfg.BundleDir,
			CgroupDriver:  cfg.CgroupDriver,
			NetworkMode:   runner.NetworkMode(cfg.NetworkMode),
		})
	}
	return runner.NewMock()
}

func main() {
	// 1. Load configuration from the environment (and optional config file).
	cfg, err := config.LoadEPConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// 2. Open the relational store.
	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	// 3. Wire the registry, runner, and supervisor.
	reg := registry.New(st, cfg.DataRoot)
	rn := newRunner(cfg)
	metricsReg := prometheus.NewRegistry()
	mc := metrics.New(metricsReg)
	emitter := emit.NewLogEmitter(os.Stdout, true)

	sup := ep.New(st, reg, rn, mc, emitter)
	sup.DataRoot = cfg.DataRoot
	sup.IPAddr = cfg.IPAddr
	sup.TLSSkipVerify = cfg.TLSSkipVerify
	sup.ExecutionTimeout = cfg.ExecutionTimeout
	sup.HeartbeatWindow = cfg.HeartbeatWindow
	sup.MaxConcurrent = cfg.MaxConcurrentContainers

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Startup reconciliation: anything left running by a previous EP
	// process is stale and gets marked crashed (§4.5).
	if err := sup.SweepStaleContainers(ctx); err != nil {
		log.Printf("sweep stale containers: %v", err)
	}

	go sup.ObserveExits(ctx)

	// 5. Wake scheduler: relaunches suspended instances whose sleep_until
	// has elapsed.
	scheduler := wake.New(st, sup, wake.WithMetrics(mc),
		wake.WithInterval(cfg.WakeTickInterval),
		wake.WithBatchLimit(cfg.WakeBatchLimit))
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("wake scheduler stopped: %v", err)
		}
	}()

	// 6. Background heartbeat sweep: catches containers that go silent
	// mid-run, not just ones stale from a previous process.
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatWindow / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sup.SweepStaleContainers(ctx); err != nil {
					log.Printf("heartbeat sweep: %v", err)
				}
			}
		}
	}()

	// 7. Serve the client-facing management HTTP API.
	mgmt := &ep.Management{
		Store:      st,
		Registry:   reg,
		Supervisor: sup,
		Signals:    signalqueue.New(st),
	}
	httpSrv := &http.Server{Addr: cfg.ManagementAddr, Handler: mgmt.Router()}

	ln, err := net.Listen("tcp", cfg.ManagementAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ManagementAddr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("environment plane management api listening on %s", cfg.ManagementAddr)

	select {
	case <-sigChan:
		log.Println("received interrupt signal, shutting down")
		cancel()
		_ = httpSrv.Shutdown(context.Background())
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}
}
