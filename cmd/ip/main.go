// Command ip runs the Instance Plane: the transport-facing server that
// serves register_instance/checkpoint/sleep/poll_signals/instance_event/
// get_instance_status to workflow binaries over the wire protocol (§4, §6).
package main

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runtarahq/runtara/internal/config"
	"github.com/runtarahq/runtara/internal/emit"
	"github.com/runtarahq/runtara/internal/ip"
	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/signalqueue"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/internal/store/migrations"
	"github.com/runtarahq/runtara/internal/transport"
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

func main() {
	// 1. Load configuration from the environment (and optional config file).
	cfg, err := config.LoadIPConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// 2. Open the relational store.
	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	// 3. Wire the plane's collaborators.
	reg := prometheus.NewRegistry()
	plane := &ip.Plane{
		Store:          st,
		Signals:        signalqueue.New(st),
		Emitter:        emit.NewLogEmitter(os.Stdout, true),
		Metrics:        metrics.New(reg),
		SleepThreshold: cfg.SleepThreshold,
	}

	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = transport.DefaultMaxFrameBytes
	}
	srv := &transport.Server{
		Handler:       plane.Handler(),
		MaxFrameBytes: maxFrameBytes,
	}

	var tlsConfig *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			log.Fatalf("load tls keypair: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddr, err)
	}

	// 4. Setup graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, ln, tlsConfig)
	}()

	log.Printf("instance plane listening on %s", cfg.ListenAddr)

	select {
	case <-sigChan:
		log.Println("received interrupt signal, shutting down")
		cancel()
		_ = srv.Close()
	case err := <-serveErr:
		if err != nil {
			log.Fatalf("serve: %v", err)
		}
	}
}
