package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailcast/internal/bounce"
	"mailcast/internal/config"
	"mailcast/internal/httpserver"
	"mailcast/internal/ledger"
	"mailcast/internal/logging"
	"mailcast/internal/observability"
	"mailcast/internal/pubsub"
	"mailcast/internal/store/pg"
)

// Exit codes let the supervisor tell startup failures apart.
const (
	exitDB   = 2
	exitBind = 3
)

func main() {
	cfg := config.LoadBouncer()
	log := logging.Init("bouncer", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DB.DSN, pg.PoolOptions{
		MaxConns:          cfg.PoolMaxConns,
		MinConns:          cfg.PoolMinConns,
		MaxConnLifetime:   cfg.PoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.PoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.PoolHealthCheckPeriod,
	}, 3*time.Second)
	if err != nil {
		log.Error("bouncer db connect failed", "err", err)
		os.Exit(exitDB)
	}
	defer db.Close()
	store := pg.New(db)

	rdb, err := pubsub.NewClient(ctx, cfg.Redis, 3*time.Second)
	if err != nil {
		log.Error("bouncer redis connect failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	observability.Register(prometheus.DefaultRegisterer)

	l := &ledger.Ledger{Store: store, Publisher: pubsub.NewPublisher(rdb), Log: log}
	srv := bounce.New(bounce.Config{
		Hosts:         bounce.ParseHosts(cfg.VERPHost),
		Port:          cfg.VERPPort,
		Domain:        cfg.Hostname,
		BodyCap:       cfg.BodyCap,
		ReadTimeout:   cfg.SMTPReadTimeout,
		MaxRecipients: cfg.MaxRecipients,
	}, store, l, log)

	if err := srv.Listen(); err != nil {
		log.Error("bouncer bind failed", "err", err)
		os.Exit(exitBind)
	}

	probe := httpserver.NewProbe()
	probe.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	probe.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	)).Methods(http.MethodGet)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: probe.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		log.Info("bouncer health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		log.Info("bouncer metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case err := <-serveErrCh:
		if err != nil {
			log.Error("bouncer smtp server failed", "err", err)
			exit = 1
		}
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("bouncer health server failed", "err", err)
			exit = 1
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("bouncer metrics server failed", "err", err)
			exit = 1
		}
	case sig := <-sigCh:
		log.Info("bouncer shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("bouncer smtp shutdown", "err", err)
	}
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if exit != 0 {
		os.Exit(exit)
	}
}
