package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailcast/internal/awsutil"
	"mailcast/internal/composer"
	"mailcast/internal/config"
	"mailcast/internal/dispatch"
	"mailcast/internal/handoff"
	"mailcast/internal/httpserver"
	"mailcast/internal/logging"
	"mailcast/internal/observability"
	"mailcast/internal/pubsub"
	sqsqueue "mailcast/internal/queue/sqs"
	"mailcast/internal/quota"
	"mailcast/internal/service"
	"mailcast/internal/store/pg"
	"mailcast/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	log := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

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
		log.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	store := pg.New(db)

	rdb, err := pubsub.NewClient(ctx, cfg.Redis, 3*time.Second)
	if err != nil {
		log.Error("api redis connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		log.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	publisher := pubsub.NewPublisher(rdb)

	// test sends run in-process against the outbound queue
	tests := dispatch.New(store, &handoff.Handoff{
		Composer: &composer.Composer{
			Site:  composer.Site{AppName: cfg.AppName, AppURL: cfg.AppURL, Hostname: cfg.Hostname},
			Store: store,
			NewID: util.NewID,
		},
		Queue:       &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.QueueURL},
		Store:       store,
		Quota:       &quota.Counter{Redis: rdb},
		Limiter:     handoff.NewLimiter(cfg.SendRPS, cfg.SendBurst),
		Breaker:     handoff.NewBreaker("outbound-queue-test"),
		Log:         log,
		MarkRetries: 3,
	}, publisher, dispatch.Options{Log: log})

	svc := &service.CampaignService{
		Store:     store,
		Triggers:  publisher,
		Publisher: publisher,
		Tests:     tests,
		Feedback:  &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.FeedbackQueueURL},
		Log:       log,
	}

	s := httpserver.New()
	api := &httpserver.API{
		Svc:          svc,
		PingInterval: cfg.SSEPingInterval,
		Subscribe: func(ctx context.Context, id string) (*pubsub.Subscription, error) {
			return pubsub.Subscribe(ctx, rdb, id)
		},
	}
	api.Register(s.Mux)
	httpserver.NewWebhook(svc, cfg.WebhookSecret).Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(ctx context.Context) error { return db.Ping(ctx) },
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
		// cancelling ctx ends open progress streams on shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	go func() {
		log.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("api server failed", "err", err)
		os.Exit(1)
	}

	_ = rdb.Close()
	db.Close()
}
