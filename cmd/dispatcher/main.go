package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
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
	"mailcast/internal/store/pg"
	"mailcast/internal/util"
)

func main() {
	cfg := config.LoadDispatcher()
	log := logging.Init("dispatcher", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DB.DSN, pg.PoolOptions{
		MaxConns:          cfg.PoolMaxConns,
		MinConns:          cfg.PoolMinConns,
		MaxConnLifetime:   cfg.PoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.PoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.PoolHealthCheckPeriod,
	}, 3*time.Second)
	if err != nil {
		log.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	rdb, err := pubsub.NewClient(ctx, cfg.Redis, 3*time.Second)
	if err != nil {
		log.Error("dispatcher redis connect failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		log.Error("dispatcher sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueReady := func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.QueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}
	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := queueReady(startupCtx); err != nil {
		startupCancel()
		log.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	observability.Register(prometheus.DefaultRegisterer)

	publisher := pubsub.NewPublisher(rdb)
	sender := &handoff.Handoff{
		Composer: &composer.Composer{
			Site:  composer.Site{AppName: cfg.AppName, AppURL: cfg.AppURL, Hostname: cfg.Hostname},
			Store: store,
			NewID: util.NewID,
		},
		Queue:       &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.QueueURL},
		Store:       store,
		Publisher:   publisher,
		Quota:       &quota.Counter{Redis: rdb},
		Limiter:     handoff.NewLimiter(cfg.SendRPS, cfg.SendBurst),
		Breaker:     handoff.NewBreaker("outbound-queue"),
		Log:         log,
		MarkRetries: 3,
	}
	loop := dispatch.New(store, sender, publisher, dispatch.Options{
		LeaseTTL:     cfg.LeaseTTL,
		IdleInterval: cfg.IdleInterval,
		ErrorBackoff: cfg.ErrorBackoff,
		PageSize:     cfg.PageSize,
		Concurrency:  cfg.Concurrency,
		Log:          log,
	})

	// health + metrics servers
	probe := httpserver.NewProbe()
	probe.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	probe.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error { return rdb.Ping(c).Err() },
		queueReady,
	)).Methods(http.MethodGet)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: probe.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		log.Info("dispatcher health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		log.Info("dispatcher metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	// queue triggers wake the loop instead of waiting out the idle interval
	go func() {
		err := pubsub.ListenTriggers(ctx, rdb, nil, func(t pubsub.Trigger) {
			log.Debug("dispatcher trigger", "action", t.Action, "campaign_id", t.ID)
			if t.Action == pubsub.ActionNew {
				loop.Wake()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("dispatcher trigger listener stopped", "err", err)
		}
	}()

	loopErrCh := make(chan error, 1)
	go func() {
		log.Info("dispatcher loop starting", "lease_ttl", cfg.LeaseTTL, "page_size", cfg.PageSize, "concurrency", cfg.Concurrency)
		loopErrCh <- loop.Run(ctx)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-loopErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dispatcher loop failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("dispatcher health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("dispatcher metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("dispatcher shutdown", "signal", sig.String())
	}

	for _, st := range loop.Leases() {
		log.Info("dispatcher stopping mid-campaign, lease expires after ttl", "campaign_id", st.CampaignID, "processed", st.Processed)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-loopErrCh:
	case <-time.After(10 * time.Second):
		log.Info("dispatcher shutdown timeout waiting for loop")
	}
}
