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
	"mailcast/internal/config"
	"mailcast/internal/feedback"
	"mailcast/internal/httpserver"
	"mailcast/internal/ledger"
	"mailcast/internal/logging"
	"mailcast/internal/observability"
	"mailcast/internal/pubsub"
	sqsqueue "mailcast/internal/queue/sqs"
	"mailcast/internal/store/pg"
)

func main() {
	cfg := config.LoadFeedbackProcessor()
	log := logging.Init("feedback-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DB.DSN, pg.PoolOptions{
		MaxConns:          cfg.PoolMaxConns,
		MinConns:          cfg.PoolMinConns,
		MaxConnLifetime:   cfg.PoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.PoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.PoolHealthCheckPeriod,
	}, 3*time.Second)
	if err != nil {
		log.Error("feedback-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	rdb, err := pubsub.NewClient(ctx, cfg.Redis, 3*time.Second)
	if err != nil {
		log.Error("feedback-processor redis connect failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		log.Error("feedback-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.FeedbackQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	processor := &feedback.Processor{
		Ledger:  &ledger.Ledger{Store: store, Publisher: pubsub.NewPublisher(rdb), Log: log},
		Log:     log,
		Retries: 2,
	}

	// health + metrics servers
	probe := httpserver.NewProbe()
	probe.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	probe.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.FeedbackQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	)).Methods(http.MethodGet)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: probe.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		log.Info("feedback-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		log.Info("feedback-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		log.Info("feedback-processor starting poll", "queue_url", cfg.FeedbackQueueURL)
		pollErrCh <- sqsqueue.Poll[feedback.Event](ctx, consumer, cfg.Concurrency, processor.Handle)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("feedback-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("feedback-processor health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("feedback-processor metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("feedback-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		log.Info("feedback-processor shutdown timeout waiting for poll loop")
	}
}
