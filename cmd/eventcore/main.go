package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eventcore/internal/application"
	"eventcore/internal/transport/producer"
	"eventcore/pkg/broker"
	"eventcore/pkg/config"
	"eventcore/pkg/db"
	"eventcore/pkg/httpclient"
	"eventcore/pkg/httpserver"
	"eventcore/pkg/metrics"
	"eventcore/pkg/observability"
	"eventcore/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	serviceName     = "eventcore"
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := observability.InitLogger(conf.LoggingLevel, serviceName)
	defer func() { _ = logger.Sync() }()

	logger.Infof("LOGGING_LEVEL = %s", conf.LoggingLevel)
	if strings.ToLower(conf.LoggingLevel) == "debug" {
		broker.EnableSaramaZapLogs(logger)
	}

	shutdownTracing, err := tracing.Setup(ctx, serviceName, conf.Tracing)
	if err != nil {
		logger.Fatalf("tracing: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	fiberServer := httpserver.NewFiber(conf, m)

	store, err := db.NewPostgres(ctx, conf.Postgres)
	if err != nil {
		logger.Fatal(err)
	}

	publisher, closePublisher, err := newPublisher(conf, logger, m)
	if err != nil {
		store.Close()
		logger.Fatal(err)
	}

	server, err := application.NewApp(ctx, &conf, logger, store, fiberServer, publisher, m, prometheus.DefaultGatherer)
	if err != nil {
		logger.Fatal(err)
	}
	if err := server.Start(ctx); err != nil {
		logger.Fatal(err)
	}

	logger.Info("eventcore started successfully")
	logger.Info(fmt.Sprintf("Server config: %+v", conf.Server))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Fatalf("error listening for server: %v", err)
				return
			}

			logger.Infof("server %v closed", conf.Server.Port)
		}
	}()

	//graceful shutdown
	osSignal := <-interrupt
	switch osSignal {
	case os.Interrupt:
		logger.Infof("%v Got SIGINT...", conf.Server.Port)
	case syscall.SIGTERM:
		logger.Infof("%v Got SIGTERM...", conf.Server.Port)
	}

	// сначала relay доводит начатые публикации, потом закрываем брокер и пул
	if err := server.Shutdown(); err != nil {
		logger.Errorf("server %v forced to shutdown: %v", conf.Server.Port, err)
	}
	cancel()

	if err := closePublisher(); err != nil {
		logger.Warnf("close publisher: %v", err)
	}

	store.Close()
	logger.Infof("postgres db connection closed")

	tctx, tcancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer tcancel()
	if err := shutdownTracing(tctx); err != nil {
		logger.Warnf("tracing shutdown: %v", err)
	}

	logger.Infof("server shutdown %v done", conf.Server.Port)
}

func newPublisher(conf config.Config, logger *zap.SugaredLogger, m *metrics.Metrics) (producer.Producer, func() error, error) {
	switch conf.Publisher.Kind {
	case "webhook":
		client := httpclient.NewClient(conf.HTTPClient)
		retry := httpclient.NewRetryClient(client, conf.HTTPClient.MaxRetries, logger.Named("webhook"))
		logger.Infof("webhook publisher, base url: %s", conf.Publisher.WebhookBaseURL)
		return producer.NewWebhookProducer(retry, conf.Publisher.WebhookBaseURL, logger.Named("webhook"), m),
			func() error { client.CloseIdle(); return nil }, nil
	default:
		kafka, err := broker.NewKafkaBroker(conf.Broker.Kafka, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Kafka broker создан успешно. Default topic: %s", kafka.ProducerTopic)
		return producer.NewKafkaProducer(kafka, logger.Named("kafka"), conf.Broker.Kafka.MaxAttempts, m), kafka.Close, nil
	}
}
