package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/leasing-cdc/internal/config"
	"github.com/example/leasing-cdc/internal/infrastructure/kafka"
	"github.com/example/leasing-cdc/internal/infrastructure/redis"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/notification"
	"github.com/example/leasing-cdc/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "documentsender: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	log = log.With("service", "document-sender")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		"kafka_brokers", cfg.KafkaBrokers,
		"topic", cfg.KafkaDocumentTopic,
		"group", cfg.KafkaConsumerGroup,
		"redis_addr", cfg.RedisAddr,
	)

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Error("connect postgres", "error", err)
		return err
	}
	defer db.Close()

	gateway, err := redis.NewGateway(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannelPrefix, log)
	if err != nil {
		log.Error("connect websocket gateway", "error", err)
		return fmt.Errorf("connect websocket gateway: %w", err)
	}
	defer gateway.Close()

	handler := notification.NewHandler(store.NewPostgresDocumentStore(db), notification.NewGatewaySink(gateway), log)
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaDocumentTopic, cfg.KafkaConsumerGroup, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Consume(gctx, handler.HandleEvent)
	})
	g.Go(func() error {
		<-gctx.Done()
		return consumer.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("document sender stopped", "error", err)
		return err
	}
	log.Info("shutting down")
	return nil
}
