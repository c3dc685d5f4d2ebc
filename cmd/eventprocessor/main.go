package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/leasing-cdc/internal/config"
	"github.com/example/leasing-cdc/internal/infrastructure/kafka"
	"github.com/example/leasing-cdc/internal/infrastructure/pgnotify"
	"github.com/example/leasing-cdc/internal/infrastructure/redis"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/notification"
	"github.com/example/leasing-cdc/internal/platform/logger"
	"github.com/example/leasing-cdc/internal/processor"
)

const schemaWorkers = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eventprocessor: %v\n", err)
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
	log = log.With("service", "event-processor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		"database_url", cfg.DatabaseURL,
		"kafka_brokers", cfg.KafkaBrokers,
		"topic", cfg.KafkaDocumentTopic,
		"redis_addr", cfg.RedisAddr,
	)

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Error("connect postgres", "error", err)
		return err
	}
	defer db.Close()

	documents := store.NewPostgresDocumentStore(db)
	tenants := store.NewPostgresTenantDirectory(db)
	if err := ensureSchemas(ctx, db, tenants); err != nil {
		log.Error("prepare document history", "error", err)
		return fmt.Errorf("prepare document history: %w", err)
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	opts := processor.Options{Exchange: cfg.KafkaDocumentTopic, BufferSize: cfg.DispatchBuffer}
	gateway, err := redis.NewGateway(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannelPrefix, log)
	if err != nil {
		log.Warn("websocket gateway unavailable, table changes will not be forwarded", "error", err)
	} else {
		defer gateway.Close()
		opts.Broadcaster = gateway
	}

	client := pgnotify.NewClient(pgnotify.PQDialer{DSN: cfg.DatabaseURL}, log, pgnotify.Options{
		RetryDelay:   cfg.NotifyRetryDelay,
		PingInterval: cfg.NotifyPingInterval,
	})
	defer client.Close()

	resender := notification.NewResender(documents, producer, cfg.KafkaDocumentTopic, log)
	p := processor.New(client, producer, tenants, resender, log, opts)
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Error("start event processor", "error", err)
		return fmt.Errorf("start event processor: %w", err)
	}
	log.Info("event processor running")

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// ensureSchemas creates the document history table of every tenant.
func ensureSchemas(ctx context.Context, db *sql.DB, tenants store.TenantDirectory) error {
	list, err := tenants.ListTenants(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(schemaWorkers)
	for _, t := range list {
		g.Go(func() error {
			return store.EnsureSchema(gctx, db, t.ID)
		})
	}
	return g.Wait()
}
