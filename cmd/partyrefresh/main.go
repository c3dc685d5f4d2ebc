package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/leasing-cdc/internal/aggregation"
	"github.com/example/leasing-cdc/internal/config"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/infrastructure/txn"
	"github.com/example/leasing-cdc/internal/party"
	"github.com/example/leasing-cdc/internal/platform/logger"
)

// partyrefresh rebuilds the documents of the given parties, for example
// after the document shape changed. Every party gets a new pending version
// which the event processor forwards like any other change.
func main() {
	tenantID := flag.String("tenant", "", "tenant schema the parties belong to")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: partyrefresh -tenant <id> <party-id>...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *tenantID == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*tenantID, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "partyrefresh: %v\n", err)
		os.Exit(1)
	}
}

func run(tenantID string, partyIDs []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	log = log.With("service", "party-refresh", "tenant_id", tenantID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Error("connect postgres", "error", err)
		return err
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db, tenantID); err != nil {
		log.Error("prepare document history", "error", err)
		return fmt.Errorf("prepare document history: %w", err)
	}

	runner := txn.NewRunner(db, log, cfg.TxWarnThreshold)
	trigger := party.NewTrigger(store.NewPostgresDocumentStore(db), log)

	failed := 0
	for _, partyID := range partyIDs {
		err := runner.InTransaction(ctx, func(ctx context.Context, tx *txn.Guard) error {
			_, err := trigger.Fire(ctx, tx, aggregation.Change{
				TenantID:  tenantID,
				Table:     party.TableParty,
				Operation: store.OpUpdate,
				EntityID:  partyID,
			})
			return err
		})
		if err != nil {
			failed++
			log.Error("refresh failed", "party_id", partyID, "error", err)
			continue
		}
		log.Info("party document refreshed", "party_id", partyID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d parties failed to refresh", failed, len(partyIDs))
	}
	return nil
}
