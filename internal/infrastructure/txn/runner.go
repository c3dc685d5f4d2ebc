package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/leasing-cdc/internal/platform/logger"
)

type ctxKey struct{}

// NewContext returns a copy of ctx carrying g.
func NewContext(ctx context.Context, g *Guard) context.Context {
	return context.WithValue(ctx, ctxKey{}, g)
}

// FromContext returns the guard stored in ctx, if any.
func FromContext(ctx context.Context) (*Guard, bool) {
	g, ok := ctx.Value(ctxKey{}).(*Guard)
	return g, ok
}

// BeginFunc opens a new underlying transaction.
type BeginFunc func(ctx context.Context) (Tx, error)

// Runner executes functions inside guarded transactions.
type Runner struct {
	begin     BeginFunc
	log       *logger.Logger
	threshold time.Duration
}

func NewRunner(db *sql.DB, log *logger.Logger, threshold time.Duration) *Runner {
	return NewRunnerWithBegin(func(ctx context.Context) (Tx, error) {
		return db.BeginTx(ctx, nil)
	}, log, threshold)
}

func NewRunnerWithBegin(begin BeginFunc, log *logger.Logger, threshold time.Duration) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{begin: begin, log: log, threshold: threshold}
}

// InTransaction runs fn in a transaction. When ctx already carries a guard,
// fn joins that transaction and the outer caller owns commit and rollback.
// Otherwise a new transaction is opened, committed when fn succeeds and
// rolled back when it fails.
func (r *Runner) InTransaction(ctx context.Context, fn func(ctx context.Context, tx *Guard) error) error {
	if g, ok := FromContext(ctx); ok && g.Status() == StatusActive {
		return fn(ctx, g)
	}

	tx, err := r.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	g := Wrap(tx, r.log, WithWarnThreshold(r.threshold), WithOrigin(callSite(2)))

	if err := fn(NewContext(ctx, g), g); err != nil {
		if rbErr := g.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.log.Error("rollback failed", "transaction_id", g.ID(), "origin", g.Origin(), "error", rbErr)
		}
		return err
	}
	if err := g.Commit(); err != nil {
		return fmt.Errorf("commit transaction %s: %w", g.ID(), err)
	}
	return nil
}
