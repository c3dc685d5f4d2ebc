package txn

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/example/leasing-cdc/internal/platform/logger"
	"github.com/google/uuid"
)

// DefaultWarnThreshold is how long a transaction may stay open before the
// guard reports it as stuck.
const DefaultWarnThreshold = 10 * time.Second

type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Execer is the query surface shared by *sql.DB, *sql.Tx and Guard.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the underlying transaction handle a Guard wraps. *sql.Tx satisfies it.
type Tx interface {
	Execer
	Commit() error
	Rollback() error
}

// Transaction is what code running inside a guarded transaction sees.
type Transaction interface {
	Execer
	ID() string
}

// Guard makes Commit and Rollback idempotent and warns about transactions
// that stay open longer than the configured threshold.
type Guard struct {
	tx        Tx
	log       *logger.Logger
	id        string
	startTime time.Time
	origin    string
	threshold time.Duration

	mu       sync.Mutex
	status   Status
	watchdog *time.Timer
	onCommit []func()
}

type Option func(*Guard)

func WithWarnThreshold(d time.Duration) Option {
	return func(g *Guard) { g.threshold = d }
}

func WithID(id string) Option {
	return func(g *Guard) { g.id = id }
}

// WithOrigin overrides the recorded call site.
func WithOrigin(origin string) Option {
	return func(g *Guard) { g.origin = origin }
}

// Wrap guards tx. The call site of Wrap is recorded as the transaction origin.
func Wrap(tx Tx, log *logger.Logger, opts ...Option) *Guard {
	g := &Guard{
		tx:        tx,
		id:        uuid.New().String(),
		startTime: time.Now(),
		origin:    callSite(2),
		threshold: DefaultWarnThreshold,
		status:    StatusActive,
	}
	for _, opt := range opts {
		opt(g)
	}
	if log == nil {
		log = logger.Nop()
	}
	g.log = log.With("transaction_id", g.id)
	if g.threshold > 0 {
		g.watchdog = time.AfterFunc(g.threshold, g.warnLongRunning)
	}
	return g
}

func (g *Guard) ID() string           { return g.id }
func (g *Guard) StartTime() time.Time { return g.startTime }
func (g *Guard) Origin() string       { return g.origin }

func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// OnCommit registers fn to run after a successful commit. Hooks never run
// when the transaction is rolled back.
func (g *Guard) OnCommit(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onCommit = append(g.onCommit, fn)
}

func (g *Guard) Commit() error {
	g.mu.Lock()
	if g.status != StatusActive {
		status := g.status
		g.mu.Unlock()
		g.log.Warn("commit called on finished transaction", "status", status, "origin", g.origin, "caller", callSite(2))
		return nil
	}
	g.stopWatchdog()
	err := g.tx.Commit()
	if err != nil {
		// postgres aborts a transaction whose commit fails
		g.status = StatusRolledBack
	} else {
		g.status = StatusCommitted
	}
	hooks := g.onCommit
	g.onCommit = nil
	g.mu.Unlock()

	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (g *Guard) Rollback() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != StatusActive {
		g.log.Warn("rollback called on finished transaction", "status", g.status, "origin", g.origin, "caller", callSite(2))
		return nil
	}
	g.stopWatchdog()
	g.status = StatusRolledBack
	g.onCommit = nil
	return g.tx.Rollback()
}

func (g *Guard) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return g.tx.ExecContext(ctx, query, args...)
}

func (g *Guard) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return g.tx.QueryContext(ctx, query, args...)
}

func (g *Guard) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return g.tx.QueryRowContext(ctx, query, args...)
}

func (g *Guard) stopWatchdog() {
	if g.watchdog != nil {
		g.watchdog.Stop()
	}
}

func (g *Guard) warnLongRunning() {
	g.mu.Lock()
	active := g.status == StatusActive
	g.mu.Unlock()
	if !active {
		return
	}
	g.log.Warn("transaction open longer than threshold",
		"origin", g.origin,
		"threshold", g.threshold,
		"elapsed", time.Since(g.startTime),
	)
}

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
