// Package aggregation maintains party document versions for writes to
// watched tables. Fire must be called by every code path that writes a
// watched table, inside the writing transaction, so that the version and
// its notifications share the write's atomicity.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/example/leasing-cdc/internal/infrastructure/pgnotify"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/infrastructure/txn"
	"github.com/example/leasing-cdc/internal/notification"
	"github.com/example/leasing-cdc/internal/platform/logger"
)

var (
	ErrTableNotWatched  = errors.New("aggregation: table is not watched")
	ErrInvalidOperation = errors.New("aggregation: invalid operation type")
)

// Change describes one row written to a watched table.
type Change struct {
	TenantID  string
	Table     string
	Operation store.Operation
	EntityID  string
}

// Resolver returns the aggregate ids affected by a change. It runs inside
// the writing transaction and may query through tx.
type Resolver func(ctx context.Context, tx txn.Transaction, change Change) ([]string, error)

// DocumentBuilder computes the aggregated document of one aggregate as seen
// by tx.
type DocumentBuilder interface {
	BuildDocument(ctx context.Context, tx txn.Transaction, tenantID, aggregateID string) (json.RawMessage, error)
}

type BuilderFunc func(ctx context.Context, tx txn.Transaction, tenantID, aggregateID string) (json.RawMessage, error)

func (f BuilderFunc) BuildDocument(ctx context.Context, tx txn.Transaction, tenantID, aggregateID string) (json.RawMessage, error) {
	return f(ctx, tx, tenantID, aggregateID)
}

// Notifier emits a notification through the transaction.
type Notifier func(ctx context.Context, ex txn.Execer, channel string, payload any) error

type Trigger struct {
	store   store.DocumentStore
	builder DocumentBuilder
	notify  Notifier
	log     *logger.Logger

	mu     sync.RWMutex
	tables map[string]Resolver
}

type Option func(*Trigger)

// WithNotifier replaces pg_notify, mostly for tests.
func WithNotifier(n Notifier) Option {
	return func(t *Trigger) { t.notify = n }
}

func NewTrigger(documents store.DocumentStore, builder DocumentBuilder, log *logger.Logger, opts ...Option) *Trigger {
	if log == nil {
		log = logger.Nop()
	}
	t := &Trigger{
		store:   documents,
		builder: builder,
		notify:  pgnotify.Notify,
		log:     log.With("component", "aggregation"),
		tables:  make(map[string]Resolver),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Watch registers table and the resolver mapping its rows to aggregates.
func (t *Trigger) Watch(table string, resolve Resolver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tables[table] = resolve
}

// WatchColumn watches a table whose rows carry the aggregate id themselves,
// e.g. PartyMember.partyId, looked up by the changed row id.
func (t *Trigger) WatchColumn(table string, lookup func(ctx context.Context, tx txn.Transaction, tenantID, entityID string) (string, error)) {
	t.Watch(table, func(ctx context.Context, tx txn.Transaction, change Change) ([]string, error) {
		id, err := lookup(ctx, tx, change.TenantID, change.EntityID)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	})
}

func (t *Trigger) Watched(table string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tables[table]
	return ok
}

// Fire records change. For every affected aggregate it saves a pending
// document version unless the version of this transaction already reflects
// a different table, and it always emits a TableChange. It returns the
// versions saved by this call.
func (t *Trigger) Fire(ctx context.Context, tx txn.Transaction, change Change) ([]store.DocumentVersion, error) {
	ids, err := t.resolve(ctx, tx, change)
	if err != nil {
		return nil, err
	}
	return t.apply(ctx, tx, change, ids)
}

// resolve validates change and returns the aggregates it affects.
func (t *Trigger) resolve(ctx context.Context, tx txn.Transaction, change Change) ([]string, error) {
	if !change.Operation.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, change.Operation)
	}
	t.mu.RLock()
	resolve, ok := t.tables[change.Table]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotWatched, change.Table)
	}

	ids, err := resolve(ctx, tx, change)
	if err != nil {
		return nil, fmt.Errorf("resolve aggregates for %s %s: %w", change.Table, change.EntityID, err)
	}
	return uniqueNonEmpty(ids), nil
}

// apply refreshes the documents of ids and emits the table change.
func (t *Trigger) apply(ctx context.Context, tx txn.Transaction, change Change, ids []string) ([]store.DocumentVersion, error) {
	var saved []store.DocumentVersion
	if len(ids) == 0 {
		t.log.Warn("change not attributed to any aggregate",
			"tenant_id", change.TenantID,
			"table", change.Table,
			"operation", change.Operation,
			"entity_id", change.EntityID,
			"transaction_id", tx.ID(),
		)
	}
	for _, aggregateID := range ids {
		v, err := t.refresh(ctx, tx, change, aggregateID)
		if err != nil {
			return nil, err
		}
		if v != nil {
			saved = append(saved, *v)
		}
	}

	err := t.notify(ctx, tx, notification.ChannelTableChanged, notification.TableChange{
		TenantID: change.TenantID,
		Table:    change.Table,
		Type:     change.Operation,
		ID:       change.EntityID,
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (t *Trigger) refresh(ctx context.Context, tx txn.Transaction, change Change, aggregateID string) (*store.DocumentVersion, error) {
	latest, err := t.store.Latest(ctx, tx, change.TenantID, aggregateID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.TransactionID == tx.ID() && latest.TriggeredBy.Table != change.Table {
		t.log.Debug("document already built in transaction",
			"aggregate_id", aggregateID,
			"transaction_id", tx.ID(),
			"built_by", latest.TriggeredBy.Table,
			"table", change.Table,
		)
		return nil, nil
	}

	document, err := t.builder.BuildDocument(ctx, tx, change.TenantID, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("build document for %s: %w", aggregateID, err)
	}

	v := &store.DocumentVersion{
		TenantID:    change.TenantID,
		AggregateID: aggregateID,
		Document:    document,
		TriggeredBy: store.TriggeredBy{
			Table:         change.Table,
			OperationType: change.Operation,
			EntityID:      change.EntityID,
		},
		Status: store.StatusPending,
	}
	if err := t.store.Save(ctx, tx, v); err != nil {
		return nil, err
	}

	// identical payloads within one transaction are delivered once, so a
	// rebuild of the same version does not produce a second notification
	if err := t.notify(ctx, tx, notification.ChannelDocumentChanged, notification.NewDocumentChanged(*v)); err != nil {
		return nil, err
	}
	return v, nil
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
