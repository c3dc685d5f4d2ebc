package party

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/leasing-cdc/internal/aggregation"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/infrastructure/store/mocks"
	"github.com/example/leasing-cdc/internal/infrastructure/txn"
	"github.com/example/leasing-cdc/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoDatabase = errors.New("no database in unit tests")

type fakeTx struct {
	queries []string
}

func (f *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}

func (f *fakeTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	f.queries = append(f.queries, query)
	return nil, errNoDatabase
}

func (f *fakeTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error   { return nil }
func (f *fakeTx) Rollback() error { return nil }

func newTestTrigger(documents store.DocumentStore) *aggregation.Trigger {
	builder := aggregation.BuilderFunc(func(ctx context.Context, tx txn.Transaction, tenantID, aggregateID string) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"` + aggregateID + `"}`), nil
	})
	noop := func(ctx context.Context, ex txn.Execer, channel string, payload any) error { return nil }
	t := aggregation.NewTrigger(documents, builder, logger.Nop(), aggregation.WithNotifier(noop))
	Register(t)
	return t
}

func TestRegister_WatchesPartyTables(t *testing.T) {
	trigger := newTestTrigger(mocks.NewMockDocumentStore())
	for _, table := range []string{TableParty, TablePartyMember, TablePerson, TableContactInfo} {
		assert.True(t, trigger.Watched(table), table)
	}
	assert.False(t, trigger.Watched("Lease"))
}

func TestPartyChangeResolvesToItself(t *testing.T) {
	documents := mocks.NewMockDocumentStore()
	trigger := newTestTrigger(documents)
	tx := txn.Wrap(&fakeTx{}, logger.Nop())
	defer tx.Rollback()

	saved, err := trigger.Fire(context.Background(), tx, aggregation.Change{
		TenantID:  "tenant-a",
		Table:     TableParty,
		Operation: store.OpUpdate,
		EntityID:  "party-1",
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "party-1", saved[0].AggregateID)
	assert.Equal(t, TableParty, saved[0].TriggeredBy.Table)
}

func TestContactInfoChangeQueriesActiveMemberships(t *testing.T) {
	ftx := &fakeTx{}
	trigger := newTestTrigger(mocks.NewMockDocumentStore())
	tx := txn.Wrap(ftx, logger.Nop())
	defer tx.Rollback()

	_, err := trigger.Fire(context.Background(), tx, aggregation.Change{
		TenantID:  "tenant-a",
		Table:     TableContactInfo,
		Operation: store.OpInsert,
		EntityID:  "ci-1",
	})
	assert.ErrorIs(t, err, errNoDatabase)
	require.Len(t, ftx.queries, 1)
	assert.Contains(t, ftx.queries[0], `"tenant-a"."ContactInfo" ci`)
	assert.Contains(t, ftx.queries[0], `JOIN "tenant-a"."PartyMember" pm`)
	assert.Contains(t, ftx.queries[0], `pm."endDate" IS NULL`)
}

func TestTombstone(t *testing.T) {
	raw, err := tombstone("party-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"party-1","deleted":true}`, string(raw))
}
