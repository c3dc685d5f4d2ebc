package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/infrastructure/txn"
	"github.com/google/uuid"
)

// MockDocumentStore is an in-memory DocumentStore with transaction
// visibility: versions saved in a transaction are only seen by that
// transaction until Commit is called for its ID.
type MockDocumentStore struct {
	mu        sync.Mutex
	committed []*store.DocumentVersion
	inflight  map[string][]*store.DocumentVersion // transaction id -> versions

	// For tracking calls in tests
	SaveCalls       []SaveCall
	MarkStatusCalls []MarkStatusCall

	SaveErr        error
	LatestErr      error
	ListPendingErr map[string]error // tenant id -> error
}

// SaveCall records parameters passed to Save
type SaveCall struct {
	TransactionID string
	AggregateID   string
	Table         string
}

// MarkStatusCall records parameters passed to MarkStatus
type MarkStatusCall struct {
	TenantID string
	ID       string
	Status   store.DocumentStatus
}

func NewMockDocumentStore() *MockDocumentStore {
	return &MockDocumentStore{
		inflight:       make(map[string][]*store.DocumentVersion),
		ListPendingErr: make(map[string]error),
	}
}

// Track publishes the guard's versions when it commits.
func (m *MockDocumentStore) Track(g *txn.Guard) {
	id := g.ID()
	g.OnCommit(func() { m.Commit(id) })
}

func (m *MockDocumentStore) Commit(transactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, m.inflight[transactionID]...)
	delete(m.inflight, transactionID)
}

func (m *MockDocumentStore) Rollback(transactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, transactionID)
}

func (m *MockDocumentStore) Latest(ctx context.Context, tx txn.Transaction, tenantID, aggregateID string) (*store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LatestErr != nil {
		return nil, m.LatestErr
	}
	if v := latestOf(m.inflight[tx.ID()], tenantID, aggregateID); v != nil {
		return v, nil
	}
	return latestOf(m.committed, tenantID, aggregateID), nil
}

func (m *MockDocumentStore) Save(ctx context.Context, tx txn.Transaction, v *store.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveCalls = append(m.SaveCalls, SaveCall{
		TransactionID: tx.ID(),
		AggregateID:   v.AggregateID,
		Table:         v.TriggeredBy.Table,
	})
	if m.SaveErr != nil {
		return m.SaveErr
	}

	now := time.Now()
	v.TransactionID = tx.ID()
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = store.StatusPending
	}
	for _, existing := range m.inflight[tx.ID()] {
		if existing.TenantID == v.TenantID && existing.AggregateID == v.AggregateID {
			existing.Document = v.Document
			existing.TriggeredBy = v.TriggeredBy
			existing.Status = v.Status
			existing.UpdatedAt = now
			v.ID = existing.ID
			v.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = now
	stored := *v
	m.inflight[tx.ID()] = append(m.inflight[tx.ID()], &stored)
	return nil
}

func (m *MockDocumentStore) Get(ctx context.Context, tenantID, id string) (*store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.committed {
		if v.TenantID == tenantID && v.ID == id {
			c := *v
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockDocumentStore) ListPending(ctx context.Context, tenantID string) ([]store.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ListPendingErr[tenantID]; err != nil {
		return nil, err
	}
	var out []store.DocumentVersion
	for _, v := range m.committed {
		if v.TenantID == tenantID && !v.Status.Terminal() {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *MockDocumentStore) MarkStatus(ctx context.Context, tenantID, id string, status store.DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkStatusCalls = append(m.MarkStatusCalls, MarkStatusCall{TenantID: tenantID, ID: id, Status: status})
	for _, v := range m.committed {
		if v.TenantID == tenantID && v.ID == id {
			v.Status = status
			v.UpdatedAt = time.Now()
			return nil
		}
	}
	return store.ErrNotFound
}

// Versions returns committed versions of an aggregate, oldest first.
func (m *MockDocumentStore) Versions(tenantID, aggregateID string) []store.DocumentVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.DocumentVersion
	for _, v := range m.committed {
		if v.TenantID == tenantID && v.AggregateID == aggregateID {
			out = append(out, *v)
		}
	}
	return out
}

// AddVersion stores a committed version directly for testing
func (m *MockDocumentStore) AddVersion(v store.DocumentVersion) store.DocumentVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = store.StatusPending
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	stored := v
	m.committed = append(m.committed, &stored)
	return v
}

func latestOf(versions []*store.DocumentVersion, tenantID, aggregateID string) *store.DocumentVersion {
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.TenantID == tenantID && v.AggregateID == aggregateID {
			c := *v
			return &c
		}
	}
	return nil
}

// MockTenantDirectory is a fixed TenantDirectory for testing
type MockTenantDirectory struct {
	Tenants []store.Tenant
	Err     error
	Calls   int
}

func (d *MockTenantDirectory) ListTenants(ctx context.Context) ([]store.Tenant, error) {
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	return append([]store.Tenant(nil), d.Tenants...), nil
}
