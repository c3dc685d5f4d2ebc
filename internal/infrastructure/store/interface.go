package store

import (
	"context"
	"errors"

	"github.com/example/leasing-cdc/internal/infrastructure/txn"
)

var ErrNotFound = errors.New("store: not found")

// DocumentStore persists document versions in the tenant's schema.
type DocumentStore interface {
	// Latest returns the most recent version of aggregateID visible to tx,
	// or nil when there is none.
	Latest(ctx context.Context, tx txn.Transaction, tenantID, aggregateID string) (*DocumentVersion, error)

	// Save stores v as the version for (v.AggregateID, tx.ID()). A second save
	// in the same transaction replaces document and provenance of the first.
	Save(ctx context.Context, tx txn.Transaction, v *DocumentVersion) error

	Get(ctx context.Context, tenantID, id string) (*DocumentVersion, error)

	// ListPending returns versions not yet delivered (any non-terminal
	// status) oldest first.
	ListPending(ctx context.Context, tenantID string) ([]DocumentVersion, error)

	MarkStatus(ctx context.Context, tenantID, id string, status DocumentStatus) error
}

type TenantDirectory interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
}
