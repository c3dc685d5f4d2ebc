package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/leasing-cdc/internal/infrastructure/txn"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const documentHistoryTable = "PartyDocumentHistory"

const versionColumns = `id, aggregate_id, document, transaction_id, triggered_by, status, created_at, updated_at`

// PostgresDocumentStore keeps document versions in "<tenant>"."PartyDocumentHistory".
type PostgresDocumentStore struct {
	db *sql.DB
}

func NewPostgresDocumentStore(db *sql.DB) *PostgresDocumentStore {
	return &PostgresDocumentStore{db: db}
}

// DocumentHistoryTable returns the quoted, schema-qualified table name.
func DocumentHistoryTable(tenantID string) string {
	return pq.QuoteIdentifier(tenantID) + "." + pq.QuoteIdentifier(documentHistoryTable)
}

// DocumentHistorySchema returns the DDL for a tenant's document history.
func DocumentHistorySchema(tenantID string) []string {
	table := DocumentHistoryTable(tenantID)
	schema := pq.QuoteIdentifier(tenantID)
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             UUID PRIMARY KEY,
			aggregate_id   UUID NOT NULL,
			document       JSONB NOT NULL,
			transaction_id TEXT NOT NULL,
			triggered_by   JSONB NOT NULL,
			status         TEXT NOT NULL DEFAULT 'Pending',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (aggregate_id, transaction_id)
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS party_document_history_latest_idx ON %s (aggregate_id, created_at DESC)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS party_document_history_pending_idx ON %s (created_at) WHERE status NOT IN ('Sent', 'NoMatchingSubscriptions')`, table),
	}
}

// EnsureSchema creates the document history table for tenantID if missing.
func EnsureSchema(ctx context.Context, db *sql.DB, tenantID string) error {
	for _, stmt := range DocumentHistorySchema(tenantID) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema for tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

func (s *PostgresDocumentStore) Latest(ctx context.Context, tx txn.Transaction, tenantID, aggregateID string) (*DocumentVersion, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE aggregate_id = $1 ORDER BY created_at DESC, updated_at DESC LIMIT 1`,
			versionColumns, DocumentHistoryTable(tenantID)),
		aggregateID,
	)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version of %s: %w", aggregateID, err)
	}
	v.TenantID = tenantID
	return v, nil
}

func (s *PostgresDocumentStore) Save(ctx context.Context, tx txn.Transaction, v *DocumentVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = StatusPending
	}
	v.TransactionID = tx.ID()
	now := time.Now()
	v.UpdatedAt = now

	triggeredBy, err := json.Marshal(v.TriggeredBy)
	if err != nil {
		return err
	}

	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, aggregate_id, document, transaction_id, triggered_by, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (aggregate_id, transaction_id) DO UPDATE
		 SET document = EXCLUDED.document,
		     triggered_by = EXCLUDED.triggered_by,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`, DocumentHistoryTable(v.TenantID)),
		v.ID, v.AggregateID, string(v.Document), v.TransactionID, string(triggeredBy), string(v.Status), now,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("save version of %s: %w", v.AggregateID, err)
	}
	return nil
}

func (s *PostgresDocumentStore) Get(ctx context.Context, tenantID, id string) (*DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, versionColumns, DocumentHistoryTable(tenantID)),
		id,
	)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s: %w", id, err)
	}
	v.TenantID = tenantID
	return v, nil
}

func (s *PostgresDocumentStore) ListPending(ctx context.Context, tenantID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE status NOT IN ($1, $2) ORDER BY created_at ASC`, versionColumns, DocumentHistoryTable(tenantID)),
		string(StatusSent), string(StatusNoMatchingSubscriptions),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending versions: %w", err)
	}
	defer rows.Close()

	var versions []DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		v.TenantID = tenantID
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (s *PostgresDocumentStore) MarkStatus(ctx context.Context, tenantID, id string, status DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = now() WHERE id = $2`, DocumentHistoryTable(tenantID)),
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("mark version %s %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*DocumentVersion, error) {
	var (
		v           DocumentVersion
		document    []byte
		triggeredBy []byte
		status      string
	)
	if err := row.Scan(&v.ID, &v.AggregateID, &document, &v.TransactionID, &triggeredBy, &status, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(triggeredBy, &v.TriggeredBy); err != nil {
		return nil, fmt.Errorf("decode triggered_by of %s: %w", v.ID, err)
	}
	v.Document = json.RawMessage(document)
	v.Status = DocumentStatus(status)
	return &v, nil
}
