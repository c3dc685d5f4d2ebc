package aggregation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/infrastructure/txn"
	"github.com/lib/pq"
)

// Exec runs a write against a watched table and fires the trigger for it in
// the same transaction. Documents are always built after the write. For
// deletes the affected aggregates are resolved before it, while the row can
// still be read.
func (t *Trigger) Exec(ctx context.Context, tx txn.Transaction, change Change, query string, args ...any) (sql.Result, error) {
	if change.Operation == store.OpDelete {
		ids, err := t.resolve(ctx, tx, change)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		if _, err := t.apply(ctx, tx, change, ids); err != nil {
			return nil, err
		}
		return res, nil
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if _, err := t.Fire(ctx, tx, change); err != nil {
		return nil, err
	}
	return res, nil
}

// ColumnLookup reads the aggregate id from column of the changed row in the
// tenant's schema. A missing row or NULL column resolves to no aggregate.
func ColumnLookup(table, column string) func(ctx context.Context, tx txn.Transaction, tenantID, entityID string) (string, error) {
	return func(ctx context.Context, tx txn.Transaction, tenantID, entityID string) (string, error) {
		query := fmt.Sprintf(`SELECT %s FROM %s.%s WHERE id = $1`,
			pq.QuoteIdentifier(column), pq.QuoteIdentifier(tenantID), pq.QuoteIdentifier(table))
		var id sql.NullString
		err := tx.QueryRowContext(ctx, query, entityID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("lookup %s.%s of %s: %w", table, column, entityID, err)
		}
		return id.String, nil
	}
}
