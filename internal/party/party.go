package party

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/leasing-cdc/internal/aggregation"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/infrastructure/txn"
	"github.com/example/leasing-cdc/internal/platform/logger"
	"github.com/lib/pq"
)

// Watched tables of the party aggregate.
const (
	TableParty       = "Party"
	TablePartyMember = "PartyMember"
	TablePerson      = "Person"
	TableContactInfo = "ContactInfo"
)

// NewTrigger returns a trigger that keeps party documents for every table
// feeding the party aggregate.
func NewTrigger(documents store.DocumentStore, log *logger.Logger, opts ...aggregation.Option) *aggregation.Trigger {
	t := aggregation.NewTrigger(documents, aggregation.BuilderFunc(BuildDocument), log, opts...)
	Register(t)
	return t
}

// Register watches the party tables on t.
func Register(t *aggregation.Trigger) {
	t.Watch(TableParty, func(ctx context.Context, tx txn.Transaction, change aggregation.Change) ([]string, error) {
		return []string{change.EntityID}, nil
	})
	t.WatchColumn(TablePartyMember, aggregation.ColumnLookup(TablePartyMember, "partyId"))
	t.Watch(TablePerson, partiesOfPerson(`SELECT DISTINCT "partyId" FROM %s.%s WHERE "personId" = $1 AND "endDate" IS NULL`, TablePartyMember))
	t.Watch(TableContactInfo, partiesOfPerson(`SELECT DISTINCT pm."partyId" FROM %s.%s ci
		JOIN %[1]s."PartyMember" pm ON pm."personId" = ci."personId" AND pm."endDate" IS NULL
		WHERE ci.id = $1`, TableContactInfo))
}

// partiesOfPerson resolves a change to every active party the affected
// person belongs to.
func partiesOfPerson(queryFmt, table string) aggregation.Resolver {
	return func(ctx context.Context, tx txn.Transaction, change aggregation.Change) ([]string, error) {
		query := fmt.Sprintf(queryFmt, pq.QuoteIdentifier(change.TenantID), pq.QuoteIdentifier(table))
		rows, err := tx.QueryContext(ctx, query, change.EntityID)
		if err != nil {
			return nil, fmt.Errorf("resolve parties of %s %s: %w", change.Table, change.EntityID, err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id sql.NullString
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			if id.Valid {
				ids = append(ids, id.String)
			}
		}
		return ids, rows.Err()
	}
}

const documentQuery = `
SELECT jsonb_build_object(
	'id', p.id,
	'state', p.state,
	'workflowName', p."workflowName",
	'assignedPropertyId', p."assignedPropertyId",
	'userId', p."userId",
	'metadata', p.metadata,
	'members', COALESCE((
		SELECT jsonb_agg(jsonb_build_object(
			'id', pm.id,
			'memberType', pm."memberType",
			'memberState', pm."memberState",
			'person', jsonb_build_object(
				'id', per.id,
				'fullName', per."fullName",
				'preferredName', per."preferredName",
				'contactInfo', COALESCE((
					SELECT jsonb_agg(jsonb_build_object('type', ci.type, 'value', ci.value, 'isPrimary', ci."isPrimary") ORDER BY ci.id)
					FROM %[1]s."ContactInfo" ci WHERE ci."personId" = per.id
				), '[]'::jsonb)
			)
		) ORDER BY pm.created_at)
		FROM %[1]s."PartyMember" pm
		JOIN %[1]s."Person" per ON per.id = pm."personId"
		WHERE pm."partyId" = p.id AND pm."endDate" IS NULL
	), '[]'::jsonb),
	'updated_at', p.updated_at
)
FROM %[1]s."Party" p
WHERE p.id = $1`

// BuildDocument computes the party document from the tenant's tables as
// seen by tx. A deleted party yields a tombstone document.
func BuildDocument(ctx context.Context, tx txn.Transaction, tenantID, partyID string) (json.RawMessage, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, fmt.Sprintf(documentQuery, pq.QuoteIdentifier(tenantID)), partyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return tombstone(partyID)
	}
	if err != nil {
		return nil, fmt.Errorf("build party document %s: %w", partyID, err)
	}
	return json.RawMessage(raw), nil
}

func tombstone(partyID string) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"id": partyID, "deleted": true})
}
