package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/platform/logger"
)

// Publisher hands a message to the outbound broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, message any) error
}

// Resender republishes every pending version of a tenant. It is what the
// recovery pass runs for each tenant after a restart.
type Resender struct {
	documents store.DocumentStore
	publisher Publisher
	exchange  string
	log       *logger.Logger
}

func NewResender(documents store.DocumentStore, publisher Publisher, exchange string, log *logger.Logger) *Resender {
	if log == nil {
		log = logger.Nop()
	}
	return &Resender{
		documents: documents,
		publisher: publisher,
		exchange:  exchange,
		log:       log.With("component", "resender"),
	}
}

// ResendPendingVersions publishes one DocumentChanged per pending version.
// A failed publish does not stop the remaining versions; the failures are
// returned together.
func (r *Resender) ResendPendingVersions(ctx context.Context, tenant store.Tenant) error {
	versions, err := r.documents.ListPending(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("list pending versions of tenant %s: %w", tenant.ID, err)
	}
	if len(versions) == 0 {
		return nil
	}
	r.log.Info("resending pending document versions", "tenant_id", tenant.ID, "count", len(versions))

	var errs []error
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := NewDocumentChanged(v)
		if err := r.publisher.Publish(ctx, r.exchange, RoutingKeyDocumentHistory, msg); err != nil {
			r.log.Error("resend failed", "tenant_id", tenant.ID, "version_id", v.ID, "aggregate_id", v.AggregateID, "error", err)
			errs = append(errs, fmt.Errorf("version %s: %w", v.ID, err))
		}
	}
	return errors.Join(errs...)
}
