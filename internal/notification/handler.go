package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/platform/logger"
)

// ErrNoSubscribers is returned by a Sink that has nobody to deliver to.
var ErrNoSubscribers = errors.New("no matching subscriptions")

// Sink delivers a document version to its downstream consumers.
type Sink interface {
	Deliver(ctx context.Context, v store.DocumentVersion) error
}

// Handler processes document notifications from the broker and records the
// delivery outcome on the version.
type Handler struct {
	documents store.DocumentStore
	sink      Sink
	log       *logger.Logger
}

// NewHandler creates a new notification handler
func NewHandler(documents store.DocumentStore, sink Sink, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		documents: documents,
		sink:      sink,
		log:       log.With("component", "document-sender"),
	}
}

// HandleEvent processes a DocumentChanged message from Kafka. Live and
// resent notifications of the same version may both arrive; versions that
// already reached a terminal status are skipped.
func (h *Handler) HandleEvent(ctx context.Context, key, value []byte) error {
	msg, err := DecodeDocumentChanged(value)
	if err != nil {
		h.log.Warn("dropping malformed document notification", "error", err)
		return err
	}

	v, err := h.documents.Get(ctx, msg.TenantID, msg.VersionID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warn("document version not found", "tenant_id", msg.TenantID, "version_id", msg.VersionID)
		return nil
	}
	if err != nil {
		return err
	}
	if v.Status.Terminal() {
		h.log.Debug("document version already handled", "version_id", v.ID, "status", v.Status)
		return nil
	}

	if err := h.documents.MarkStatus(ctx, msg.TenantID, v.ID, store.StatusSending); err != nil {
		return err
	}

	status := store.StatusSent
	deliverErr := h.sink.Deliver(ctx, *v)
	switch {
	case errors.Is(deliverErr, ErrNoSubscribers):
		status = store.StatusNoMatchingSubscriptions
		deliverErr = nil
	case deliverErr != nil:
		status = store.StatusFailed
	}

	if err := h.documents.MarkStatus(ctx, msg.TenantID, v.ID, status); err != nil {
		return err
	}
	if deliverErr != nil {
		return fmt.Errorf("deliver version %s: %w", v.ID, deliverErr)
	}

	h.log.Info("document version delivered", "tenant_id", msg.TenantID, "aggregate_id", v.AggregateID, "version_id", v.ID, "status", status)
	return nil
}
