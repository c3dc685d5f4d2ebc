package notification

import (
	"encoding/json"
	"fmt"

	"github.com/example/leasing-cdc/internal/infrastructure/store"
)

const (
	// ChannelDocumentChanged carries one DocumentChanged per saved version.
	ChannelDocumentChanged = "party_document_changed"
	// ChannelTableChanged carries one TableChange per watched-table write.
	ChannelTableChanged = "party_updated"

	// RoutingKeyDocumentHistory is the routing key of live and resent
	// document notifications on the outbound broker.
	RoutingKeyDocumentHistory = "party_document_history"
)

// TableChange is the generic "something changed" signal.
type TableChange struct {
	TenantID string          `json:"tenantId"`
	Table    string          `json:"table"`
	Type     store.Operation `json:"type"`
	ID       string          `json:"id"`
}

// DocumentChanged identifies a pending document version. The document itself
// is never part of the payload; consumers load it by VersionID.
type DocumentChanged struct {
	TenantID      string `json:"tenantId"`
	AggregateID   string `json:"aggregateId"`
	VersionID     string `json:"versionId"`
	TransactionID string `json:"transactionId"`
}

func NewDocumentChanged(v store.DocumentVersion) DocumentChanged {
	return DocumentChanged{
		TenantID:      v.TenantID,
		AggregateID:   v.AggregateID,
		VersionID:     v.ID,
		TransactionID: v.TransactionID,
	}
}

func DecodeDocumentChanged(raw []byte) (DocumentChanged, error) {
	var msg DocumentChanged
	if err := json.Unmarshal(raw, &msg); err != nil {
		return DocumentChanged{}, fmt.Errorf("decode document changed: %w", err)
	}
	if msg.TenantID == "" || msg.VersionID == "" {
		return DocumentChanged{}, fmt.Errorf("decode document changed: tenantId and versionId are required")
	}
	return msg, nil
}
