package store

import (
	"encoding/json"
	"time"
)

// DocumentStatus is the delivery state of a document version.
type DocumentStatus string

const (
	StatusPending                 DocumentStatus = "Pending"
	StatusSending                 DocumentStatus = "Sending"
	StatusSent                    DocumentStatus = "Sent"
	StatusFailed                  DocumentStatus = "Failed"
	StatusNoMatchingSubscriptions DocumentStatus = "NoMatchingSubscriptions"
)

// Terminal reports whether no further delivery attempts are expected.
func (s DocumentStatus) Terminal() bool {
	return s == StatusSent || s == StatusNoMatchingSubscriptions
}

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// TriggeredBy records the row change that caused a document rebuild.
type TriggeredBy struct {
	Table         string    `json:"table"`
	OperationType Operation `json:"type"`
	EntityID      string    `json:"entityId"`
}

// DocumentVersion is one aggregated snapshot of a party, produced inside the
// transaction that changed it. At most one exists per (aggregate, transaction).
type DocumentVersion struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	AggregateID   string          `json:"aggregateId"`
	Document      json.RawMessage `json:"document"`
	TransactionID string          `json:"transactionId"`
	TriggeredBy   TriggeredBy     `json:"triggeredBy"`
	Status        DocumentStatus  `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Tenant is an entry of the tenant directory. Each tenant owns a schema
// named after its ID.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
