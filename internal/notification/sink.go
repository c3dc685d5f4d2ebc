package notification

import (
	"context"
	"encoding/json"

	"github.com/example/leasing-cdc/internal/infrastructure/store"
)

// TopicPartyDocument is the gateway topic party documents are pushed on.
const TopicPartyDocument = "party_document"

type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID, topic string, message any) (int64, error)
}

// GatewaySink delivers documents to the websocket gateway. A broadcast no
// gateway node received counts as having no subscribers.
type GatewaySink struct {
	gateway Broadcaster
}

func NewGatewaySink(gateway Broadcaster) *GatewaySink {
	return &GatewaySink{gateway: gateway}
}

type documentMessage struct {
	AggregateID   string            `json:"aggregateId"`
	VersionID     string            `json:"versionId"`
	TransactionID string            `json:"transactionId"`
	Document      json.RawMessage   `json:"document"`
	TriggeredBy   store.TriggeredBy `json:"triggeredBy"`
}

func (s *GatewaySink) Deliver(ctx context.Context, v store.DocumentVersion) error {
	msg := documentMessage{
		AggregateID:   v.AggregateID,
		VersionID:     v.ID,
		TransactionID: v.TransactionID,
		Document:      v.Document,
		TriggeredBy:   v.TriggeredBy,
	}
	receivers, err := s.gateway.Broadcast(ctx, v.TenantID, TopicPartyDocument, msg)
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNoSubscribers
	}
	return nil
}
