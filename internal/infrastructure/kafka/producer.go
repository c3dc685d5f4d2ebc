package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const HeaderRoutingKey = "routing-key"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes messages to the topic named by the exchange.
type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{writer: writer}
}

// Publish writes message to topic exchange keyed by routingKey. Raw JSON
// ([]byte, json.RawMessage, string) is sent untouched, anything else is
// JSON encoded.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   exchange,
		Key:     []byte(routingKey),
		Value:   data,
		Headers: []kafka.Header{{Key: HeaderRoutingKey, Value: []byte(routingKey)}},
		Time:    time.Now(),
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func encode(message any) ([]byte, error) {
	switch m := message.(type) {
	case json.RawMessage:
		return m, nil
	case []byte:
		return m, nil
	case string:
		return []byte(m), nil
	}
	return json.Marshal(message)
}
