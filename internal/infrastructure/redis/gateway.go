package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/leasing-cdc/internal/platform/logger"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Close() error
}

// Gateway forwards messages to the websocket gateway over redis pub/sub.
// Channels are namespaced as "<prefix>:<tenant>:<topic>".
type Gateway struct {
	log    *logger.Logger
	rdb    publisher
	prefix string
}

func NewGateway(ctx context.Context, addr, password, prefix string, log *logger.Logger) (*Gateway, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newGateway(rdb, prefix, log), nil
}

func newGateway(rdb publisher, prefix string, log *logger.Logger) *Gateway {
	if prefix == "" {
		prefix = "ws"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Gateway{log: log.With("service", "RedisGateway"), rdb: rdb, prefix: prefix}
}

func (g *Gateway) Channel(tenantID, topic string) string {
	return g.prefix + ":" + tenantID + ":" + topic
}

// Broadcast publishes message to the tenant's topic and reports how many
// gateway nodes received it.
func (g *Gateway) Broadcast(ctx context.Context, tenantID, topic string, message any) (int64, error) {
	var raw []byte
	switch m := message.(type) {
	case json.RawMessage:
		raw = m
	case []byte:
		raw = m
	case string:
		raw = []byte(m)
	default:
		var err error
		if raw, err = json.Marshal(message); err != nil {
			return 0, err
		}
	}
	channel := g.Channel(tenantID, topic)
	receivers, err := g.rdb.Publish(ctx, channel, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return receivers, nil
}

func (g *Gateway) Close() error {
	if g == nil || g.rdb == nil {
		return nil
	}
	return g.rdb.Close()
}
