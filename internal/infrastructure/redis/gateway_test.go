package redis

import (
	"context"
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/leasing-cdc/internal/platform/logger"
)

type published struct {
	channel string
	message interface{}
}

type fakePublisher struct {
	sent      []published
	receivers int64
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.sent = append(f.sent, published{channel: channel, message: message})
	cmd := goredis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(f.receivers)
	}
	return cmd
}

func (f *fakePublisher) Close() error { return nil }

func TestGateway_BroadcastNamespacesChannel(t *testing.T) {
	pub := &fakePublisher{receivers: 2}
	g := newGateway(pub, "ws", logger.Nop())

	n, err := g.Broadcast(context.Background(), "tenant-a", "party_updated", map[string]string{"table": "Party"})

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "ws:tenant-a:party_updated", pub.sent[0].channel)
	assert.JSONEq(t, `{"table":"Party"}`, string(pub.sent[0].message.([]byte)))
}

func TestGateway_BroadcastRawPayloadUntouched(t *testing.T) {
	pub := &fakePublisher{}
	g := newGateway(pub, "", logger.Nop())

	_, err := g.Broadcast(context.Background(), "t", "topic", `{"a":1}`)

	require.NoError(t, err)
	assert.Equal(t, "ws:t:topic", pub.sent[0].channel)
	assert.Equal(t, []byte(`{"a":1}`), pub.sent[0].message)
}

func TestGateway_BroadcastError(t *testing.T) {
	boom := errors.New("READONLY")
	g := newGateway(&fakePublisher{err: boom}, "ws", logger.Nop())

	_, err := g.Broadcast(context.Background(), "t", "topic", "{}")

	assert.ErrorIs(t, err, boom)
}

func TestNewGateway_RequiresAddress(t *testing.T) {
	_, err := NewGateway(context.Background(), " ", "", "ws", logger.Nop())

	assert.Error(t, err)
}
