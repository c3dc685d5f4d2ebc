package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/leasing-cdc/internal/infrastructure/pgnotify"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/infrastructure/store/mocks"
	"github.com/example/leasing-cdc/internal/notification"
	"github.com/example/leasing-cdc/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const exchange = "party-documents"

type fakeSubscriber struct {
	mu         sync.Mutex
	connects   int
	connectErr error
	handlers   map[string][]pgnotify.Handler
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string][]pgnotify.Handler)}
}

func (s *fakeSubscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return s.connectErr
}

func (s *fakeSubscriber) Listen(channel string, h pgnotify.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[channel] = append(s.handlers[channel], h)
}

func (s *fakeSubscriber) emit(channel, payload string) {
	s.mu.Lock()
	handlers := append([]pgnotify.Handler(nil), s.handlers[channel]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(pgnotify.Notification{Channel: channel, Payload: payload})
	}
}

func (s *fakeSubscriber) listening(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[channel]) > 0
}

type publishCall struct {
	Exchange   string
	RoutingKey string
	Message    any
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{Exchange: exchange, RoutingKey: routingKey, Message: message})
	return p.err
}

func (p *fakePublisher) Calls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

// versionIDs extracts the version id of every published message, whether
// it came from the live path (raw JSON) or from a resend.
func (p *fakePublisher) versionIDs(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, c := range p.Calls() {
		switch m := c.Message.(type) {
		case notification.DocumentChanged:
			ids = append(ids, m.VersionID)
		case json.RawMessage:
			msg, err := notification.DecodeDocumentChanged(m)
			require.NoError(t, err)
			ids = append(ids, msg.VersionID)
		default:
			t.Fatalf("unexpected message type %T", c.Message)
		}
	}
	return ids
}

type broadcast struct {
	TenantID string
	Topic    string
	Message  any
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcast
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, tenantID, topic string, message any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcast{TenantID: tenantID, Topic: topic, Message: message})
	return 1, nil
}

func (b *fakeBroadcaster) Calls() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.calls...)
}

type fakeResender struct {
	mu    sync.Mutex
	seen  []string
	fails map[string]error
}

func (r *fakeResender) ResendPendingVersions(ctx context.Context, tenant store.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, tenant.ID)
	return r.fails[tenant.ID]
}

func tenantsOf(ids ...string) *mocks.MockTenantDirectory {
	dir := &mocks.MockTenantDirectory{}
	for _, id := range ids {
		dir.Tenants = append(dir.Tenants, store.Tenant{ID: id, Name: id})
	}
	return dir
}

func TestProcessor_ForwardsLiveNotifications(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	p := New(sub, pub, tenantsOf(), &fakeResender{}, logger.Nop(), Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 1, sub.connects)
	require.True(t, sub.listening(notification.ChannelDocumentChanged))
	assert.False(t, sub.listening(notification.ChannelTableChanged))

	for i := 0; i < 3; i++ {
		sub.emit(notification.ChannelDocumentChanged,
			fmt.Sprintf(`{"tenantId":"tenant-a","aggregateId":"party-1","versionId":"v%d","transactionId":"tx"}`, i))
	}

	require.Eventually(t, func() bool { return len(pub.Calls()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"v0", "v1", "v2"}, pub.versionIDs(t))
	for _, c := range pub.Calls() {
		assert.Equal(t, exchange, c.Exchange)
		assert.Equal(t, notification.RoutingKeyDocumentHistory, c.RoutingKey)
	}
}

func TestProcessor_DropsMalformedPayload(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	core, logs := observer.New(zapcore.DebugLevel)
	p := New(sub, pub, tenantsOf(), &fakeResender{}, logger.NewWithCore(core), Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	sub.emit(notification.ChannelDocumentChanged, `{not json`)
	sub.emit(notification.ChannelDocumentChanged, `{"tenantId":"tenant-a","versionId":"v1"}`)

	require.Eventually(t, func() bool { return len(pub.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed notification").Len())
}

func TestProcessor_PublishFailureIsLoggedNotRetried(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	core, logs := observer.New(zapcore.DebugLevel)
	p := New(sub, pub, tenantsOf(), &fakeResender{}, logger.NewWithCore(core), Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	sub.emit(notification.ChannelDocumentChanged, `{"tenantId":"tenant-a","versionId":"v1"}`)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("publish document notification failed").Len() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pub.Calls(), 1)
}

func TestProcessor_BroadcastsTableChanges(t *testing.T) {
	sub := newFakeSubscriber()
	gateway := &fakeBroadcaster{}
	p := New(sub, &fakePublisher{}, tenantsOf(), &fakeResender{}, logger.Nop(), Options{Exchange: exchange, Broadcaster: gateway})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	require.True(t, sub.listening(notification.ChannelTableChanged))

	payload := `{"tenantId":"tenant-a","table":"ContactInfo","type":"UPDATE","id":"c-1"}`
	sub.emit(notification.ChannelTableChanged, payload)
	sub.emit(notification.ChannelTableChanged, `{"table":"ContactInfo"}`)

	require.Eventually(t, func() bool { return len(gateway.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	got := gateway.Calls()[0]
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, notification.ChannelTableChanged, got.Topic)
	assert.JSONEq(t, payload, string(got.Message.(json.RawMessage)))
}

func TestProcessor_ConnectFailure(t *testing.T) {
	sub := newFakeSubscriber()
	sub.connectErr = pgnotify.ErrClosed
	resender := &fakeResender{}
	p := New(sub, &fakePublisher{}, tenantsOf("tenant-a"), resender, logger.Nop(), Options{Exchange: exchange})
	defer p.Close()

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, pgnotify.ErrClosed)
	assert.Empty(t, resender.seen)
}

func TestProcessor_StartTwice(t *testing.T) {
	p := New(newFakeSubscriber(), &fakePublisher{}, tenantsOf(), &fakeResender{}, logger.Nop(), Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

func TestProcessor_RecoveryCompleteness(t *testing.T) {
	const tenants, perTenant = 3, 4

	documents := mocks.NewMockDocumentStore()
	dir := &mocks.MockTenantDirectory{}
	var want []string
	for i := 0; i < tenants; i++ {
		tenantID := fmt.Sprintf("tenant-%d", i)
		dir.Tenants = append(dir.Tenants, store.Tenant{ID: tenantID})
		for k := 0; k < perTenant; k++ {
			v := documents.AddVersion(store.DocumentVersion{TenantID: tenantID, AggregateID: fmt.Sprintf("party-%d", k)})
			want = append(want, v.ID)
		}
	}

	pub := &fakePublisher{}
	resender := notification.NewResender(documents, pub, exchange, logger.Nop())
	p := New(newFakeSubscriber(), pub, dir, resender, logger.Nop(), Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	assert.GreaterOrEqual(t, len(pub.Calls()), tenants*perTenant)
	assert.Subset(t, pub.versionIDs(t), want)
}

func TestProcessor_TenantFailureDoesNotStopRecovery(t *testing.T) {
	resender := &fakeResender{fails: map[string]error{"tenant-b": errors.New("schema missing")}}
	core, logs := observer.New(zapcore.DebugLevel)
	p := New(newFakeSubscriber(), &fakePublisher{}, tenantsOf("tenant-a", "tenant-b", "tenant-c"), resender, logger.NewWithCore(core), Options{Exchange: exchange})
	defer p.Close()

	err := p.ProcessPendingEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant tenant-b")
	assert.Equal(t, []string{"tenant-a", "tenant-b", "tenant-c"}, resender.seen)

	failures := logs.FilterMessage("resend pending versions failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "tenant-b", failures[0].ContextMap()["tenant_id"])
}

func TestProcessor_TenantFailureDoesNotFailStart(t *testing.T) {
	documents := mocks.NewMockDocumentStore()
	documents.ListPendingErr["tenant-a"] = errors.New("relation does not exist")
	v := documents.AddVersion(store.DocumentVersion{TenantID: "tenant-b", AggregateID: "party-1"})

	pub := &fakePublisher{}
	resender := notification.NewResender(documents, pub, exchange, logger.Nop())
	p := New(newFakeSubscriber(), pub, tenantsOf("tenant-a", "tenant-b"), resender, logger.Nop(), Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, []string{v.ID}, pub.versionIDs(t))
}

func TestProcessor_TenantDirectoryFailure(t *testing.T) {
	dir := &mocks.MockTenantDirectory{Err: errors.New("admin schema unavailable")}
	p := New(newFakeSubscriber(), &fakePublisher{}, dir, &fakeResender{}, logger.Nop(), Options{Exchange: exchange})
	defer p.Close()

	err := p.ProcessPendingEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list tenants")
}

// A version inserted by a process that crashed before its notification was
// observed is published exactly once by the next process's recovery pass.
func TestProcessor_RecoversVersionAfterCrash(t *testing.T) {
	documents := mocks.NewMockDocumentStore()
	orphan := documents.AddVersion(store.DocumentVersion{TenantID: "tenant-a", AggregateID: "party-1", TransactionID: "tx-crashed"})
	documents.AddVersion(store.DocumentVersion{TenantID: "tenant-a", AggregateID: "party-2", Status: store.StatusSent})

	pub := &fakePublisher{}
	resender := notification.NewResender(documents, pub, exchange, logger.Nop())
	p := New(newFakeSubscriber(), pub, tenantsOf("tenant-a"), resender, logger.Nop(), Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))

	calls := pub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, notification.RoutingKeyDocumentHistory, calls[0].RoutingKey)
	msg := calls[0].Message.(notification.DocumentChanged)
	assert.Equal(t, orphan.ID, msg.VersionID)
	assert.Equal(t, "tx-crashed", msg.TransactionID)
}

func TestProcessor_CloseStopsForwarding(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	p := New(sub, pub, tenantsOf(), &fakeResender{}, logger.Nop(), Options{Exchange: exchange, BufferSize: 1})

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	done := make(chan struct{})
	go func() {
		// must not block once the processor is closed
		for i := 0; i < 5; i++ {
			sub.emit(notification.ChannelDocumentChanged, `{"tenantId":"tenant-a","versionId":"v1"}`)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler blocked after Close")
	}
}

func TestProcessor_NilLoggerFallsBackToNop(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	p := New(sub, pub, tenantsOf("tenant-a"), &fakeResender{}, nil, Options{Exchange: exchange})
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	sub.emit(notification.ChannelDocumentChanged, `{"tenantId":"tenant-a","versionId":"v1"}`)
	require.Eventually(t, func() bool { return len(pub.Calls()) == 1 }, time.Second, 5*time.Millisecond)
}
