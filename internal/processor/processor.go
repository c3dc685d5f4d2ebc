package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/example/leasing-cdc/internal/infrastructure/pgnotify"
	"github.com/example/leasing-cdc/internal/infrastructure/store"
	"github.com/example/leasing-cdc/internal/notification"
	"github.com/example/leasing-cdc/internal/platform/logger"
)

const DefaultBufferSize = 256

var ErrAlreadyStarted = errors.New("processor: already started")

// Subscriber is the notification channel client the processor listens on.
type Subscriber interface {
	Connect(ctx context.Context) error
	Listen(channel string, h pgnotify.Handler)
}

// Resender republishes the pending versions of one tenant.
type Resender interface {
	ResendPendingVersions(ctx context.Context, tenant store.Tenant) error
}

type Options struct {
	Exchange    string
	BufferSize  int
	// Broadcaster is optional. When set, table changes are forwarded to the
	// websocket gateway through it.
	Broadcaster notification.Broadcaster
}

// Processor forwards document notifications from Postgres to the outbound
// broker and replays pending versions on startup.
type Processor struct {
	subscriber  Subscriber
	publisher   notification.Publisher
	tenants     store.TenantDirectory
	resender    Resender
	broadcaster notification.Broadcaster
	exchange    string
	log         *logger.Logger

	queue chan pgnotify.Notification
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

func New(subscriber Subscriber, publisher notification.Publisher, tenants store.TenantDirectory, resender Resender, log *logger.Logger, opts Options) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Processor{
		subscriber:  subscriber,
		publisher:   publisher,
		tenants:     tenants,
		resender:    resender,
		broadcaster: opts.Broadcaster,
		exchange:    opts.Exchange,
		log:         log.With("component", "event-processor"),
		queue:       make(chan pgnotify.Notification, opts.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start connects the subscriber, registers the live listeners and runs the
// recovery pass once. Live notifications arriving during recovery are
// forwarded concurrently with it. Recovery failures are logged, not returned.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.wg.Add(1)
	go p.forward(runCtx)
	p.mu.Unlock()

	if err := p.subscriber.Connect(ctx); err != nil {
		return fmt.Errorf("connect notification client: %w", err)
	}
	p.subscriber.Listen(notification.ChannelDocumentChanged, p.enqueue)
	if p.broadcaster != nil {
		p.subscriber.Listen(notification.ChannelTableChanged, p.enqueue)
	}
	p.log.Info("listening for document changes", "channel", notification.ChannelDocumentChanged, "exchange", p.exchange)

	if err := p.ProcessPendingEvents(ctx); err != nil {
		p.log.Error("recovery pass incomplete", "error", err)
	}
	return nil
}

// ProcessPendingEvents resends the pending versions of every tenant, one
// tenant at a time. A failing tenant is logged and skipped.
func (p *Processor) ProcessPendingEvents(ctx context.Context) error {
	tenants, err := p.tenants.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	p.log.Info("recovery pass started", "tenants", len(tenants))

	var errs []error
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.resender.ResendPendingVersions(ctx, tenant); err != nil {
			p.log.Error("resend pending versions failed", "tenant_id", tenant.ID, "tenant", tenant.Name, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant.ID, err))
		}
	}
	p.log.Info("recovery pass finished", "tenants", len(tenants), "failed", len(errs))
	return errors.Join(errs...)
}

// Close stops the forwarding worker. Notifications still queued are dropped;
// their versions stay pending and are picked up by the next recovery pass.
func (p *Processor) Close() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.done)
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// enqueue runs on the notification client's receive goroutine and only
// hands the notification over to the worker.
func (p *Processor) enqueue(n pgnotify.Notification) {
	select {
	case p.queue <- n:
	case <-p.done:
	}
}

func (p *Processor) forward(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.queue:
			switch n.Channel {
			case notification.ChannelDocumentChanged:
				p.publishDocumentChanged(ctx, n)
			case notification.ChannelTableChanged:
				p.broadcastTableChange(ctx, n)
			default:
				p.log.Warn("notification on unexpected channel", "channel", n.Channel)
			}
		}
	}
}

func (p *Processor) publishDocumentChanged(ctx context.Context, n pgnotify.Notification) {
	payload := json.RawMessage(n.Payload)
	if !json.Valid(payload) {
		p.log.Warn("dropping malformed notification", "channel", n.Channel, "payload", n.Payload)
		return
	}
	if err := p.publisher.Publish(ctx, p.exchange, notification.RoutingKeyDocumentHistory, payload); err != nil {
		// the version stays pending until the next recovery pass
		p.log.Error("publish document notification failed", "payload", n.Payload, "error", err)
		return
	}
	p.log.Debug("document notification forwarded", "payload", n.Payload)
}

func (p *Processor) broadcastTableChange(ctx context.Context, n pgnotify.Notification) {
	var change notification.TableChange
	if err := json.Unmarshal([]byte(n.Payload), &change); err != nil || change.TenantID == "" {
		p.log.Warn("dropping malformed table change", "payload", n.Payload, "error", err)
		return
	}
	if _, err := p.broadcaster.Broadcast(ctx, change.TenantID, notification.ChannelTableChanged, json.RawMessage(n.Payload)); err != nil {
		p.log.Error("broadcast table change failed", "tenant_id", change.TenantID, "table", change.Table, "error", err)
	}
}
