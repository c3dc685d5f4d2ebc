package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/leasing-cdc/internal/platform/logger"
)

const (
	DefaultRetryDelay   = 10 * time.Second
	DefaultPingInterval = 90 * time.Second
)

var ErrClosed = errors.New("pgnotify: client closed")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives notifications for one channel. Handlers run on the
// connection's receive goroutine and must hand work off rather than block.
type Handler func(n Notification)

type Options struct {
	RetryDelay   time.Duration
	PingInterval time.Duration
}

// Client multiplexes channel subscriptions over a single self-healing
// connection. The channel registry survives reconnects and is only cleared
// by Close.
type Client struct {
	dialer       Dialer
	log          *logger.Logger
	retryDelay   time.Duration
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	conn       Conn
	subscribed map[string]bool
	handlers   map[string][]Handler
	ready      chan struct{}
	readyDone  bool
}

func NewClient(dialer Dialer, log *logger.Logger, opts Options) *Client {
	if log == nil {
		log = logger.Nop()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer:       dialer,
		log:          log.With("component", "pgnotify"),
		retryDelay:   opts.RetryDelay,
		pingInterval: opts.PingInterval,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateDisconnected,
		handlers:     make(map[string][]Handler),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection supervisor if it is not running yet and
// waits until the first connection is established and every registered
// channel is subscribed. Concurrent callers share the same attempt. Failed
// attempts are retried until ctx is done or the client is closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ready == nil {
		c.ready = make(chan struct{})
		c.state = StateConnecting
		c.wg.Add(1)
		go c.supervise()
	}
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		if c.State() == StateClosed {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen registers h for channel. Registration order is delivery order. When
// connected the LISTEN is issued right away, otherwise on the next connect.
func (c *Client) Listen(channel string, h Handler) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.log.Warn("listen on closed client ignored", "channel", channel)
		return
	}
	c.handlers[channel] = append(c.handlers[channel], h)
	conn := c.conn
	if conn == nil || c.subscribed[channel] {
		c.mu.Unlock()
		return
	}
	c.subscribed[channel] = true
	c.mu.Unlock()

	if err := conn.Listen(channel); err != nil {
		// dropping the connection makes the supervisor reconnect and resubscribe
		// every registered channel, this one included
		c.log.Warn("subscribe failed, reconnecting", "channel", channel, "error", err)
		c.unmarkSubscribed(conn, channel)
		_ = conn.Close()
	}
}

// Close stops reconnecting, drops every handler and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.handlers = make(map[string][]Handler)
	conn := c.conn
	c.conn = nil
	c.subscribed = nil
	c.closeReadyLocked()
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) supervise() {
	defer c.wg.Done()
	for attempt := 1; ; attempt++ {
		err := c.runConnection()
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("notification connection failed", "attempt", attempt, "retry_in", c.retryDelay, "error", err)
		if !c.setState(StateReconnecting) {
			return
		}

		timer := time.NewTimer(c.retryDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runConnection dials, resubscribes and then blocks until the connection
// terminates. It always returns a non-nil error.
func (c *Client) runConnection() error {
	conn, err := c.dialer.Dial(c.ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if !c.attach(conn) {
		_ = conn.Close()
		return ErrClosed
	}

	done := make(chan error, 1)
	go func() { done <- c.receive(conn) }()

	if err := c.resubscribe(conn); err != nil {
		_ = conn.Close()
		<-done
		c.detach(conn)
		return err
	}
	c.markConnected(conn)

	err = <-done
	c.detach(conn)
	_ = conn.Close()
	return err
}

func (c *Client) receive(conn Conn) error {
	pingFailed := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.keepalive(conn, stop, pingFailed)
	}

	notifications := conn.Notifications()
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				if err := conn.Err(); err != nil {
					return fmt.Errorf("connection lost: %w", err)
				}
				return errors.New("connection lost")
			}
			c.dispatch(n)
		case err := <-pingFailed:
			return fmt.Errorf("ping: %w", err)
		}
	}
}

// keepalive pings conn until stop is closed or a ping fails. It runs apart
// from receive because the driver only reads the ping reply once pending
// notifications have been drained.
func (c *Client) keepalive(conn Conn, stop <-chan struct{}, failed chan<- error) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				select {
				case failed <- err:
				default:
				}
				return
			}
		}
	}
}

func (c *Client) dispatch(n Notification) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[n.Channel]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Debug("notification without handlers", "channel", n.Channel)
		return
	}
	for _, h := range handlers {
		c.invoke(h, n)
	}
}

func (c *Client) invoke(h Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("notification handler panicked", "channel", n.Channel, "panic", r)
		}
	}()
	h(n)
}

func (c *Client) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.conn = conn
	c.subscribed = make(map[string]bool)
	return true
}

func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.subscribed = nil
	}
}

// resubscribe issues LISTEN for every registered channel not yet subscribed
// on conn. Channels registered concurrently are picked up by Listen itself.
func (c *Client) resubscribe(conn Conn) error {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return ErrClosed
	}
	var channels []string
	for channel := range c.handlers {
		if !c.subscribed[channel] {
			c.subscribed[channel] = true
			channels = append(channels, channel)
		}
	}
	c.mu.Unlock()

	sort.Strings(channels)
	for _, channel := range channels {
		if err := conn.Listen(channel); err != nil {
			c.unmarkSubscribed(conn, channel)
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	return nil
}

func (c *Client) unmarkSubscribed(conn Conn, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn && c.subscribed != nil {
		delete(c.subscribed, channel)
	}
}

func (c *Client) markConnected(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.conn != conn {
		return
	}
	if c.state == StateReconnecting {
		c.log.Info("notification connection restored", "channels", len(c.subscribed))
	}
	c.state = StateConnected
	c.closeReadyLocked()
}

func (c *Client) setState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = s
	return true
}

func (c *Client) closeReadyLocked() {
	if c.ready != nil && !c.readyDone {
		close(c.ready)
		c.readyDone = true
	}
}
