package pgnotify

import (
	"context"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// Notification is a single message received on a channel.
type Notification struct {
	Channel string
	Payload string
}

// Conn is one physical LISTEN connection.
type Conn interface {
	// Listen issues LISTEN for channel.
	Listen(channel string) error
	// Notifications is closed once the connection is closed or fails.
	Notifications() <-chan Notification
	Ping() error
	// Err reports why the connection terminated.
	Err() error
	Close() error
}

// Dialer opens new physical connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// PQDialer opens LISTEN connections with lib/pq.
type PQDialer struct {
	DSN        string
	BufferSize int
}

func (d PQDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := d.BufferSize
	if size <= 0 {
		size = 32
	}
	raw := make(chan *pq.Notification, size)
	lc, err := pq.NewListenerConn(d.DSN, raw)
	if err != nil {
		return nil, fmt.Errorf("open listener connection: %w", err)
	}
	c := &pqConn{lc: lc, out: make(chan Notification, size), done: make(chan struct{})}
	go c.forward(raw)
	return c, nil
}

type pqConn struct {
	lc        *pq.ListenerConn
	out       chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

// forward converts driver notifications until lib/pq closes raw, which it
// does when the connection terminates for any reason, or until Close.
func (c *pqConn) forward(raw <-chan *pq.Notification) {
	defer close(c.out)
	for n := range raw {
		if n == nil {
			continue
		}
		select {
		case c.out <- Notification{Channel: n.Channel, Payload: n.Extra}:
		case <-c.done:
			// lib/pq closes raw once its connection loop exits
			for range raw {
			}
			return
		}
	}
}

func (c *pqConn) Listen(channel string) error {
	ok, err := c.lc.Listen(channel)
	if err != nil {
		return fmt.Errorf("listen %q: %w", channel, err)
	}
	if !ok {
		return fmt.Errorf("listen %q: connection not ready", channel)
	}
	return nil
}

func (c *pqConn) Notifications() <-chan Notification { return c.out }
func (c *pqConn) Ping() error                        { return c.lc.Ping() }
func (c *pqConn) Err() error                         { return c.lc.Err() }

func (c *pqConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.lc.Close()
}
