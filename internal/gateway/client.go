package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// clientWriteTimeout bounds one event write. A peer that cannot drain
// events within it is considered dead and dropped.
const clientWriteTimeout = 10 * time.Second

// Client is one websocket subscriber. Events flow server to client
// only; anything the peer sends is read and discarded to service the
// connection.
type Client struct {
	id   string
	conn *websocket.Conn

	// writeMu serializes writes; gorilla connections allow at most one
	// concurrent writer.
	writeMu sync.Mutex
	once    sync.Once
}

// NewClient wraps an upgraded connection with a fresh subscriber id.
func NewClient(conn *websocket.Conn) *Client {
	conn.SetReadLimit(1024)
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
	}
}

// ID returns the subscriber id used for event bus registration.
func (c *Client) ID() string { return c.id }

// SendEvent writes one event envelope, failing if the peer does not
// accept it within the write timeout.
func (c *Client) SendEvent(event *protocol.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.conn.WriteJSON(event)
}

// Run services the connection until the peer disconnects or ctx is
// canceled. It blocks; the caller owns cleanup after it returns.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		c.Close()
		<-done
	case <-done:
	}
}

// Close tears down the connection. Safe to call multiple times; the
// broadcast path and the unregister path may race to close.
func (c *Client) Close() {
	c.once.Do(func() {
		c.conn.Close()
	})
}
