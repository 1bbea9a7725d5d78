package chat

import (
	"sync"

	v1 "supchat/contracts/chat/v1"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu   sync.RWMutex
	user v1.UserRef

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Bind records the identity claims carried by the register event.
// A connection is anonymous until Bind is called.
func (c *Client) Bind(user v1.UserRef) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

// User returns the identity bound to this connection (zero value while anonymous).
func (c *Client) User() v1.UserRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// UserID returns the bound user id, or "" while the connection is anonymous.
func (c *Client) UserID() string {
	return c.User().UserID
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TryEnqueue offers an envelope to the client queue without blocking.
// It reports false when the client is shutting down or the queue is full.
func (c *Client) TryEnqueue(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
