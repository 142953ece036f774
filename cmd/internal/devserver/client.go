package devserver

import (
	"slices"
	"sync"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"
)

// Client is one websocket session of an authenticated user.
//
// Publishers only ever offer to Send; it is never closed. Shutdown is
// signalled through Done.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	mu       sync.Mutex
	topics   []string
	released bool
	closed   bool
	done     chan struct{}
}

// NewClient returns a Client whose send queue holds queueSize envelopes.
func NewClient(userID, sessionID string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = wsDefaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, queueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Topics returns the topics the session is subscribed to.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.topics)
}

// track records topic and runs join while holding the client lock, so a
// concurrent releaseTopics either sees the topic or prevents the join.
func (c *Client) track(topic string, join func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return false
	}
	if !slices.Contains(c.topics, topic) {
		c.topics = append(c.topics, topic)
	}
	join()
	return true
}

func (c *Client) untrack(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = slices.DeleteFunc(c.topics, func(t string) bool { return t == topic })
}

// releaseTopics empties the topic list and returns what it held. Later
// track calls are refused.
func (c *Client) releaseTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	t := c.topics
	c.topics = nil
	return t
}

// offer queues env unless the queue is full or the session is closing.
func (c *Client) offer(env v1.Envelope) bool {
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
