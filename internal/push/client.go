// Package push implements the push server (C13): Server-Sent Events
// delivered to subscribed clients over a persistent HTTP response
// stream, grounded on the teacher's SSE connection/registry shape
// (cmd/dev-console/sse.go's SSEConnection/SSERegistry) and the
// heartbeat/bounded-queue defaults of original_source/src/stream/push.c.
package push

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one SSE event, serialized on the wire as the standard
// id/event/data(repeated per line)/retry frame with a trailing blank
// line.
type Message struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// ClientState is a PushClient's lifecycle state.
type ClientState int

const (
	StateConnected ClientState = iota
	StateClosed
)

// Client is one subscribed SSE connection. A Client is exclusively
// owned by Manager's client list; a Channel keeps it in a subscriber
// map keyed by the client's id, and Manager.Remove drops it from every
// channel it had joined.
type Client struct {
	ID     string
	Origin string

	mu            sync.Mutex
	state         ClientState
	subscriptions map[string]struct{}
	connectedAt   time.Time
	lastActivity  time.Time

	queue *boundedQueue
}

func newClient(queueSize int, origin string) *Client {
	return &Client{
		ID:            uuid.NewString(),
		Origin:        origin,
		state:         StateConnected,
		subscriptions: map[string]struct{}{},
		connectedAt:   time.Now(),
		lastActivity:  time.Now(),
		queue:         newBoundedQueue(queueSize),
	}
}

// Enqueue delivers msg to the client's bounded outbound queue.
func (c *Client) Enqueue(msg Message) {
	c.queue.Push(msg)
}

// Subscribe records channel as one of this client's subscriptions.
func (c *Client) Subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

// Unsubscribe removes channel from this client's subscriptions.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// Subscriptions returns a snapshot of the client's subscribed channel
// names.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// MarkClosed transitions the client to StateClosed, e.g. after a write
// failure, so the next sweep removes it.
func (c *Client) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

// State returns the client's current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Stats is a point-in-time view of a client's connection and queue
// metrics, surfaced by the management API.
type Stats struct {
	ID            string
	Origin        string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Subscriptions []string
	QueueLen      int
	QueueDropped  uint64
}

// Snapshot returns the client's current Stats.
func (c *Client) Snapshot() Stats {
	c.mu.Lock()
	connectedAt, lastActivity := c.connectedAt, c.lastActivity
	c.mu.Unlock()

	return Stats{
		ID:            c.ID,
		Origin:        c.Origin,
		ConnectedAt:   connectedAt,
		LastActivity:  lastActivity,
		Subscriptions: c.Subscriptions(),
		QueueLen:      c.queue.Len(),
		QueueDropped:  c.queue.Dropped(),
	}
}
