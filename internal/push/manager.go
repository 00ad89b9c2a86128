package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/internal/database"
)

// History is the subset of database.DB the manager needs for durable
// channel replay. A nil History disables replay entirely.
type History interface {
	AppendEvent(channel, eventID, eventType, data string) error
	EventsSince(channel, afterID string) ([]database.Event, error)
}

// Manager owns the push server's client list and channel registry. A
// Client is exclusively owned here; removing it also removes it from
// every Channel's subscriber map.
type Manager struct {
	logger *slog.Logger

	heartbeatInterval time.Duration
	clientQueueSize   int
	historyBacklog    int

	history History

	mu       sync.RWMutex
	clients  map[string]*Client
	channels map[string]*Channel

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a Manager. history may be nil to disable
// durable backlog replay.
func NewManager(heartbeatInterval time.Duration, clientQueueSize, historyBacklog int, history History, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clientQueueSize <= 0 {
		clientQueueSize = 100
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Manager{
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		clientQueueSize:   clientQueueSize,
		historyBacklog:    historyBacklog,
		history:           history,
		clients:           map[string]*Client{},
		channels:          map[string]*Channel{},
		stopCh:            make(chan struct{}),
	}
}

// Start launches the background heartbeat/sweep loop. It returns
// immediately; call Stop to shut it down.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the heartbeat/sweep loop. It is safe to call more than
// once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.heartbeat()
			m.sweep()
		}
	}
}

func (m *Manager) heartbeat() {
	msg := Message{Event: "heartbeat", Data: "{}"}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		if c.State() == StateClosed {
			continue
		}
		c.Enqueue(msg)
	}
}

// sweep removes clients marked closed, e.g. after a failed write in
// the streaming handler.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		if c.State() == StateClosed {
			delete(m.clients, id)
			for _, ch := range m.channels {
				ch.removeSubscriber(id)
			}
		}
	}
}

// Register creates a new Client and returns it. The caller must call
// Remove when the client's connection ends.
func (m *Manager) Register(origin string) *Client {
	c := newClient(m.clientQueueSize, origin)
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()
	return c
}

// Remove evicts a client and drops it from every channel it joined.
func (m *Manager) Remove(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, clientID)
	for _, ch := range m.channels {
		ch.removeSubscriber(clientID)
	}
}

// Subscribe joins c to the named channel, creating the channel on
// first use. If history replay is enabled, the events stored after
// afterID (every stored event when afterID is empty or unknown),
// trimmed to the most recent historyBacklog, are enqueued onto c before
// it returns, in order, ahead of any live traffic.
func (m *Manager) Subscribe(c *Client, channel, afterID string) {
	ch := m.channel(channel)
	ch.addSubscriber(c)

	if m.history == nil {
		return
	}
	events, err := m.history.EventsSince(channel, afterID)
	if err != nil {
		m.logger.Warn("push: backlog replay failed", "channel", channel, "error", err)
		return
	}
	if m.historyBacklog > 0 && len(events) > m.historyBacklog {
		events = events[len(events)-m.historyBacklog:]
	}
	for _, ev := range events {
		c.Enqueue(Message{ID: ev.EventID, Event: ev.EventType, Data: ev.Data})
	}
}

// Unsubscribe removes c from the named channel.
func (m *Manager) Unsubscribe(c *Client, channel string) {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ch.removeSubscriber(c.ID)
	c.Unsubscribe(channel)
}

// Publish broadcasts msg to every subscriber of channel and, if
// durable history is enabled, persists it for later replay.
func (m *Manager) Publish(channel string, msg Message) {
	ch := m.channel(channel)
	ch.Broadcast(msg)

	if m.history == nil || msg.ID == "" {
		return
	}
	if err := m.history.AppendEvent(channel, msg.ID, msg.Event, msg.Data); err != nil {
		m.logger.Warn("push: append to history failed", "channel", channel, "error", err)
	}
}

func (m *Manager) channel(name string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		ch = newChannel(name)
		m.channels[name] = ch
	}
	return ch
}

// ClientCount reports the number of currently registered clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// ChannelStats summarizes one channel's current subscriber count.
type ChannelStats struct {
	Name        string
	Subscribers int
}

// Channels returns a snapshot of every channel's current stats.
func (m *Manager) Channels() []ChannelStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChannelStats, 0, len(m.channels))
	for name, ch := range m.channels {
		out = append(out, ChannelStats{Name: name, Subscribers: ch.SubscriberCount()})
	}
	return out
}
