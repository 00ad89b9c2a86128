package push

import "sync"

// Channel fans out messages to a set of subscribed clients, keyed by
// client id. It does not own its clients: Manager.Remove and the
// manager's sweep call removeSubscriber on every channel when a client
// goes away.
type Channel struct {
	Name string

	mu          sync.RWMutex
	subscribers map[string]*Client
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:        name,
		subscribers: map[string]*Client{},
	}
}

func (ch *Channel) addSubscriber(c *Client) {
	ch.mu.Lock()
	ch.subscribers[c.ID] = c
	ch.mu.Unlock()
	c.Subscribe(ch.Name)
}

func (ch *Channel) removeSubscriber(clientID string) {
	ch.mu.Lock()
	delete(ch.subscribers, clientID)
	ch.mu.Unlock()
}

// SubscriberCount reports the number of clients currently subscribed.
func (ch *Channel) SubscriberCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers)
}

// Broadcast enqueues msg on every subscriber's bounded outbound queue.
// Clients whose queue overflows simply drop the oldest pending message;
// Broadcast itself never blocks.
func (ch *Channel) Broadcast(msg Message) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for _, c := range ch.subscribers {
		c.Enqueue(msg)
	}
}

// empty reports whether the channel currently has no subscribers.
// Manager does not call it; channels created on demand are never pruned.
func (ch *Channel) empty() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers) == 0
}
