package push

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kestrelproxy/kestrel/internal/database"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestBoundedQueueDropsOldestOnOverflow(t *testing.T) {
	q := newBoundedQueue(2)
	q.Push(Message{ID: "1"})
	q.Push(Message{ID: "2"})
	q.Push(Message{ID: "3"})

	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Dropped())
	}
	items := q.Drain()
	if len(items) != 2 || items[0].ID != "2" || items[1].ID != "3" {
		t.Fatalf("expected [2,3], got %+v", items)
	}
}

func TestManagerSubscribeAndPublishFanOut(t *testing.T) {
	m := NewManager(time.Minute, 10, 0, nil, nil)

	c1 := m.Register("127.0.0.1")
	c2 := m.Register("127.0.0.1")
	m.Subscribe(c1, "orders", "")
	m.Subscribe(c2, "orders", "")

	m.Publish("orders", Message{ID: "1", Event: "update", Data: "hello"})

	for _, c := range []*Client{c1, c2} {
		msgs := c.queue.Drain()
		if len(msgs) != 1 || msgs[0].Data != "hello" {
			t.Fatalf("expected client to receive broadcast, got %+v", msgs)
		}
	}
}

func TestManagerUnsubscribeStopsDelivery(t *testing.T) {
	m := NewManager(time.Minute, 10, 0, nil, nil)

	c := m.Register("127.0.0.1")
	m.Subscribe(c, "alerts", "")
	m.Unsubscribe(c, "alerts")

	m.Publish("alerts", Message{ID: "1", Data: "x"})

	if len(c.queue.Drain()) != 0 {
		t.Fatalf("expected no delivery after unsubscribe")
	}
}

func TestManagerRemoveDropsClientFromAllChannels(t *testing.T) {
	m := NewManager(time.Minute, 10, 0, nil, nil)

	c := m.Register("127.0.0.1")
	m.Subscribe(c, "orders", "")
	m.Remove(c.ID)

	ch := m.channel("orders")
	if ch.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber removed, got %d", ch.SubscriberCount())
	}
}

type historyEvent struct {
	channel, eventID, eventType, data string
}

type fakeHistoryStore struct {
	appended []historyEvent
	backlog  []database.Event
}

func (f *fakeHistoryStore) AppendEvent(channel, eventID, eventType, data string) error {
	f.appended = append(f.appended, historyEvent{channel, eventID, eventType, data})
	return nil
}

func (f *fakeHistoryStore) EventsSince(channel, afterID string) ([]database.Event, error) {
	return f.backlog, nil
}

func TestManagerPublishAppendsToHistory(t *testing.T) {
	hist := &fakeHistoryStore{}
	m := NewManager(time.Minute, 10, 0, hist, nil)

	m.Publish("orders", Message{ID: "1", Event: "update", Data: "a"})
	m.Publish("orders", Message{ID: "2", Event: "update", Data: "b"})

	if len(hist.appended) != 2 {
		t.Fatalf("expected 2 appended events, got %d", len(hist.appended))
	}
}

func TestManagerSubscribeReplaysBacklog(t *testing.T) {
	hist := &fakeHistoryStore{
		backlog: []database.Event{{EventID: "1", Data: "a"}, {EventID: "2", Data: "b"}},
	}
	m := NewManager(time.Minute, 10, 0, hist, nil)

	c := m.Register("127.0.0.1")
	m.Subscribe(c, "orders", "")

	msgs := c.queue.Drain()
	if len(msgs) != 2 || msgs[0].Data != "a" || msgs[1].Data != "b" {
		t.Fatalf("expected backlog replay, got %+v", msgs)
	}
}

func TestHandlerSubscribeStreamsPublishedEvent(t *testing.T) {
	m := NewManager(time.Minute, 10, 0, nil, nil)
	h := NewHandler(m, nil)

	r := gin.New()
	h.RegisterRoutes(r)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/push/orders", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Publish("orders", Message{ID: "1", Event: "update", Data: "hi"})

	<-done

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "data:hi") && !strings.Contains(string(body), "data: hi") {
		t.Fatalf("expected published event in stream body, got %q", string(body))
	}
}
