package push

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// Handler adapts a Manager to an HTTP/SSE transport.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler returns a Handler bound to manager.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, logger: logger}
}

// Subscribe godoc
// @Summary Subscribe to a channel's events over SSE
// @Description Opens a persistent Server-Sent Events stream for the named channel. Clients resuming a dropped connection should send Last-Event-ID.
// @Tags push
// @Param channel path string true "channel name"
// @Produce text/event-stream
// @Success 200 {string} string "text/event-stream"
// @Router /push/{channel} [get]
func (h *Handler) Subscribe(c *gin.Context) {
	channel := c.Param("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}

	client := h.manager.Register(c.ClientIP())
	defer h.manager.Remove(client.ID)

	h.manager.Subscribe(client, channel, c.GetHeader("Last-Event-ID"))
	defer h.manager.Unsubscribe(client, channel)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	client.Enqueue(Message{Event: "connected", Data: client.ID})

	clientGone := c.Request.Context().Done()
	c.Stream(func(w http.ResponseWriter) bool {
		select {
		case <-clientGone:
			client.MarkClosed()
			return false
		default:
		}

		if client.State() == StateClosed {
			return false
		}

		msgs := client.queue.Drain()
		if len(msgs) == 0 {
			time.Sleep(50 * time.Millisecond)
			return true
		}

		for _, msg := range msgs {
			client.touch()
			if err := sse.Encode(w, toSSEEvent(msg)); err != nil {
				h.logger.Debug("push: write failed, closing client", "client_id", client.ID, "error", err)
				client.MarkClosed()
				return false
			}
		}
		return true
	})
}

func toSSEEvent(msg Message) sse.Event {
	ev := sse.Event{
		Id:    msg.ID,
		Event: msg.Event,
		Data:  msg.Data,
	}
	if msg.Retry > 0 {
		ev.Retry = uint(msg.Retry.Milliseconds())
	}
	return ev
}

// Publish godoc
// @Summary Publish an event to a channel
// @Description Broadcasts an event to every client currently subscribed to the named channel.
// @Tags push
// @Param channel path string true "channel name"
// @Accept json
// @Produce json
// @Success 202 {object} models.StatusResponse
// @Router /push/{channel} [post]
func (h *Handler) Publish(c *gin.Context) {
	channel := c.Param("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}

	var body struct {
		ID    string `json:"id"`
		Event string `json:"event"`
		Data  string `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.manager.Publish(channel, Message{ID: body.ID, Event: body.Event, Data: body.Data})
	c.JSON(http.StatusAccepted, gin.H{"status": "published"})
}

// RegisterRoutes wires the push endpoints onto r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/push/:channel", h.Subscribe)
	r.POST("/push/:channel", h.Publish)
}
