package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventWordsChanged = "words-changed"
	RealtimeEventStoryCreated = "story-created"
	RealtimeEventStoryDeleted = "story-deleted"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "lectio-backend"

	defaultHeartbeatInterval = 25 * time.Second
)

// RealtimeMessage is a library change broadcast to every open event stream.
type RealtimeMessage struct {
	EventType string
	Words     []string
	StoryID   string
	Timestamp time.Time
}

// RealtimeDispatcher fans library events out to subscribers. Slow subscribers
// drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that lives until ctx is done or the returned
// cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	Words     []string `json:"words,omitempty"`
	StoryID   string   `json:"storyId,omitempty"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source"`
}

// handleEventStream serves library events as server-sent events until the
// client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Words:     message.Words,
				StoryID:   message.StoryID,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				Timestamp: tick.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}

func (h *httpHandler) publish(message RealtimeMessage) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(message)
}
