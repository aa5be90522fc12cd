// ABOUTME: In-memory fan-out broadcaster for status events
// ABOUTME: Publishes stats, context-cleared, and events-updated notifications to observers

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// StatusType categorizes a status event.
type StatusType string

const (
	StatusStats          StatusType = "stats"
	StatusContextCleared StatusType = "context_cleared"
	StatusEventsUpdated  StatusType = "events_updated"
)

// Stats counts externally observable message activity.
type Stats struct {
	Received  int64
	Sent      int64
	Proactive int64
}

// StatusEvent is one observability notification.
type StatusEvent struct {
	Type  StatusType
	Stats Stats // populated for StatusStats
}

// Broadcaster provides in-memory pub/sub for status events. Non-blocking:
// events are dropped for subscribers whose channels are full.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan StatusEvent
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan StatusEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber and returns its channel plus an id for
// Unsubscribe. The subscription is cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan StatusEvent, string) {
	subID := uuid.New().String()
	ch := make(chan StatusEvent, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[subID]; ok {
		delete(b.subscribers, subID)
		close(ch)
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *Broadcaster) Publish(event StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for subID, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("subscriber buffer full, dropping status event",
				"sub_id", subID, "type", event.Type)
		}
	}
}
