package preview

import (
	"log/slog"
	"sync"

	"github.com/babelcloud/mediarecorder/internal/util"
)

// Broadcaster fans messages out to subscribers. The most recent message
// marked as sticky is replayed to new subscribers so a late viewer sees the
// current frame at once.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	sticky      []byte
	closed      bool
	log         *slog.Logger
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster(name string) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan<- []byte),
		log:         util.ComponentLogger("broadcaster").With("stream", name),
	}
}

// Subscribe adds a subscriber and returns its channel. The sticky message,
// if any, is delivered first.
func (b *Broadcaster) Subscribe(id string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch
	}

	ch := make(chan []byte, bufferSize)
	b.subscribers[id] = ch
	if len(b.sticky) > 0 {
		select {
		case ch <- b.sticky:
		default:
		}
	}

	b.log.Debug("Subscriber added", "id", id, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		b.log.Debug("Subscriber removed", "id", id, "remaining", len(b.subscribers))
	}
}

// Broadcast sends data to every subscriber. A subscriber whose channel is
// full is dropped.
func (b *Broadcaster) Broadcast(data []byte, sticky bool) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if sticky {
		b.sticky = data
	}

	// Sends never block, so holding the lock keeps Unsubscribe from closing a
	// channel mid-send.
	for id, ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			close(ch)
			delete(b.subscribers, id)
			b.log.Warn("Dropping slow subscriber", "id", id)
		}
	}
}

// Close closes every subscriber channel. Later broadcasts are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan<- []byte)
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
