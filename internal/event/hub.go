package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the default per-subscriber channel buffer.
const DefaultBufferSize = 256

// Publisher publishes events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber subscribes to the event stream.
type Subscriber interface {
	Subscribe(buffer int) (string, <-chan Event, func())
}

type stream struct {
	ch   chan Event
	done chan struct{}
}

// Hub is an in-process dispatcher preserving publish order per subscriber.
// Audit events must not be lost, so a full subscriber applies backpressure
// to the publisher instead of being skipped.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{streams: map[string]*stream{}}
}

// Publish delivers one event to every subscriber, waiting for buffer space.
// It returns early only when ctx is done.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.streams {
		select {
		case s.ch <- event:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers one subscriber.
// It returns a stream ID, read-only event channel, and a cancel function.
func (h *Hub) Subscribe(buffer int) (string, <-chan Event, func()) {
	if h == nil {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	s := &stream{ch: make(chan Event, buffer), done: make(chan struct{})}

	h.mu.Lock()
	h.streams[streamID] = s
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Release publishers blocked on this stream before taking the write lock.
			close(s.done)
			h.mu.Lock()
			delete(h.streams, streamID)
			close(s.ch)
			h.mu.Unlock()
		})
	}
	return streamID, s.ch, cancel
}
