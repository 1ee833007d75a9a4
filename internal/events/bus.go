// Package events carries lifecycle notifications from the engine to
// interested consumers (the SSE stream, tests) over an in-memory bus.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/pkg/logger"
)

const defaultBufferSize = 100

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that stops draining loses its oldest events first.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	buffer int
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{subs: make(map[int]chan domain.Event), buffer: bufferSize}
}

// Publish assigns the event an id and timestamp if missing and delivers
// it to every subscriber.
func (b *Bus) Publish(event domain.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- event:
			default:
				// Full buffer: evict the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	logger.Debug("Event published", "event", string(event.Type), "container", event.ContainerID)
}

// Subscribe registers a consumer. The channel closes when ctx is done or
// the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}()

	return ch
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
