package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharfd/wharfd/internal/domain"
)

func collect(ch <-chan domain.Event, n int, timeout time.Duration) []domain.Event {
	var out []domain.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ctx := context.Background()
	a := bus.Subscribe(ctx)
	b := bus.Subscribe(ctx)

	bus.Publish(domain.Event{Type: domain.EventContainerStarted, ContainerID: "c1"})

	for _, ch := range []<-chan domain.Event{a, b} {
		got := collect(ch, 1, time.Second)
		require.Len(t, got, 1)
		assert.Equal(t, domain.EventContainerStarted, got[0].Type)
		assert.NotEmpty(t, got[0].ID)
		assert.False(t, got[0].Timestamp.IsZero())
	}
}

func TestBus_SlowSubscriberLosesOldest(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch := bus.Subscribe(context.Background())
	for i := 0; i < 5; i++ {
		bus.Publish(domain.Event{Type: domain.EventContainerDied, Message: string(rune('a' + i))})
	}

	got := collect(ch, 2, time.Second)
	require.Len(t, got, 2)
	// The newest two survive.
	assert.Equal(t, "d", got[0].Message)
	assert.Equal(t, "e", got[1].Message)
}

func TestBus_UnsubscribeOnContextCancel(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Publishing after the subscriber left must not panic.
	bus.Publish(domain.Event{Type: domain.EventContainerRemoved})
}

func TestBus_CloseEndsSubscribers(t *testing.T) {
	bus := NewBus(10)
	ch := bus.Subscribe(context.Background())
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Idempotent, and late subscribers get a closed channel.
	bus.Close()
	_, ok = <-bus.Subscribe(context.Background())
	assert.False(t, ok)
}
