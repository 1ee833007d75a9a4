package domain

import "time"

// EventType identifies a lifecycle event on the feed.
type EventType string

const (
	EventContainerCreated EventType = "container.created"
	EventContainerStarted EventType = "container.started"
	EventContainerStopped EventType = "container.stopped"
	EventContainerPaused  EventType = "container.paused"
	EventContainerResumed EventType = "container.resumed"
	EventContainerDied    EventType = "container.died"
	EventContainerRemoved EventType = "container.removed"
	EventContainerOOM     EventType = "container.oom-killed"
	EventEngineFault      EventType = "engine.fault"
)

// Event is one entry on the structured event feed. Delivery is best-effort
// at-least-once per live subscriber.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	ContainerID string    `json:"container_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
