package ws

import (
	"time"

	"argus/internal/pipeline"
)

// EventMessage wraps a lifecycle event for websocket clients
type EventMessage struct {
	Type      string         `json:"type"` // "event"
	Timestamp time.Time      `json:"timestamp"`
	Event     pipeline.Event `json:"event"`
}

// HelloMessage is sent once right after a client connects
type HelloMessage struct {
	Type      string    `json:"type"` // "hello"
	Timestamp time.Time `json:"timestamp"`
	Clients   int       `json:"clients"`
}

// NewEventMessage creates a new event message
func NewEventMessage(ev pipeline.Event) *EventMessage {
	return &EventMessage{
		Type:      "event",
		Timestamp: time.Now().UTC(),
		Event:     ev,
	}
}

// NewHelloMessage creates the greeting for a new connection
func NewHelloMessage(clients int) *HelloMessage {
	return &HelloMessage{
		Type:      "hello",
		Timestamp: time.Now().UTC(),
		Clients:   clients,
	}
}
