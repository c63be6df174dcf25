package pipeline

import (
	"context"
	"image"
)

// Detector is the unified interface for all detection backends.
// Detect must not retain the frame after it returns.
type Detector interface {
	// Name returns the detector identifier (e.g., "general", "fire", "ppe")
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy() bool

	// Detect runs detection on a frame and returns results
	Detect(ctx context.Context, frame *image.RGBA) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// EventHandler receives lifecycle events synchronously from the bus
type EventHandler interface {
	OnEvent(event Event)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(event Event)

// OnEvent implements EventHandler
func (f EventHandlerFunc) OnEvent(event Event) { f(event) }
