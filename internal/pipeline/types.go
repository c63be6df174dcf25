package pipeline

import (
	"image"
	"time"
)

// BBox represents a bounding box in pixel coordinates of the working frame
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Rect converts the box to an integer rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Region is the spatial extent of a detection. Detectors fill either the
// bounding box, the polygon, or both (segmentation models).
type Region struct {
	BBox    *BBox         `json:"bbox,omitempty"`
	Polygon []image.Point `json:"polygon,omitempty"`
}

// Detection represents a single object detection result
type Detection struct {
	Region     Region  `json:"region"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"` // Detection class (fire, smoke, person, ...)
	Confidence float32 `json:"confidence"` // Detection confidence [0-1]
}

// Anchor returns the top-left point used to place a label for the detection
func (d Detection) Anchor() (image.Point, bool) {
	if d.Region.BBox != nil {
		return image.Pt(int(d.Region.BBox.X1), int(d.Region.BBox.Y1)), true
	}
	if len(d.Region.Polygon) == 0 {
		return image.Point{}, false
	}
	p := d.Region.Polygon[0]
	for _, q := range d.Region.Polygon[1:] {
		if q.Y < p.Y || (q.Y == p.Y && q.X < p.X) {
			p = q
		}
	}
	return p, true
}

// CloneDetections returns a copy of the slice so callers can retain it
// past the frame that produced it.
func CloneDetections(detections []Detection) []Detection {
	if len(detections) == 0 {
		return nil
	}
	out := make([]Detection, len(detections))
	copy(out, detections)
	return out
}

// EventKind identifies a lifecycle event of a recording session
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventImageSaved     EventKind = "image_saved"
	EventImageNotified  EventKind = "image_notified"
	EventClipSaved      EventKind = "clip_saved"
	EventClipNotified   EventKind = "clip_notified"
	EventSessionEnded   EventKind = "session_ended"
)

// Event is published on the EventBus whenever the engine or one of its
// workers makes progress on a session.
type Event struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Kind       EventKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	Path       string    `json:"path,omitempty"`
	TopClass   string    `json:"top_class,omitempty"`
	Confidence float32   `json:"confidence,omitempty"`
	Detections int       `json:"detections,omitempty"`
	Delivered  bool      `json:"delivered"`
	Error      string    `json:"error,omitempty"`
}
