package detectors

import (
	"image"
	"strings"

	"argus/internal/pipeline"
)

// Filter trims raw model output down to what a use case cares about
type Filter struct {
	MinConfidence float32 // drop detections below this score
	// AllowedClasses keeps only these class IDs; empty keeps all
	AllowedClasses []int
	// CriticalClasses keeps only these class names (case-insensitive);
	// empty keeps all. The PPE use case reports violations only.
	CriticalClasses []string
}

// Apply returns the detections that pass the filter, preserving order
func (f Filter) Apply(detections []pipeline.Detection) []pipeline.Detection {
	allowed := make(map[int]bool, len(f.AllowedClasses))
	for _, id := range f.AllowedClasses {
		allowed[id] = true
	}
	critical := make(map[string]bool, len(f.CriticalClasses))
	for _, name := range f.CriticalClasses {
		critical[strings.ToLower(name)] = true
	}

	out := detections[:0:0]
	for _, d := range detections {
		if d.Confidence < f.MinConfidence {
			continue
		}
		if len(allowed) > 0 && !allowed[d.ClassID] {
			continue
		}
		if len(critical) > 0 && !critical[strings.ToLower(d.ClassName)] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// wireDetection is the JSON shape returned by detector services
type wireDetection struct {
	Class      string      `json:"class"`
	ClassID    int         `json:"class_id"`
	Confidence float32     `json:"confidence"`
	BBox       []float32   `json:"bbox"`    // [x1, y1, x2, y2]
	Polygon    [][]float32 `json:"polygon"` // [[x, y], ...]
}

type wireResult struct {
	Detections      []wireDetection `json:"detections"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
}

func (w wireDetection) toDetection() pipeline.Detection {
	d := pipeline.Detection{
		ClassID:    w.ClassID,
		ClassName:  w.Class,
		Confidence: w.Confidence,
	}
	if len(w.BBox) == 4 {
		d.Region.BBox = &pipeline.BBox{X1: w.BBox[0], Y1: w.BBox[1], X2: w.BBox[2], Y2: w.BBox[3]}
	}
	for _, p := range w.Polygon {
		if len(p) >= 2 {
			d.Region.Polygon = append(d.Region.Polygon, image.Pt(int(p[0]), int(p[1])))
		}
	}
	return d
}

func convert(result wireResult) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(result.Detections))
	for _, w := range result.Detections {
		out = append(out, w.toDetection())
	}
	return out
}
