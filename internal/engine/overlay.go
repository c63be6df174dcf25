package engine

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"argus/internal/message"
	"argus/internal/pipeline"
)

const timestampLayout = "02 01 2006 15:04:05"

var (
	defaultRegionColor = color.RGBA{G: 255, A: 255}
	classColors        = map[string]color.RGBA{
		"fire":      {R: 255, A: 255},
		"smoke":     {B: 255, A: 255},
		"person":    {G: 255, A: 255},
		"no-helmet": {R: 255, G: 128, A: 255},
		"no-vest":   {R: 255, G: 200, A: 255},
	}
)

// Overlay draws region outlines, labels and a timestamp onto display frames
type Overlay struct {
	labelFace font.Face
	stampFace font.Face
}

// NewOverlay parses the embedded Go font
func NewOverlay() (*Overlay, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse overlay font: %w", err)
	}
	return &Overlay{
		labelFace: truetype.NewFace(f, &truetype.Options{Size: 18}),
		stampFace: truetype.NewFace(f, &truetype.Options{Size: 28}),
	}, nil
}

// DrawDetections outlines every detection region and labels it with the
// camel-cased class name and confidence.
func (o *Overlay) DrawDetections(frame *image.RGBA, detections []pipeline.Detection) {
	if len(detections) == 0 {
		return
	}
	dc := gg.NewContextForRGBA(frame)
	dc.SetLineWidth(2)

	for _, d := range detections {
		c := colorFor(d.ClassName)
		dc.SetColor(c)

		if b := d.Region.BBox; b != nil {
			dc.DrawRectangle(float64(b.X1), float64(b.Y1), float64(b.X2-b.X1), float64(b.Y2-b.Y1))
			dc.Stroke()
		}
		if poly := d.Region.Polygon; len(poly) > 1 {
			dc.MoveTo(float64(poly[0].X), float64(poly[0].Y))
			for _, p := range poly[1:] {
				dc.LineTo(float64(p.X), float64(p.Y))
			}
			dc.ClosePath()
			dc.Stroke()
		}

		anchor, ok := d.Anchor()
		if !ok {
			continue
		}
		label := fmt.Sprintf("%s %.0f%%", message.ToCamelCase(d.ClassName), message.Percent(d.Confidence))
		o.drawLabel(dc, label, float64(anchor.X), float64(anchor.Y), c)
	}
}

// DrawTimestamp stamps at onto the top-left corner of frame
func (o *Overlay) DrawTimestamp(frame *image.RGBA, at time.Time) {
	dc := gg.NewContextForRGBA(frame)
	dc.SetFontFace(o.stampFace)
	text := at.Format(timestampLayout)
	w, h := dc.MeasureString(text)

	x, y := 50.0, 50.0
	dc.SetColor(color.RGBA{A: 160})
	dc.DrawRectangle(x-6, y-h-6, w+12, h+12)
	dc.Fill()
	dc.SetColor(color.White)
	dc.DrawString(text, x, y)
}

func (o *Overlay) drawLabel(dc *gg.Context, label string, x, y float64, bg color.RGBA) {
	dc.SetFontFace(o.labelFace)
	w, h := dc.MeasureString(label)
	if y-h-4 < 0 {
		y = h + 4
	}
	dc.SetColor(bg)
	dc.DrawRectangle(x, y-h-4, w+6, h+4)
	dc.Fill()
	dc.SetColor(color.Black)
	dc.DrawString(label, x+3, y-3)
}

func colorFor(className string) color.RGBA {
	if c, ok := classColors[strings.ToLower(className)]; ok {
		return c
	}
	return defaultRegionColor
}
