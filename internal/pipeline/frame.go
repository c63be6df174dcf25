package pipeline

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
)

// CloneFrame returns an owned RGBA copy of src with its origin at (0,0).
// Workers that outlive the current frame must hold a clone, never the
// caller's buffer.
func CloneFrame(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if rgba, ok := src.(*image.RGBA); ok && rgba.Stride == 4*b.Dx() && b.Min == (image.Point{}) {
		copy(dst.Pix, rgba.Pix[:len(dst.Pix)])
		return dst
	}
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// FitFrame returns src scaled to width x height as a new RGBA image.
// A non-positive dimension keeps the source size.
func FitFrame(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	if width <= 0 || height <= 0 || (b.Dx() == width && b.Dy() == height) {
		return CloneFrame(src)
	}
	return CloneFrame(imaging.Resize(src, width, height, imaging.Linear))
}
