package source

import (
	"errors"
	"fmt"
	"image"
	"io"
)

// RawReader splits a stream of packed RGBA frames of a fixed size. It
// decodes into one buffer, so a frame is only valid until the next call.
type RawReader struct {
	r     io.Reader
	frame *image.RGBA
	count uint64
}

// NewRawReader reads width x height RGBA frames from r
func NewRawReader(r io.Reader, width, height int) (*RawReader, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	return &RawReader{r: r, frame: image.NewRGBA(image.Rect(0, 0, width, height))}, nil
}

// Next returns the next frame. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream stops mid-frame.
func (rr *RawReader) Next() (*image.RGBA, error) {
	if _, err := io.ReadFull(rr.r, rr.frame.Pix); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	rr.count++
	return rr.frame, nil
}

// FrameCount returns the number of complete frames read
func (rr *RawReader) FrameCount() uint64 {
	return rr.count
}
