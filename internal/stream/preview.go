package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const clientBuffer = 5

// Preview serves annotated frames as an MJPEG stream. The frame loop hands
// frames over with Put; encoding happens on the Run goroutine so the loop
// never waits on JPEG compression or slow clients.
type Preview struct {
	quality int
	logger  *zap.SugaredLogger

	pending chan *image.RGBA

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	current []byte
	seq     uint64
	frameMu sync.RWMutex
}

// NewPreview creates a preview encoding at the given JPEG quality
func NewPreview(quality int, logger *zap.SugaredLogger) *Preview {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Preview{
		quality: quality,
		logger:  logger.Named("preview"),
		pending: make(chan *image.RGBA, 1),
		clients: make(map[chan []byte]bool),
	}
}

// Put offers a frame for preview. It never blocks: a frame still waiting
// to be encoded is replaced. frame must not be modified afterwards.
func (p *Preview) Put(frame *image.RGBA) {
	if frame == nil {
		return
	}
	for {
		select {
		case p.pending <- frame:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run encodes pending frames and fans them out until ctx is done
func (p *Preview) Run(ctx context.Context) {
	defer p.closeClients()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.pending:
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
				p.logger.Warnw("failed to encode preview frame", "error", err)
				continue
			}
			p.updateFrame(buf.Bytes())
		}
	}
}

// updateFrame stores the latest frame and broadcasts it to clients
func (p *Preview) updateFrame(frame []byte) {
	p.frameMu.Lock()
	p.current = frame
	p.seq++
	seq := p.seq
	p.frameMu.Unlock()

	p.clientsMu.RLock()
	for ch := range p.clients {
		select {
		case ch <- frame:
		default:
			// slow client, skip frame
		}
	}
	p.clientsMu.RUnlock()

	if seq%300 == 0 {
		p.logger.Debugw("preview frames encoded", "seq", seq)
	}
}

// CurrentFrame returns the latest encoded JPEG, or nil before the first frame
func (p *Preview) CurrentFrame() []byte {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.current
}

// FrameSeq returns the number of frames encoded so far
func (p *Preview) FrameSeq() uint64 {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.seq
}

// ClientCount returns the number of connected stream clients
func (p *Preview) ClientCount() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

func (p *Preview) closeClients() {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for ch := range p.clients {
		close(ch)
		delete(p.clients, ch)
	}
}

// ServeHTTP serves the MJPEG stream to a client
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCh := make(chan []byte, clientBuffer)
	p.clientsMu.Lock()
	p.clients[clientCh] = true
	p.clientsMu.Unlock()

	defer func() {
		p.clientsMu.Lock()
		delete(p.clients, clientCh)
		p.clientsMu.Unlock()
	}()

	p.logger.Debugw("client connected", "remote", r.RemoteAddr)

	// headers go out before the first frame so clients are not left waiting
	w.WriteHeader(http.StatusOK)
	if frame := p.CurrentFrame(); frame != nil {
		writePart(w, frame)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			p.logger.Debugw("client disconnected", "remote", r.RemoteAddr)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// SnapshotHandler serves the latest preview frame as a single JPEG
func (p *Preview) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame := p.CurrentFrame()
		if frame == nil {
			http.Error(w, "No frame available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
		w.Write(frame)
	}
}
