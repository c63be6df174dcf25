// Package recorder appends frames to an MP4 clip on a background goroutine.
package recorder

import (
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"argus/internal/output"
	"argus/internal/pipeline"
)

// DefaultQueueSize bounds the number of frames waiting to be encoded.
// Write blocks once the queue is full.
const DefaultQueueSize = 256

// VideoWriter encodes frames into an open clip
type VideoWriter interface {
	WriteFrame(frame *image.RGBA) error
	Close() error
}

// WriterFactory opens a VideoWriter for a new clip
type WriterFactory func(path string, width, height int, fps float64) (VideoWriter, error)

// Config controls the recorder worker
type Config struct {
	Enabled    bool
	Root       string // output root, clips land in <Root>/videos
	Width      int
	Height     int
	FPS        float64
	QueueSize  int
	FFmpegPath string
	Codec      string
}

// Worker manages at most one open clip at a time
type Worker struct {
	cfg       Config
	logger    *zap.SugaredLogger
	newWriter WriterFactory
	now       func() time.Time
	bus       *pipeline.EventBus

	mu      sync.Mutex
	session *session
}

type session struct {
	path    string
	writer  VideoWriter
	frames  chan *image.RGBA
	done    chan struct{}
	written int
	failed  int
}

// Option configures a Worker
type Option func(*Worker)

// WithWriterFactory replaces the ffmpeg encoder
func WithWriterFactory(f WriterFactory) Option {
	return func(w *Worker) { w.newWriter = f }
}

// WithEventBus publishes a clip_saved event whenever a clip is closed
func WithEventBus(bus *pipeline.EventBus) Option {
	return func(w *Worker) { w.bus = bus }
}

// New creates a recorder worker
func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Root == "" {
		cfg.Root = "output"
	}

	w := &Worker{
		cfg:       cfg,
		logger:    logger.Named("recorder"),
		newWriter: FFmpegWriterFactory(cfg.FFmpegPath, cfg.Codec),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start opens a new clip if none is open. It is a no-op when recording is
// disabled or a clip is already open.
func (w *Worker) Start() error {
	if !w.cfg.Enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session != nil {
		return nil
	}

	path, err := output.Path(w.cfg.Root, output.KindVideos, "mp4", w.now())
	if err != nil {
		return err
	}
	writer, err := w.newWriter(path, w.cfg.Width, w.cfg.Height, w.cfg.FPS)
	if err != nil {
		return fmt.Errorf("failed to open clip %s: %w", path, err)
	}

	s := &session{
		path:   path,
		writer: writer,
		frames: make(chan *image.RGBA, w.cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go w.run(s)
	w.session = s

	w.logger.Infow("recording started", "path", path)
	return nil
}

// Write queues a copy of frame for the open clip. Frames written while no
// clip is open are ignored.
func (w *Worker) Write(frame image.Image) {
	if !w.cfg.Enabled || frame == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return
	}
	w.session.frames <- pipeline.CloneFrame(frame)
}

// Stop drains pending frames, closes the clip and returns its path.
// ok is false when no clip was open.
func (w *Worker) Stop() (path string, ok bool) {
	w.mu.Lock()
	s := w.session
	w.session = nil
	w.mu.Unlock()

	if s == nil {
		return "", false
	}

	close(s.frames)
	<-s.done
	if err := s.writer.Close(); err != nil {
		w.logger.Errorw("failed to finalize clip", "path", s.path, "error", err)
	}

	w.logger.Infow("recording stopped", "path", s.path, "frames", s.written, "failed", s.failed)
	w.bus.Publish(pipeline.Event{Kind: pipeline.EventClipSaved, Path: s.path})
	return s.path, true
}

// Recording reports whether a clip is open
func (w *Worker) Recording() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session != nil
}

// Release closes any open clip at teardown
func (w *Worker) Release() {
	if path, ok := w.Stop(); ok {
		w.logger.Infow("released open clip", "path", path)
	}
}

func (w *Worker) run(s *session) {
	defer close(s.done)
	for frame := range s.frames {
		if err := s.writer.WriteFrame(frame); err != nil {
			s.failed++
			if s.failed == 1 || s.failed%100 == 0 {
				w.logger.Warnw("failed to write frame", "path", s.path, "failed", s.failed, "error", err)
			}
			continue
		}
		s.written++
	}
}
