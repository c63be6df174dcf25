// Package capture persists still images of detection bursts off the frame
// loop.
package capture

import (
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"argus/internal/output"
	"argus/internal/pipeline"
)

// DefaultQueueSize bounds the number of pending snapshots. Capture blocks
// once the queue is full.
const DefaultQueueSize = 64

// Config controls the capture worker
type Config struct {
	Enabled   bool
	Root      string // output root, images land in <Root>/images
	QueueSize int
	Quality   int // JPEG quality 1-100
}

// Task is one pending snapshot
type Task struct {
	Snapshot *image.RGBA
	OnSaved  func(path string)
}

// Worker saves snapshots in FIFO order on a single goroutine
type Worker struct {
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time
	save   func(img image.Image, path string) error
	bus    *pipeline.EventBus

	tasks chan Task
	done  chan struct{}

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once
}

// Option configures a Worker
type Option func(*Worker)

// WithEventBus publishes an image_saved event per persisted snapshot
func WithEventBus(bus *pipeline.EventBus) Option {
	return func(w *Worker) { w.bus = bus }
}

// New creates a capture worker and starts its goroutine when enabled
func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 90
	}
	if cfg.Root == "" {
		cfg.Root = "output"
	}

	w := &Worker{
		cfg:    cfg,
		logger: logger.Named("capture"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	w.save = func(img image.Image, path string) error {
		return imaging.Save(img, path, imaging.JPEGQuality(w.cfg.Quality))
	}
	for _, opt := range opts {
		opt(w)
	}

	if !cfg.Enabled {
		close(w.done)
		return w
	}

	w.tasks = make(chan Task, cfg.QueueSize)
	go w.run()
	return w
}

// Capture queues a copy of frame. onSaved runs on the worker goroutine with
// the saved path, and never runs when saving fails or capture is disabled.
func (w *Worker) Capture(frame image.Image, onSaved func(path string)) {
	if !w.cfg.Enabled || frame == nil {
		return
	}
	task := Task{Snapshot: pipeline.CloneFrame(frame), OnSaved: onSaved}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("capture after shutdown, snapshot dropped")
		return
	}
	w.tasks <- task
}

// Shutdown stops accepting snapshots, waits for the queue to drain and
// stops the worker. Safe to call more than once.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() {
		if w.cfg.Enabled {
			w.mu.Lock()
			w.closed = true
			close(w.tasks)
			w.mu.Unlock()
		}
		<-w.done
	})
}

func (w *Worker) run() {
	defer close(w.done)
	for task := range w.tasks {
		w.process(task)
	}
	w.logger.Debug("capture worker stopped")
}

func (w *Worker) process(task Task) {
	path, err := output.Path(w.cfg.Root, output.KindImages, "jpg", w.now())
	if err != nil {
		w.logger.Errorw("failed to allocate image path", "error", err)
		return
	}
	if err := w.save(task.Snapshot, path); err != nil {
		w.logger.Errorw("failed to save image", "path", path, "error", err)
		return
	}
	w.logger.Infow("image saved", "path", path)
	w.bus.Publish(pipeline.Event{Kind: pipeline.EventImageSaved, Path: path})

	if task.OnSaved != nil {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Errorw("capture callback panicked", "path", path, "panic", r)
			}
		}()
		task.OnSaved(path)
	}
}
