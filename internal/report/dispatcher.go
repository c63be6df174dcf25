// Package report delivers evidence artifacts to the alert channel.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"argus/internal/compress"
	"argus/internal/pipeline"
	"argus/internal/telegram"
)

// Notifier sends media to the alert channel
type Notifier interface {
	SendPhoto(path, caption string) (int, error)
	SendVideo(path, caption string) (int, error)
}

// Compressor shrinks a clip before upload, returning the path to send
type Compressor interface {
	Compress(ctx context.Context, path string) (string, error)
}

// Config holds dispatcher configuration
type Config struct {
	Telegram    telegram.Config
	Compression compress.Config
	// VideoTimeout bounds compression plus upload of one clip
	VideoTimeout time.Duration
}

// Dispatcher sends image alerts synchronously and clip alerts in the
// background. Delivery is best effort: failures are logged, never retried.
type Dispatcher struct {
	notifier     Notifier
	compressor   Compressor
	logger       *zap.SugaredLogger
	bus          *pipeline.EventBus
	videoTimeout time.Duration

	wg sync.WaitGroup
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithNotifier replaces the Telegram bot
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithCompressor replaces the ffmpeg compressor
func WithCompressor(c Compressor) Option {
	return func(d *Dispatcher) { d.compressor = c }
}

// WithEventBus publishes delivery outcomes
func WithEventBus(bus *pipeline.EventBus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// New creates a Dispatcher. Unless a notifier is supplied, the Telegram
// configuration is validated and the bot connected here, so a missing or
// placeholder token fails construction.
func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:       logger.Named("report"),
		videoTimeout: cfg.VideoTimeout,
	}
	if d.videoTimeout <= 0 {
		d.videoTimeout = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.notifier == nil {
		bot, err := telegram.NewTelegramBot(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("report dispatcher: %w", err)
		}
		d.logger.Infow("telegram bot connected", "username", bot.Username())
		d.notifier = bot
	}
	if d.compressor == nil {
		d.compressor = compress.New(cfg.Compression, logger)
	}
	return d, nil
}

// NotifyImage uploads an image with message and reports whether it was
// delivered. It blocks for the duration of the upload.
func (d *Dispatcher) NotifyImage(message, imagePath string) bool {
	_, err := d.notifier.SendPhoto(imagePath, message)
	d.publish(pipeline.EventImageNotified, imagePath, err)
	if err != nil {
		d.logger.Errorw("failed to send image alert", "path", imagePath, "error", err)
		return false
	}
	d.logger.Infow("image alert sent", "path", imagePath)
	return true
}

// NotifyVideoAsync compresses and uploads a clip on a detached goroutine
// and returns immediately. The outcome is only logged.
func (d *Dispatcher) NotifyVideoAsync(message, videoPath string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Errorw("video delivery panicked", "path", videoPath, "panic", r)
			}
		}()
		d.notifyVideo(message, videoPath)
	}()
}

func (d *Dispatcher) notifyVideo(message, videoPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.videoTimeout)
	defer cancel()

	final := videoPath
	if d.compressor != nil {
		out, err := d.compressor.Compress(ctx, videoPath)
		if err != nil {
			d.logger.Warnw("compression skipped", "path", videoPath, "error", err)
		} else {
			final = out
		}
	}

	_, err := d.notifier.SendVideo(final, message)
	d.publish(pipeline.EventClipNotified, final, err)
	if err != nil {
		d.logger.Errorw("failed to send video alert", "path", final, "error", err)
		return
	}
	d.logger.Infow("video alert sent", "path", final)
}

// Wait blocks until in-flight video deliveries finish or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("video deliveries still in flight"), ctx.Err())
	}
}

func (d *Dispatcher) publish(kind pipeline.EventKind, path string, err error) {
	ev := pipeline.Event{Kind: kind, Path: path, Delivered: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(ev)
}
