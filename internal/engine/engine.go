// Package engine turns per-frame detections into evidence sessions.
//
// The engine is a three-state machine driven from a single frame loop:
//
//	IDLE --positive--> ARMING --threshold reached--> RECORDING
//	ARMING --empty--> IDLE
//	RECORDING --empty--> IDLE (clip closed and reported)
//	RECORDING --timeout--> RECORDING (clip closed and reported, new clip opened)
//
// A still image is captured once per burst, when the session first starts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"argus/internal/message"
	"argus/internal/pipeline"
)

// Defaults applied when the corresponding Config field is zero
const (
	DefaultStartThreshold   = 30
	DefaultRecordingTimeout = 3 * time.Second
)

// State of the engine
type State int

const (
	StateIdle State = iota
	StateArming
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArming:
		return "arming"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Capturer persists a still image and calls back with its path
type Capturer interface {
	Capture(frame image.Image, onSaved func(path string))
}

// Recorder appends frames to a clip
type Recorder interface {
	Start() error
	Write(frame image.Image)
	Stop() (path string, ok bool)
}

// Reporter delivers alerts
type Reporter interface {
	NotifyImage(message, imagePath string) bool
	NotifyVideoAsync(message, videoPath string)
}

// Config holds engine configuration
type Config struct {
	StartThreshold   int           // consecutive positive frames needed to start a session
	RecordingTimeout time.Duration // maximum clip length; negative disables chunking
	ShowTimestamp    bool
	FrameWidth       int // working frame size; zero keeps the source size
	FrameHeight      int
	Location         string // optional location line in alert captions
	ParseMode        string // caption markup, matches the Telegram parse mode
}

// Engine owns the session state. Process and ProcessDetections must be
// called from one goroutine.
type Engine struct {
	cfg       Config
	detectors []pipeline.Detector
	capturer  Capturer
	recorder  Recorder
	reporter  Reporter
	logger    *zap.SugaredLogger
	clock     clock.Clock
	bus       *pipeline.EventBus
	overlay   *Overlay
	formatter message.Formatter

	state            State
	positives        int
	sessionID        string
	sessionStartedAt time.Time
	imageCaptured    bool
	lastDetections   []pipeline.Detection
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEventBus publishes session lifecycle events
func WithEventBus(bus *pipeline.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// New creates an engine. The reporter is mandatory; capturer and recorder
// are mandatory too but may be disabled workers.
func New(cfg Config, detectors []pipeline.Detector, capturer Capturer, recorder Recorder, reporter Reporter,
	logger *zap.SugaredLogger, opts ...Option,
) (*Engine, error) {
	if reporter == nil {
		return nil, errors.New("engine requires a reporter")
	}
	if capturer == nil || recorder == nil {
		return nil, errors.New("engine requires a capturer and a recorder")
	}
	if cfg.StartThreshold <= 0 {
		cfg.StartThreshold = DefaultStartThreshold
	}
	if cfg.RecordingTimeout == 0 {
		cfg.RecordingTimeout = DefaultRecordingTimeout
	}

	overlay, err := NewOverlay()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		detectors: detectors,
		capturer:  capturer,
		recorder:  recorder,
		reporter:  reporter,
		logger:    logger.Named("engine"),
		clock:     clock.New(),
		overlay:   overlay,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.formatter = message.Formatter{Now: e.clock.Now, ParseMode: cfg.ParseMode}
	return e, nil
}

// State returns the current state
func (e *Engine) State() State { return e.state }

// ConsecutivePositives returns the debounce counter
func (e *Engine) ConsecutivePositives() int { return e.positives }

// Process resizes frame to the working size, runs every detector in order,
// feeds the concatenated detections to the state machine and returns the
// annotated working frame for display. The clean frame is what gets
// captured and recorded.
func (e *Engine) Process(ctx context.Context, frame image.Image) *image.RGBA {
	working := pipeline.FitFrame(frame, e.cfg.FrameWidth, e.cfg.FrameHeight)

	var detections []pipeline.Detection
	for _, d := range e.detectors {
		found, err := d.Detect(ctx, working)
		if err != nil {
			e.logger.Warnw("detector failed", "detector", d.Name(), "error", err)
			continue
		}
		detections = append(detections, found...)
	}

	e.ProcessDetections(working, detections)

	e.overlay.DrawDetections(working, detections)
	if e.cfg.ShowTimestamp {
		e.overlay.DrawTimestamp(working, e.clock.Now())
	}
	return working
}

// ProcessDetections advances the state machine with one frame's detections.
// frame must be the clean (unannotated) frame.
func (e *Engine) ProcessDetections(frame *image.RGBA, detections []pipeline.Detection) {
	if len(detections) == 0 {
		e.onEmpty()
	} else {
		e.lastDetections = pipeline.CloneDetections(detections)
		e.onPositive(frame, detections)
	}

	if e.state == StateRecording {
		e.recorder.Write(frame)
	}
}

// Flush closes an open session at teardown and reports its clip
func (e *Engine) Flush() {
	if e.state != StateRecording {
		e.reset()
		return
	}
	e.finishClip(e.lastDetections)
	e.endSession("flushed")
}

func (e *Engine) onEmpty() {
	switch e.state {
	case StateArming:
		e.logger.Debugw("burst ended before threshold", "positives", e.positives)
		e.reset()
	case StateRecording:
		e.finishClip(e.lastDetections)
		e.endSession("detections cleared")
	default:
		e.positives = 0
	}
}

func (e *Engine) onPositive(frame *image.RGBA, detections []pipeline.Detection) {
	e.positives++

	switch e.state {
	case StateIdle:
		e.state = StateArming
	case StateRecording:
		if e.cfg.RecordingTimeout > 0 && e.clock.Since(e.sessionStartedAt) > e.cfg.RecordingTimeout {
			e.rotateClip(detections)
		}
		return
	}

	if e.positives >= e.cfg.StartThreshold {
		e.startSession(frame, detections)
	}
}

func (e *Engine) startSession(frame *image.RGBA, detections []pipeline.Detection) {
	e.sessionID = uuid.NewString()
	top := topDetection(detections)

	if !e.imageCaptured {
		caption := e.formatter.Generate(detections, "", e.cfg.Location)
		e.capturer.Capture(frame, func(path string) {
			e.reporter.NotifyImage(caption, path)
		})
		e.imageCaptured = true
	}

	if err := e.recorder.Start(); err != nil {
		e.logger.Errorw("failed to start recording", "session", e.sessionID, "error", err)
	}
	e.sessionStartedAt = e.clock.Now()
	e.state = StateRecording

	e.logger.Infow("session started", "session", e.sessionID, "class", top.ClassName,
		"confidence", message.Percent(top.Confidence), "positives", e.positives)
	e.publish(pipeline.Event{
		Kind:       pipeline.EventSessionStarted,
		TopClass:   top.ClassName,
		Confidence: top.Confidence,
		Detections: len(detections),
	})
}

// rotateClip closes the current clip after a timeout and opens the next
// chunk of the same session.
func (e *Engine) rotateClip(detections []pipeline.Detection) {
	e.logger.Infow("recording timeout reached, rotating clip", "session", e.sessionID,
		"elapsed", e.clock.Since(e.sessionStartedAt))
	e.finishClip(detections)

	if err := e.recorder.Start(); err != nil {
		e.logger.Errorw("failed to start next clip", "session", e.sessionID, "error", err)
	}
	e.sessionStartedAt = e.clock.Now()
}

func (e *Engine) finishClip(detections []pipeline.Detection) {
	path, ok := e.recorder.Stop()
	if !ok {
		return
	}
	e.reporter.NotifyVideoAsync(e.formatter.Generate(detections, "", e.cfg.Location), path)
}

func (e *Engine) endSession(reason string) {
	top := topDetection(e.lastDetections)
	e.publish(pipeline.Event{
		Kind:       pipeline.EventSessionEnded,
		TopClass:   top.ClassName,
		Confidence: top.Confidence,
		Detections: len(e.lastDetections),
	})
	e.logger.Infow("session ended", "session", e.sessionID, "reason", reason,
		"duration", e.clock.Since(e.sessionStartedAt))
	e.reset()
}

func (e *Engine) reset() {
	e.state = StateIdle
	e.positives = 0
	e.sessionID = ""
	e.sessionStartedAt = time.Time{}
	e.imageCaptured = false
	e.lastDetections = nil
}

func (e *Engine) publish(ev pipeline.Event) {
	ev.SessionID = e.sessionID
	ev.Timestamp = e.clock.Now().UTC()
	e.bus.Publish(ev)
}

func topDetection(detections []pipeline.Detection) pipeline.Detection {
	var top pipeline.Detection
	for i, d := range detections {
		if i == 0 || d.Confidence > top.Confidence {
			top = d
		}
	}
	return top
}
