package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"argus/internal/message"
	"argus/internal/pipeline"
)

// fakeCapturer saves nothing and invokes the callback inline
type fakeCapturer struct {
	frames []*image.RGBA
}

func (f *fakeCapturer) Capture(frame image.Image, onSaved func(string)) {
	f.frames = append(f.frames, pipeline.CloneFrame(frame))
	onSaved(fmt.Sprintf("/images/%d.jpg", len(f.frames)))
}

type fakeRecorder struct {
	open     bool
	starts   int
	stops    int
	written  [][]byte // first pixel of every frame per clip
	startErr error
}

func (f *fakeRecorder) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	if !f.open {
		f.open = true
		f.starts++
		f.written = append(f.written, nil)
	}
	return nil
}

func (f *fakeRecorder) Write(frame image.Image) {
	if !f.open {
		return
	}
	rgba := frame.(*image.RGBA)
	f.written[len(f.written)-1] = append(f.written[len(f.written)-1], rgba.Pix[0])
}

func (f *fakeRecorder) Stop() (string, bool) {
	if !f.open {
		return "", false
	}
	f.open = false
	f.stops++
	return fmt.Sprintf("/videos/%d.mp4", f.stops), true
}

type notification struct {
	message string
	path    string
}

type fakeReporter struct {
	mu     sync.Mutex
	images []notification
	videos []notification
}

func (f *fakeReporter) NotifyImage(msg, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, notification{msg, path})
	return true
}

func (f *fakeReporter) NotifyVideoAsync(msg, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos = append(f.videos, notification{msg, path})
}

type harness struct {
	engine   *Engine
	capturer *fakeCapturer
	recorder *fakeRecorder
	reporter *fakeReporter
	clock    *clock.Mock
	bus      *pipeline.EventBus
}

func newHarness(t *testing.T, cfg Config, detectors ...pipeline.Detector) *harness {
	t.Helper()
	h := &harness{
		capturer: &fakeCapturer{},
		recorder: &fakeRecorder{},
		reporter: &fakeReporter{},
		clock:    clock.NewMock(),
		bus:      pipeline.NewEventBus(),
	}
	h.clock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	e, err := New(cfg, detectors, h.capturer, h.recorder, h.reporter, zaptest.NewLogger(t).Sugar(),
		WithClock(h.clock), WithEventBus(h.bus))
	require.NoError(t, err)
	h.engine = e
	return h
}

func frame(seq byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Pix[0] = seq
	return img
}

var fire = []pipeline.Detection{{ClassName: "fire", Confidence: 0.9}}

func TestDebounceBelowThreshold(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 3})

	h.engine.ProcessDetections(frame(1), fire)
	assert.Equal(t, StateArming, h.engine.State())
	h.engine.ProcessDetections(frame(2), fire)
	h.engine.ProcessDetections(frame(3), nil)

	assert.Equal(t, StateIdle, h.engine.State())
	assert.Zero(t, h.engine.ConsecutivePositives())
	assert.Empty(t, h.capturer.frames)
	assert.Zero(t, h.recorder.starts)
	assert.Empty(t, h.reporter.images)
	assert.Empty(t, h.reporter.videos)
}

func TestThresholdStartsSessionAndEmptyFrameEndsIt(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 3})

	h.engine.ProcessDetections(frame(1), fire)
	h.engine.ProcessDetections(frame(2), fire)
	h.engine.ProcessDetections(frame(3), fire)

	assert.Equal(t, StateRecording, h.engine.State())
	require.Len(t, h.capturer.frames, 1)
	assert.Equal(t, byte(3), h.capturer.frames[0].Pix[0])
	require.Len(t, h.reporter.images, 1)
	assert.Equal(t, "/images/1.jpg", h.reporter.images[0].path)
	assert.Contains(t, h.reporter.images[0].message, "FIRE DETECTED WITH CONFIDENCE 90.0%")
	assert.Equal(t, 1, h.recorder.starts)

	h.engine.ProcessDetections(frame(4), fire)
	h.engine.ProcessDetections(frame(5), nil)

	assert.Equal(t, StateIdle, h.engine.State())
	assert.Zero(t, h.engine.ConsecutivePositives())
	require.Len(t, h.reporter.videos, 1)
	assert.Equal(t, "/videos/1.mp4", h.reporter.videos[0].path)
	// the triggering frame and every later positive frame are recorded
	assert.Equal(t, [][]byte{{3, 4}}, h.recorder.written)
}

func TestVideoCaptionUsesLastDetections(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 1})

	h.engine.ProcessDetections(frame(1), []pipeline.Detection{{ClassName: "smoke", Confidence: 0.4}})
	h.engine.ProcessDetections(frame(2), []pipeline.Detection{{ClassName: "person", Confidence: 0.8}})
	h.engine.ProcessDetections(frame(3), nil)

	require.Len(t, h.reporter.videos, 1)
	caption := h.reporter.videos[0].message
	assert.NotEqual(t, message.Placeholder, caption)
	assert.Contains(t, caption, "PERSON DETECTED")
	assert.NotContains(t, caption, "smoke")
}

func TestOneImagePerSession(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 2, RecordingTimeout: time.Hour})

	for i := 0; i < 50; i++ {
		h.engine.ProcessDetections(frame(byte(i)), fire)
	}
	assert.Len(t, h.capturer.frames, 1)
	assert.Len(t, h.reporter.images, 1)
	assert.Equal(t, 1, h.recorder.starts)
	require.Len(t, h.recorder.written, 1)
	assert.Len(t, h.recorder.written[0], 49)
}

func TestTimeoutChunking(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 1, RecordingTimeout: time.Second})

	for i := 0; i < 10; i++ {
		h.engine.ProcessDetections(frame(byte(i)), fire)
		assert.NotEqual(t, StateArming, h.engine.State(), "frame %d", i)
		if i > 0 {
			assert.Equal(t, StateRecording, h.engine.State())
		}
		h.clock.Add(400 * time.Millisecond)
	}

	// 10 frames 400ms apart: rotations after >1s of recording at frames 3, 6 and 9
	assert.Equal(t, 3, len(h.reporter.videos))
	assert.Equal(t, 4, h.recorder.starts)
	assert.Len(t, h.capturer.frames, 1, "chunks of one burst share a single image")
	for _, v := range h.reporter.videos {
		assert.Contains(t, v.message, "FIRE DETECTED")
	}

	var total int
	for _, clip := range h.recorder.written {
		total += len(clip)
	}
	assert.Equal(t, 10, total, "every frame lands in exactly one clip")
}

func TestNewBurstCapturesAgain(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 1})

	h.engine.ProcessDetections(frame(1), fire)
	h.engine.ProcessDetections(frame(2), nil)
	h.engine.ProcessDetections(frame(3), fire)

	assert.Len(t, h.capturer.frames, 2)
	assert.Equal(t, 2, h.recorder.starts)
}

func TestRecorderStartFailureKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 1})
	h.recorder.startErr = errors.New("no ffmpeg")

	h.engine.ProcessDetections(frame(1), fire)
	assert.Equal(t, StateRecording, h.engine.State())
	h.engine.ProcessDetections(frame(2), nil)

	assert.Equal(t, StateIdle, h.engine.State())
	assert.Empty(t, h.reporter.videos)
	assert.Len(t, h.reporter.images, 1)
}

func TestFlushReportsOpenClip(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 1})

	h.engine.ProcessDetections(frame(1), fire)
	h.engine.Flush()

	assert.Equal(t, StateIdle, h.engine.State())
	assert.Len(t, h.reporter.videos, 1)
	assert.False(t, h.recorder.open)

	h.engine.Flush()
	assert.Len(t, h.reporter.videos, 1)
}

func TestLifecycleEvents(t *testing.T) {
	h := newHarness(t, Config{StartThreshold: 1})
	ch, unsubscribe := h.bus.SubscribeChannel(8)
	defer unsubscribe()

	h.engine.ProcessDetections(frame(1), fire)
	h.engine.ProcessDetections(frame(2), nil)

	started := <-ch
	ended := <-ch
	assert.Equal(t, pipeline.EventSessionStarted, started.Kind)
	assert.Equal(t, pipeline.EventSessionEnded, ended.Kind)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, started.SessionID, ended.SessionID)
	assert.Equal(t, "fire", started.TopClass)
}

func TestNewRequiresReporter(t *testing.T) {
	_, err := New(Config{}, nil, &fakeCapturer{}, &fakeRecorder{}, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, DefaultStartThreshold, h.engine.cfg.StartThreshold)
	assert.Equal(t, DefaultRecordingTimeout, h.engine.cfg.RecordingTimeout)
}

type stubDetector struct {
	name    string
	results []pipeline.Detection
	err     error
	sizes   []image.Rectangle
}

func (s *stubDetector) Name() string    { return s.name }
func (s *stubDetector) IsHealthy() bool { return true }
func (s *stubDetector) Close() error    { return nil }
func (s *stubDetector) Detect(_ context.Context, frame *image.RGBA) ([]pipeline.Detection, error) {
	s.sizes = append(s.sizes, frame.Bounds())
	return s.results, s.err
}

func TestProcessRunsDetectorsOnResizedFrame(t *testing.T) {
	general := &stubDetector{name: "general", results: []pipeline.Detection{{ClassName: "person", Confidence: 0.7,
		Region: pipeline.Region{BBox: &pipeline.BBox{X1: 4, Y1: 4, X2: 20, Y2: 20}}}}}
	broken := &stubDetector{name: "broken", err: errors.New("timeout")}
	fireDet := &stubDetector{name: "fire", results: fire}

	h := newHarness(t, Config{StartThreshold: 1, FrameWidth: 64, FrameHeight: 48, ShowTimestamp: true},
		general, broken, fireDet)

	src := image.NewRGBA(image.Rect(0, 0, 128, 96))
	out := h.engine.Process(context.Background(), src)

	assert.Equal(t, image.Rect(0, 0, 64, 48), out.Bounds())
	for _, d := range []*stubDetector{general, broken, fireDet} {
		require.Len(t, d.sizes, 1)
		assert.Equal(t, image.Rect(0, 0, 64, 48), d.sizes[0])
	}
	assert.Equal(t, StateRecording, h.engine.State())

	// captured frame is clean, the returned display frame is annotated
	require.Len(t, h.capturer.frames, 1)
	clean := h.capturer.frames[0]
	assert.Equal(t, color.RGBA{}, clean.RGBAAt(4, 10))
	assert.NotEqual(t, clean.Pix, out.Pix)
	assert.Len(t, h.engine.lastDetections, 2)
}
