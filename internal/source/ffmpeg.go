package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

// Config describes where frames come from and the size they are decoded to
type Config struct {
	Input      string // file path, rtsp:// or http(s):// URL, or /dev/videoN
	Width      int
	Height     int
	FPS        float64 // output rate; zero keeps the input's native rate
	FFmpegPath string
	Loop       bool // restart file inputs at EOF
}

// FFmpegSource decodes any input ffmpeg understands into RGBA frames
type FFmpegSource struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	reader *RawReader
	fps    float64
}

// probeFPS is replaced in tests
var probeFPS = ProbeFPS

// NewFFmpegSource creates a source; call Open before Next
func NewFFmpegSource(cfg Config, logger *zap.SugaredLogger) (*FFmpegSource, error) {
	if cfg.Input == "" {
		return nil, fmt.Errorf("no input configured")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &FFmpegSource{cfg: cfg, logger: logger.Named("source")}, nil
}

// DecodeArgs builds the ffmpeg command line that decodes input to raw RGBA
// frames of the configured size on stdout
func DecodeArgs(cfg Config) []string {
	in := ffmpeg.KwArgs{}
	switch {
	case strings.HasPrefix(cfg.Input, "rtsp://"):
		in["rtsp_transport"] = "tcp"
	case strings.HasPrefix(cfg.Input, "/dev/video"):
		in["f"] = "v4l2"
		in["video_size"] = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
		if cfg.FPS > 0 {
			in["framerate"] = cfg.FPS
		}
	case cfg.Loop && !strings.Contains(cfg.Input, "://"):
		in["stream_loop"] = -1
	}

	out := ffmpeg.KwArgs{
		"format":  "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	}
	if cfg.FPS > 0 {
		out["r"] = cfg.FPS
	}

	return ffmpeg.Input(cfg.Input, in).
		Output("pipe:", out).
		GlobalArgs("-loglevel", "error").
		GetArgs()
}

// Open starts the decoder. The process is killed when ctx is done.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("source already open")
	}

	bin, err := exec.LookPath(s.cfg.FFmpegPath)
	if err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}

	args := DecodeArgs(s.cfg)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	reader, err := NewRawReader(stdout, s.cfg.Width, s.cfg.Height)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return err
	}

	s.cmd = cmd
	s.stdout = stdout
	s.reader = reader
	s.fps = s.frameRate()
	s.logger.Infow("decoder started", "input", s.cfg.Input, "width", s.cfg.Width, "height", s.cfg.Height, "fps", s.fps)
	return nil
}

// frameRate is the configured output rate, or the probed native rate when
// the decoder passes frames through unchanged
func (s *FFmpegSource) frameRate() float64 {
	if s.cfg.FPS > 0 {
		return s.cfg.FPS
	}
	if strings.HasPrefix(s.cfg.Input, "/dev/video") {
		return 0
	}
	fps, err := probeFPS(s.cfg.Input)
	if err != nil {
		s.logger.Warnw("could not determine source frame rate", "input", s.cfg.Input, "error", err)
		return 0
	}
	return fps
}

// FPS returns the rate frames are delivered at, or zero when unknown.
// Valid after Open.
func (s *FFmpegSource) FPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// Next returns the next decoded frame, or io.EOF when the input ends
func (s *FFmpegSource) Next() (*image.RGBA, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()

	if reader == nil {
		return nil, fmt.Errorf("source not open")
	}
	frame, err := reader.Next()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode failed after %d frames: %w", reader.FrameCount(), err)
	}
	return frame, err
}

// Close stops the decoder
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	if s.cmd.ProcessState == nil {
		s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	frames := s.reader.FrameCount()
	s.cmd, s.stdout, s.reader = nil, nil, nil

	s.logger.Infow("decoder stopped", "frames", frames)
	if err != nil {
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			s.logger.Debugw("ffmpeg stderr", "output", msg)
		}
	}
	return nil
}
