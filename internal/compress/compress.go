// Package compress re-encodes recorded clips before upload.
package compress

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

// Config controls clip compression
type Config struct {
	Enabled    bool
	FFmpegPath string // binary name or path, "ffmpeg" when empty
	Codec      string // libx264 when empty
	CRF        int    // 28 when zero
	Resolution string // WxH, e.g. 1280x720; empty keeps the source size
}

// Compressor shrinks clips with ffmpeg. When ffmpeg is missing or fails the
// original clip is returned untouched.
type Compressor struct {
	cfg      Config
	logger   *zap.SugaredLogger
	lookPath func(file string) (string, error)
	run      func(ctx context.Context, bin string, args []string) error
}

// New creates a Compressor
func New(cfg Config, logger *zap.SugaredLogger) *Compressor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Codec == "" {
		cfg.Codec = "libx264"
	}
	if cfg.CRF <= 0 {
		cfg.CRF = 28
	}
	return &Compressor{
		cfg:      cfg,
		logger:   logger.Named("compress"),
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

// Compress writes <name>_compressed<ext> next to input and removes input on
// success, returning the new path. A missing input is an error; every other
// failure falls back to returning input.
func (c *Compressor) Compress(ctx context.Context, input string) (string, error) {
	if _, err := os.Stat(input); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("video not found: %s", input)
		}
		return "", fmt.Errorf("failed to stat video: %w", err)
	}
	if !c.cfg.Enabled {
		return input, nil
	}

	bin, err := c.lookPath(c.cfg.FFmpegPath)
	if err != nil {
		c.logger.Warnw("ffmpeg not found, sending original clip", "path", input, "error", err)
		return input, nil
	}

	out := CompressedPath(input)
	if err := c.run(ctx, bin, c.Args(input, out)); err != nil {
		c.logger.Warnw("compression failed, sending original clip", "path", input, "error", err)
		if rmErr := os.Remove(out); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			c.logger.Debugw("failed to remove partial output", "path", out, "error", rmErr)
		}
		return input, nil
	}
	if _, err := os.Stat(out); err != nil {
		c.logger.Warnw("compressed clip missing, sending original clip", "path", out, "error", err)
		return input, nil
	}

	if err := os.Remove(input); err != nil {
		c.logger.Warnw("failed to remove original clip", "path", input, "error", err)
	}
	c.logger.Infow("clip compressed", "input", input, "output", out)
	return out, nil
}

// Args builds the ffmpeg command line for compressing in into out
func (c *Compressor) Args(in, out string) []string {
	kw := ffmpeg.KwArgs{
		"vcodec": c.cfg.Codec,
		"crf":    c.cfg.CRF,
	}
	if scale := scaleFilter(c.cfg.Resolution); scale != "" {
		kw["vf"] = scale
	}
	return ffmpeg.Input(in).Output(out, kw).OverWriteOutput().GetArgs()
}

// CompressedPath returns the output name used for a compressed clip
func CompressedPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_compressed" + ext
}

func scaleFilter(resolution string) string {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(resolution)), "x")
	if !ok || w == "" || h == "" {
		return ""
	}
	return fmt.Sprintf("scale=%s:%s", w, h)
}

func runCommand(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, tail(string(out), 512))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
