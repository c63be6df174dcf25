package recorder

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"

	"github.com/disintegration/imaging"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"argus/internal/pipeline"
)

// ffmpegWriter pipes raw RGBA frames into an ffmpeg subprocess
type ffmpegWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	width  int
	height int
}

// FFmpegWriterFactory returns a WriterFactory that encodes with the ffmpeg
// binary at binary ("ffmpeg" when empty) using codec ("mpeg4" when empty).
func FFmpegWriterFactory(binary, codec string) WriterFactory {
	if binary == "" {
		binary = "ffmpeg"
	}
	if codec == "" {
		codec = "mpeg4"
	}
	return func(path string, width, height int, fps float64) (VideoWriter, error) {
		if width <= 0 || height <= 0 {
			return nil, fmt.Errorf("invalid clip size %dx%d", width, height)
		}
		bin, err := exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not available: %w", err)
		}

		args := EncodeArgs(path, width, height, fps, codec)
		w := &ffmpegWriter{
			cmd:    exec.Command(bin, args...),
			width:  width,
			height: height,
		}
		w.cmd.Stderr = &w.stderr
		stdin, err := w.cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
		}
		w.stdin = stdin
		if err := w.cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
		}
		return w, nil
	}
}

// EncodeArgs builds the ffmpeg command line that reads raw RGBA frames from
// stdin and writes an MP4 clip to path.
func EncodeArgs(path string, width, height int, fps float64, codec string) []string {
	return ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": fps,
	}).Output(path, ffmpeg.KwArgs{
		"vcodec":  codec,
		"pix_fmt": "yuv420p",
	}).OverWriteOutput().GetArgs()
}

func (w *ffmpegWriter) WriteFrame(frame *image.RGBA) error {
	b := frame.Bounds()
	if b.Dx() != w.width || b.Dy() != w.height {
		frame = pipeline.CloneFrame(imaging.Resize(frame, w.width, w.height, imaging.Linear))
		b = frame.Bounds()
	}

	rowLen := 4 * b.Dx()
	if frame.Stride == rowLen {
		_, err := w.stdin.Write(frame.Pix[:rowLen*b.Dy()])
		return err
	}
	for y := 0; y < b.Dy(); y++ {
		off := y * frame.Stride
		if _, err := w.stdin.Write(frame.Pix[off : off+rowLen]); err != nil {
			return err
		}
	}
	return nil
}

func (w *ffmpegWriter) Close() error {
	closeErr := w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", err, strings.TrimSpace(w.stderr.String()))
	}
	return closeErr
}
