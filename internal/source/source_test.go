package source

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRawReaderFrames(t *testing.T) {
	const w, h = 4, 2
	frameLen := w * h * 4

	data := make([]byte, 2*frameLen)
	for i := range data {
		data[i] = byte(i)
	}

	rr, err := NewRawReader(bytes.NewReader(data), w, h)
	require.NoError(t, err)

	f1, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(0), f1.Pix[0])
	assert.Equal(t, w, f1.Bounds().Dx())

	f2, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(frameLen), f2.Pix[0])
	assert.Same(t, f1, f2, "the decode buffer is reused")

	_, err = rr.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(2), rr.FrameCount())
}

func TestRawReaderTruncatedFrame(t *testing.T) {
	rr, err := NewRawReader(bytes.NewReader(make([]byte, 10)), 4, 2)
	require.NoError(t, err)
	_, err = rr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRawReaderInvalidSize(t *testing.T) {
	_, err := NewRawReader(bytes.NewReader(nil), 0, 2)
	assert.Error(t, err)
}

func TestDecodeArgs(t *testing.T) {
	args := DecodeArgs(Config{Input: "rtsp://cam/1", Width: 1280, Height: 720, FPS: 15})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-rtsp_transport tcp")
	assert.Contains(t, joined, "-i rtsp://cam/1")
	assert.Contains(t, joined, "-pix_fmt rgba")
	assert.Contains(t, joined, "-s 1280x720")
	assert.Contains(t, args, "pipe:")
	assert.Contains(t, joined, "-loglevel error")

	args = DecodeArgs(Config{Input: "/dev/video0", Width: 640, Height: 480})
	joined = strings.Join(args, " ")
	assert.Contains(t, joined, "-f v4l2")
	assert.Contains(t, joined, "-video_size 640x480")

	args = DecodeArgs(Config{Input: "clip.mp4", Width: 640, Height: 480, Loop: true})
	assert.Contains(t, strings.Join(args, " "), "-stream_loop -1")
}

func TestNewFFmpegSourceValidates(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	_, err := NewFFmpegSource(Config{Width: 1, Height: 1}, logger)
	assert.Error(t, err)
	_, err = NewFFmpegSource(Config{Input: "a.mp4"}, logger)
	assert.Error(t, err)

	s, err := NewFFmpegSource(Config{Input: "a.mp4", Width: 2, Height: 2, FFmpegPath: "/nonexistent/ffmpeg"}, logger)
	require.NoError(t, err)
	_, err = s.Next()
	assert.Error(t, err)
	assert.Error(t, s.Open(t.Context()))
	assert.NoError(t, s.Close())
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"30/1", 30, true},
		{"30000/1001", 29.97, true},
		{"25", 25, true},
		{"0/0", 0, false},
		{"0/1", 0, false},
		{"", 0, false},
		{"fast", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseFrameRate(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.InDelta(t, tc.want, got, 0.01)
		})
	}
}

func TestFrameRateFromProbe(t *testing.T) {
	fps, err := frameRateFromProbe([]byte(`{"streams":[
		{"codec_type":"audio","avg_frame_rate":"0/0","r_frame_rate":"0/0"},
		{"codec_type":"video","avg_frame_rate":"0/0","r_frame_rate":"25/1"}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, float64(25), fps)

	_, err = frameRateFromProbe([]byte(`{"streams":[{"codec_type":"audio"}]}`))
	assert.ErrorIs(t, err, errNoVideoStream)

	_, err = frameRateFromProbe([]byte("not json"))
	assert.Error(t, err)
}

func TestSourceFrameRate(t *testing.T) {
	probed := 0
	orig := probeFPS
	probeFPS = func(string) (float64, error) {
		probed++
		return 12.5, nil
	}
	t.Cleanup(func() { probeFPS = orig })

	logger := zaptest.NewLogger(t).Sugar()
	newSource := func(cfg Config) *FFmpegSource {
		cfg.Width, cfg.Height = 2, 2
		s, err := NewFFmpegSource(cfg, logger)
		require.NoError(t, err)
		return s
	}

	assert.Equal(t, float64(20), newSource(Config{Input: "a.mp4", FPS: 20}).frameRate())
	assert.Equal(t, 0, probed, "a configured rate is not probed")

	assert.Equal(t, 12.5, newSource(Config{Input: "a.mp4"}).frameRate())
	assert.Equal(t, float64(0), newSource(Config{Input: "/dev/video0"}).frameRate())
	assert.Equal(t, 1, probed)

	probeFPS = func(string) (float64, error) { return 0, errNoVideoStream }
	assert.Equal(t, float64(0), newSource(Config{Input: "rtsp://cam/1"}).frameRate())

	args := DecodeArgs(Config{Input: "a.mp4", Width: 2, Height: 2})
	assert.NotContains(t, args, "-r", "native rate is kept")
}
