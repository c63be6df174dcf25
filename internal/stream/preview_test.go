package stream

import (
	"bufio"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testFrame() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

func TestPutNeverBlocks(t *testing.T) {
	p := NewPreview(80, zap.NewNop().Sugar())
	for i := 0; i < 10; i++ {
		p.Put(testFrame())
	}
	p.Put(nil)
	assert.Len(t, p.pending, 1)
}

func TestRunEncodesFrames(t *testing.T) {
	p := NewPreview(80, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Put(testFrame())
	require.Eventually(t, func() bool { return p.CurrentFrame() != nil }, time.Second, 5*time.Millisecond)

	img, err := jpeg.Decode(strings.NewReader(string(p.CurrentFrame())))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, uint64(1), p.FrameSeq())
}

func TestSnapshotHandler(t *testing.T) {
	p := NewPreview(80, zap.NewNop().Sugar())

	rec := httptest.NewRecorder()
	p.SnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	p.updateFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	rec = httptest.NewRecorder()
	p.SnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, 4, rec.Body.Len())
}

func TestServeHTTPStreamsParts(t *testing.T) {
	p := NewPreview(80, zap.NewNop().Sugar())
	srv := httptest.NewServer(p)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return p.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	p.updateFrame([]byte("jpegdata"))

	r := textproto.NewReader(bufio.NewReader(resp.Body))
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "--frame", line)
	hdr, err := r.ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", hdr.Get("Content-Type"))
	assert.Equal(t, "8", hdr.Get("Content-Length"))
	body, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", body)
}

func TestServeHTTPSendsHeadersBeforeFirstFrame(t *testing.T) {
	p := NewPreview(80, zap.NewNop().Sugar())
	srv := httptest.NewServer(p)
	defer srv.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Nil(t, p.CurrentFrame())
}

func TestServeHTTPStartsWithCurrentFrame(t *testing.T) {
	p := NewPreview(80, zap.NewNop().Sugar())
	p.updateFrame([]byte("cached"))
	srv := httptest.NewServer(p)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := textproto.NewReader(bufio.NewReader(resp.Body))
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "--frame", line)
	_, err = r.ReadMIMEHeader()
	require.NoError(t, err)
	body, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "cached", body)
}
