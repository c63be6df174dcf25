package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"argus/internal/pipeline"
)

const healthCacheTTL = 30 * time.Second

// HTTPDetector calls a detection service that accepts a JPEG upload at
// <endpoint>/detect and answers with JSON detections
type HTTPDetector struct {
	name     string
	endpoint string
	client   *http.Client
	filter   Filter
	quality  int

	mu          sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// HTTPConfig configures an HTTPDetector
type HTTPConfig struct {
	Name     string
	Endpoint string
	Timeout  time.Duration
	Filter   Filter
}

// NewHTTPDetector creates a detector backed by an HTTP service
func NewHTTPDetector(cfg HTTPConfig) *HTTPDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPDetector{
		name:     cfg.Name,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		filter:   cfg.Filter,
		quality:  85,
	}
}

// Name implements pipeline.Detector
func (d *HTTPDetector) Name() string { return d.name }

// IsHealthy checks if the detection service is available.
// A successful check is cached for 30 seconds.
func (d *HTTPDetector) IsHealthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.healthy && time.Since(d.healthCheck) < healthCacheTTL {
		return true
	}

	resp, err := d.client.Get(d.endpoint + "/health")
	if err != nil {
		d.healthy = false
		return false
	}
	defer resp.Body.Close()

	d.healthy = resp.StatusCode == http.StatusOK
	if d.healthy {
		d.healthCheck = time.Now()
	}
	return d.healthy
}

// Detect implements pipeline.Detector
func (d *HTTPDetector) Detect(ctx context.Context, frame *image.RGBA) ([]pipeline.Detection, error) {
	var img bytes.Buffer
	if err := imaging.Encode(&img, frame, imaging.JPEG, imaging.JPEGQuality(d.quality)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(img.Bytes()); err != nil {
		return nil, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", d.filter.MinConfidence)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.markUnhealthy()
		return nil, fmt.Errorf("%s: detection request failed: %w", d.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s: detection failed (%d): %s", d.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result wireResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: failed to decode detections: %w", d.name, err)
	}
	return d.filter.Apply(convert(result)), nil
}

// Close implements pipeline.Detector
func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *HTTPDetector) markUnhealthy() {
	d.mu.Lock()
	d.healthy = false
	d.mu.Unlock()
}

var _ pipeline.Detector = (*HTTPDetector)(nil)
