package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"argus/internal/pipeline"
)

// DetectMethod is the unary RPC served by gRPC detection backends. The
// request is a BytesValue holding a JPEG frame; the reply is a Struct with
// the same "detections" list the HTTP service returns.
const DetectMethod = "/argus.detection.v1.Detector/Detect"

// GRPCDetector calls a detection service over gRPC
type GRPCDetector struct {
	name    string
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	filter  Filter
	timeout time.Duration

	healthMu   sync.Mutex
	healthy    bool
	lastHealth time.Time
}

// GRPCConfig configures a GRPCDetector
type GRPCConfig struct {
	Name     string
	Endpoint string
	Timeout  time.Duration
	Filter   Filter
}

// NewGRPCDetector creates a gRPC client for the detection service. The
// connection is established lazily on first use.
func NewGRPCDetector(cfg GRPCConfig) (*GRPCDetector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", cfg.Endpoint, err)
	}

	return &GRPCDetector{
		name:    cfg.Name,
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		filter:  cfg.Filter,
		timeout: cfg.Timeout,
	}, nil
}

// Name implements pipeline.Detector
func (d *GRPCDetector) Name() string { return d.name }

// IsHealthy queries the standard gRPC health service, caching a positive
// answer for 30 seconds
func (d *GRPCDetector) IsHealthy() bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	if d.healthy && time.Since(d.lastHealth) < healthCacheTTL {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	resp, err := d.health.Check(ctx, &healthpb.HealthCheckRequest{})
	d.healthy = err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if d.healthy {
		d.lastHealth = time.Now()
	}
	return d.healthy
}

// Detect implements pipeline.Detector
func (d *GRPCDetector) Detect(ctx context.Context, frame *image.RGBA) ([]pipeline.Detection, error) {
	var img bytes.Buffer
	if err := imaging.Encode(&img, frame, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(img.Bytes()), reply); err != nil {
		return nil, fmt.Errorf("%s: detect RPC failed: %w", d.name, err)
	}

	raw, err := json.Marshal(reply.AsMap())
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read reply: %w", d.name, err)
	}
	var result wireResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%s: failed to decode detections: %w", d.name, err)
	}
	return d.filter.Apply(convert(result)), nil
}

// Close implements pipeline.Detector
func (d *GRPCDetector) Close() error {
	return d.conn.Close()
}

var _ pipeline.Detector = (*GRPCDetector)(nil)
