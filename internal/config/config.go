package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"argus/internal/auth"
	"argus/internal/capture"
	"argus/internal/compress"
	"argus/internal/engine"
	"argus/internal/pipeline"
	"argus/internal/pipeline/detectors"
	"argus/internal/recorder"
	"argus/internal/report"
	"argus/internal/source"
	"argus/internal/telegram"
)

// Config represents the complete argus configuration
type Config struct {
	Input      string `yaml:"input"`
	Loop       bool   `yaml:"loop"`
	UseCase    string `yaml:"use_case"`
	Location   string `yaml:"location"`
	OutputRoot string `yaml:"output_root"`
	FFmpegPath string `yaml:"ffmpeg_path"`

	FrameWidth  int     `yaml:"frame_width"`
	FrameHeight int     `yaml:"frame_height"`
	FPS         float64 `yaml:"fps"` // zero follows the source, 30 when it cannot be probed

	StartThreshold   int           `yaml:"start_threshold"`
	RecordingTimeout time.Duration `yaml:"recording_timeout"` // negative disables chunking
	ShowTimestamp    bool          `yaml:"show_timestamp"`

	// Flat option names; when set they win over the nested settings
	RecordingTimeoutMS int   `yaml:"recording_timeout_ms"`
	EnableCapture      *bool `yaml:"enable_capture"`
	EnableRecording    *bool `yaml:"enable_recording"`

	Capture     CaptureConfig     `yaml:"capture"`
	Recording   RecordingConfig   `yaml:"recording"`
	Compression CompressionConfig `yaml:"compression"`
	Telegram    TelegramConfig    `yaml:"telegram"`

	Detectors []DetectorConfig    `yaml:"detectors"`
	UseCases  map[string][]string `yaml:"use_cases"` // merged over the built-in use cases

	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// CaptureConfig controls still image capture
type CaptureConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
	Quality   int  `yaml:"quality"`
}

// RecordingConfig controls clip recording
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	QueueSize int    `yaml:"queue_size"`
	Codec     string `yaml:"codec"`
}

// CompressionConfig controls clip compression before upload
type CompressionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Codec      string `yaml:"codec"`
	CRF        int    `yaml:"crf"`
	Resolution string `yaml:"resolution"`
}

// TelegramConfig holds Bot API credentials
type TelegramConfig struct {
	BotToken     string        `yaml:"bot_token"`
	ChatID       string        `yaml:"chat_id"`
	ParseMode    string        `yaml:"parse_mode"`
	APIEndpoint  string        `yaml:"api_endpoint"`
	VideoTimeout time.Duration `yaml:"video_timeout"`
}

// DetectorConfig describes one remote inference service
type DetectorConfig struct {
	Name            string        `yaml:"name"`
	Transport       string        `yaml:"transport"` // http or grpc
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	MinConfidence   float32       `yaml:"min_confidence"`
	AllowedClasses  []int         `yaml:"allowed_classes"`
	CriticalClasses []string      `yaml:"critical_classes"`
}

// StoreConfig controls the event database
type StoreConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"` // zero keeps events forever
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	PreviewQuality int    `yaml:"preview_quality"`
}

// AuthConfig holds API credentials
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// LogConfig controls logging
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		UseCase:          "palm_security",
		OutputRoot:       "output",
		FFmpegPath:       "ffmpeg",
		FrameWidth:       1280,
		FrameHeight:      720,
		StartThreshold:   30,
		RecordingTimeout: 3 * time.Second,
		ShowTimestamp:    true,
		Capture: CaptureConfig{
			Enabled:   true,
			QueueSize: 64,
			Quality:   90,
		},
		Recording: RecordingConfig{
			Enabled:   true,
			QueueSize: 256,
			Codec:     "mpeg4",
		},
		Compression: CompressionConfig{
			Enabled:    true,
			Codec:      "libx264",
			CRF:        28,
			Resolution: "1280x720",
		},
		Telegram: TelegramConfig{
			BotToken:     telegram.PlaceholderBotToken,
			ChatID:       telegram.PlaceholderChatID,
			ParseMode:    "HTML",
			VideoTimeout: 5 * time.Minute,
		},
		Detectors: []DetectorConfig{
			{Name: "general", Transport: "http", Endpoint: "http://localhost:8081", MinConfidence: 0.25},
			{Name: "fire", Transport: "http", Endpoint: "http://localhost:8082", MinConfidence: 0.25},
			{Name: "ppe", Transport: "http", Endpoint: "http://localhost:8083", MinConfidence: 0.25,
				CriticalClasses: []string{"no-helmet", "no-vest"}},
			{Name: "road_damage", Transport: "http", Endpoint: "http://localhost:8084", MinConfidence: 0.25},
		},
		Store: StoreConfig{
			Path: "argus.db",
		},
		Server: ServerConfig{
			Enabled:        true,
			Addr:           ":8080",
			PreviewQuality: 80,
		},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, then environment overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.applyFlatOptions()
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFlatOptions() {
	if c.RecordingTimeoutMS != 0 {
		c.RecordingTimeout = time.Duration(c.RecordingTimeoutMS) * time.Millisecond
	}
	if c.EnableCapture != nil {
		c.Capture.Enabled = *c.EnableCapture
	}
	if c.EnableRecording != nil {
		c.Recording.Enabled = *c.EnableRecording
	}
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	str("ARGUS_OUTPUT_ROOT", &c.OutputRoot)
	str("ARGUS_USE_CASE", &c.UseCase)
	str("ARGUS_HTTP_ADDR", &c.Server.Addr)
	str("AUTH_USERNAME", &c.Auth.Username)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)

	var errs error
	if v, ok := lookup("AUTH_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("AUTH_ENABLED: %w", err))
		} else {
			c.Auth.Enabled = enabled
		}
	}
	if v, ok := lookup("JWT_EXPIRY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("JWT_EXPIRY: %w", err))
		} else {
			c.Auth.JWTExpiry = d
		}
	}
	return errs
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.StartThreshold < 1 {
		add("start_threshold must be at least 1, got %d", c.StartThreshold)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		add("frame size must be positive, got %dx%d", c.FrameWidth, c.FrameHeight)
	}
	if c.FPS < 0 {
		add("fps must not be negative, got %v", c.FPS)
	}
	if c.OutputRoot == "" && (c.Capture.Enabled || c.Recording.Enabled) {
		add("output_root is required when capture or recording is enabled")
	}
	if c.Capture.Quality < 1 || c.Capture.Quality > 100 {
		add("capture.quality must be within 1-100, got %d", c.Capture.Quality)
	}
	if c.Compression.Enabled {
		if c.Compression.CRF < 0 || c.Compression.CRF > 51 {
			add("compression.crf must be within 0-51, got %d", c.Compression.CRF)
		}
		if r := c.Compression.Resolution; r != "" && !validResolution(r) {
			add("compression.resolution must look like 1280x720, got %q", r)
		}
	}
	if err := telegram.ValidateConfig(c.ReportConfig().Telegram); err != nil {
		errs = multierr.Append(errs, err)
	}

	seen := make(map[string]bool)
	for i, d := range c.Detectors {
		switch {
		case d.Name == "":
			add("detectors[%d]: name is required", i)
		case seen[d.Name]:
			add("detectors[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
		if d.Endpoint == "" {
			add("detectors[%d]: endpoint is required", i)
		}
		if d.Transport != "http" && d.Transport != "grpc" {
			add("detectors[%d]: transport must be http or grpc, got %q", i, d.Transport)
		}
	}
	if c.UseCase == "" {
		add("use_case is required")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		add("server.addr is required when the server is enabled")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		add("auth.password is required when auth is enabled")
	}
	return errs
}

func validResolution(r string) bool {
	w, h, ok := strings.Cut(strings.ToLower(r), "x")
	if !ok {
		return false
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	return err1 == nil && err2 == nil && wi > 0 && hi > 0
}

// ErrUnknownTransport is returned for a detector with an unsupported transport
var ErrUnknownTransport = errors.New("unknown detector transport")

// BuildRegistry connects every configured detector and registers the
// configured use cases
func (c *Config) BuildRegistry() (*detectors.Registry, error) {
	reg := detectors.NewRegistry()
	for _, d := range c.Detectors {
		det, err := d.build()
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("detector %q: %w", d.Name, err)
		}
		if err := reg.Register(det); err != nil {
			det.Close()
			reg.Close()
			return nil, err
		}
	}
	for name, dets := range c.UseCases {
		if err := reg.DefineUseCase(name, dets); err != nil {
			reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

func (d DetectorConfig) filter() detectors.Filter {
	return detectors.Filter{
		MinConfidence:   d.MinConfidence,
		AllowedClasses:  d.AllowedClasses,
		CriticalClasses: d.CriticalClasses,
	}
}

func (d DetectorConfig) build() (pipeline.Detector, error) {
	switch d.Transport {
	case "http":
		return detectors.NewHTTPDetector(detectors.HTTPConfig{
			Name: d.Name, Endpoint: d.Endpoint, Timeout: d.Timeout, Filter: d.filter(),
		}), nil
	case "grpc":
		det, err := detectors.NewGRPCDetector(detectors.GRPCConfig{
			Name: d.Name, Endpoint: d.Endpoint, Timeout: d.Timeout, Filter: d.filter(),
		})
		if err != nil {
			return nil, err
		}
		return det, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, d.Transport)
	}
}

// SourceConfig returns the frame source settings for input
func (c *Config) SourceConfig() source.Config {
	return source.Config{
		Input:      c.Input,
		Width:      c.FrameWidth,
		Height:     c.FrameHeight,
		FPS:        c.FPS,
		FFmpegPath: c.FFmpegPath,
		Loop:       c.Loop,
	}
}

// EngineConfig returns the session state machine settings
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		StartThreshold:   c.StartThreshold,
		RecordingTimeout: c.RecordingTimeout,
		ShowTimestamp:    c.ShowTimestamp,
		FrameWidth:       c.FrameWidth,
		FrameHeight:      c.FrameHeight,
		Location:         c.Location,
		ParseMode:        c.Telegram.ParseMode,
	}
}

// CaptureConfig returns the still capture worker settings
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Enabled:   c.Capture.Enabled,
		Root:      c.OutputRoot,
		QueueSize: c.Capture.QueueSize,
		Quality:   c.Capture.Quality,
	}
}

// RecorderConfig returns the clip recorder settings
func (c *Config) RecorderConfig() recorder.Config {
	return recorder.Config{
		Enabled:    c.Recording.Enabled,
		Root:       c.OutputRoot,
		Width:      c.FrameWidth,
		Height:     c.FrameHeight,
		FPS:        c.FPS,
		QueueSize:  c.Recording.QueueSize,
		FFmpegPath: c.FFmpegPath,
		Codec:      c.Recording.Codec,
	}
}

// ReportConfig returns the notification dispatcher settings
func (c *Config) ReportConfig() report.Config {
	return report.Config{
		Telegram: telegram.Config{
			BotToken:    c.Telegram.BotToken,
			ChatID:      c.Telegram.ChatID,
			ParseMode:   c.Telegram.ParseMode,
			APIEndpoint: c.Telegram.APIEndpoint,
		},
		Compression: compress.Config{
			Enabled:    c.Compression.Enabled,
			FFmpegPath: c.FFmpegPath,
			Codec:      c.Compression.Codec,
			CRF:        c.Compression.CRF,
			Resolution: c.Compression.Resolution,
		},
		VideoTimeout: c.Telegram.VideoTimeout,
	}
}

// AuthConfig returns the API authentication settings
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Enabled:   c.Auth.Enabled,
		Username:  c.Auth.Username,
		Password:  c.Auth.Password,
		JWTSecret: c.Auth.JWTSecret,
		JWTExpiry: c.Auth.JWTExpiry,
	}
}
