package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"argus/internal/api"
	"argus/internal/auth"
	"argus/internal/capture"
	"argus/internal/config"
	"argus/internal/database"
	"argus/internal/engine"
	"argus/internal/pipeline"
	"argus/internal/recorder"
	"argus/internal/report"
	"argus/internal/source"
	"argus/internal/stream"
	"argus/internal/ws"
)

// shutdownGrace bounds how long teardown waits for in-flight clip uploads
const shutdownGrace = 30 * time.Second

var (
	errEndOfInput  = errors.New("end of input")
	errInterrupted = errors.New("interrupted")
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to a YAML config file")
		inputF   = flag.String("input", "", "Video file, rtsp:// or http:// URL, or /dev/videoN (overrides config)")
		usecaseF = flag.String("usecase", "", "Detector use case, e.g. palm_security, ppe, road_damage (overrides config)")
		dbgF     = flag.Bool("debug", false, "Enable debug logging and request logs")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "argus: %v\n", err)
		os.Exit(1)
	}
	if *inputF != "" {
		cfg.Input = *inputF
	}
	if *usecaseF != "" {
		cfg.UseCase = *usecaseF
	}

	logger, err := newLogger(cfg.Log, *dbgF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "argus: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *dbgF, logger); err != nil {
		logger.Fatalw("argus stopped", "error", err)
	}
}

func newLogger(cfg config.LogConfig, debug bool) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development || debug {
		zc = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	if debug {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar().Named("argus"), nil
}

func run(cfg *config.Config, debug bool, logger *zap.SugaredLogger) error {
	if cfg.Input == "" {
		return errors.New("no input: set -input or input in the config file")
	}

	// Detectors
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	dets, err := registry.UseCase(cfg.UseCase)
	if err != nil {
		return err
	}
	names := make([]string, len(dets))
	for i, d := range dets {
		names[i] = d.Name()
	}
	logger.Infow("use case loaded", "use_case", cfg.UseCase, "detectors", names)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pipeline.NewEventBus()
	var (
		consumers sync.WaitGroup
		store     api.EventStore
	)

	// Event log
	if cfg.Store.Path != "" {
		db, err := database.New(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}

		events, _ := bus.SubscribeChannel(256)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			db.Consume(ctx, events)
		}()
		if cfg.Store.Retention > 0 {
			go pruneEvents(ctx, db, cfg.Store.Retention, logger)
		}
		store = db
	}

	// Live feed and preview
	hub := ws.NewEventHub(logger)
	hubEvents, _ := bus.SubscribeChannel(64)
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		hub.Run(ctx, hubEvents)
	}()

	preview := stream.NewPreview(cfg.Server.PreviewQuality, logger)
	go preview.Run(ctx)

	// Source first, clips are recorded at its frame rate
	src, err := source.NewFFmpegSource(cfg.SourceConfig(), logger)
	if err != nil {
		return err
	}
	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	if err := src.Open(srcCtx); err != nil {
		return err
	}
	defer src.Close()

	// Workers
	dispatcher, err := report.New(cfg.ReportConfig(), logger, report.WithEventBus(bus))
	if err != nil {
		return err
	}
	capturer := capture.New(cfg.CaptureConfig(), logger, capture.WithEventBus(bus))
	recCfg := cfg.RecorderConfig()
	if fps := src.FPS(); fps > 0 {
		recCfg.FPS = fps
	}
	rec := recorder.New(recCfg, logger, recorder.WithEventBus(bus))

	eng, err := engine.New(cfg.EngineConfig(), dets, capturer, rec, dispatcher, logger, engine.WithEventBus(bus))
	if err != nil {
		return err
	}

	errc := make(chan error, 3)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%w: %s", errInterrupted, <-c)
	}()

	var wg sync.WaitGroup
	if cfg.Server.Enabled {
		authenticator, err := auth.NewAuthenticator(cfg.AuthConfig())
		if err != nil {
			return err
		}
		server := api.NewServer(api.Config{
			Store:         store,
			Authenticator: authenticator,
			OutputRoot:    cfg.OutputRoot,
			Events:        ws.NewHandler(hub),
			Preview:       preview,
			Snapshot:      preview.SnapshotHandler(),
			Health:        registry.Health,
			Clients:       hub.ClientCount,
			Debug:         debug,
		}, logger)
		handleHTTPServer(ctx, cfg.Server.Addr, server, &wg, errc, logger)
	}

	// Frame loop
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		var frames uint64
		defer func() { logger.Infow("frame loop stopped", "frames", frames) }()
		for {
			frame, err := src.Next()
			if srcCtx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				errc <- errEndOfInput
				return
			}
			if err != nil {
				errc <- err
				return
			}
			preview.Put(eng.Process(srcCtx, frame))
			frames++
		}
	}()

	reason := <-errc
	logger.Infow("stopping", "reason", reason)

	// Stop the frame loop before touching the engine from this goroutine
	stopSource()
	<-loopDone
	src.Close()

	eng.Flush()
	rec.Release()
	capturer.Shutdown()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGrace)
	if err := dispatcher.Wait(graceCtx); err != nil {
		logger.Warnw("clip uploads still running at exit", "error", err)
	}
	graceCancel()

	// Closing the bus lets the store and hub drain what was published
	bus.Close()
	consumers.Wait()
	if n := bus.Dropped(); n > 0 {
		logger.Warnw("events dropped by slow subscribers", "count", n)
	}

	cancel()
	wg.Wait()
	logger.Info("exited")

	if errors.Is(reason, errEndOfInput) || errors.Is(reason, errInterrupted) {
		return nil
	}
	return reason
}

func pruneEvents(ctx context.Context, db *database.Database, retention time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := db.DeleteOldEvents(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warnw("failed to prune events", "error", err)
		} else if n > 0 {
			logger.Infow("pruned old events", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
