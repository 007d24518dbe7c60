package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/config"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/control"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/detector"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/events"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/metrics"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/pipeline"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/recorder"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/source"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stats"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stream"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/webmonitor"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/webrtc"
)

var (
	// Command-line flags. Set flags override the config file and environment.
	configPath  = flag.String("config", "", "YAML config file")
	envFile     = flag.String("env", ".env", "dotenv file overlaid on the environment")
	httpAddr    = flag.String("http", "", "HTTP server address")
	metricsAddr = flag.String("metrics", "", "Separate metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address (disabled when empty)")
	captureDir  = flag.String("capture-dir", "", "Screenshot and recording directory")
	sourceKind  = flag.String("source-kind", "", "Frame source kind (dir, mjpeg, ffmpeg)")
	sourcePath  = flag.String("source", "", "Frame source path")
	detectorURL = flag.String("detector", "", "Detector HTTP endpoint")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Server wires the pipeline, the control surface and the transports.
type Server struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	source     source.Source
	pipeline   *pipeline.Pipeline
	recorder   *recorder.Controller
	emitter    *events.Emitter
	webrtc     *webrtc.Server
	monitor    *webmonitor.Server
	httpServer *http.Server
	metricsSrv *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Detection streaming server starting...")
	logger.Info("Main", "Log level: %s", level)

	if err := os.MkdirAll(cfg.CaptureDir, 0755); err != nil {
		log.Fatalf("Failed to create capture directory: %v", err)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	srv.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// applyFlags overlays the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "capture-dir":
			cfg.CaptureDir = *captureDir
		case "source-kind":
			cfg.Source.Kind = source.Kind(*sourceKind)
		case "source":
			cfg.Source.Path = *sourcePath
		case "detector":
			cfg.Detector.Kind = detector.KindHTTP
			cfg.Detector.Endpoint = *detectorURL
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
}

// NewServer creates all components. Nothing runs until Start.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	src, err := source.Open(ctx, cfg.Source)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open frame source: %w", err)
	}

	det, err := detector.Open(cfg.Detector)
	if err != nil {
		cancel()
		src.Close()
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	policy, err := detection.NewPolicy(cfg.Policy.TargetClasses, cfg.Policy.ConfidenceThreshold)
	if err != nil {
		cancel()
		src.Close()
		return nil, err
	}
	policies := detection.NewPolicyStore(policy)
	agg := stats.NewAggregator(cfg.Stream.HistorySize, policy.Classes()...)

	rec := recorder.NewController(cfg.CaptureDir, src,
		recorder.WithStateHook(func(st recorder.State) { m.SetRecording(st == recorder.Recording) }))

	frames := stream.NewHub[[]byte]("Frames", cfg.Stream.ClientBuffer)

	opts := []pipeline.Option{pipeline.WithConfig(cfg.Pipeline), pipeline.WithMetrics(m)}

	var emitter *events.Emitter
	if cfg.MQTT.Enabled {
		emitter, err = events.Connect(cfg.MQTT)
		if err != nil {
			// detection events are optional; the stream still runs
			logger.Warn("Main", "MQTT disabled: %v", err)
		} else {
			emitter.OnDrop = func() { m.EventsDropped.Add(1) }
			opts = append(opts, pipeline.WithSink(emitter))
		}
	}

	pipe := pipeline.New(src, det, policies, agg, rec, frames, opts...)
	ctl := control.New(agg, rec, policies, pipe, cfg.CaptureDir)

	var rtc *webrtc.Server
	var offers webmonitor.OfferHandler
	if cfg.WebRTC.Enabled {
		rtc = webrtc.NewServer(cfg.WebRTC.STUNServers, cfg.WebRTC.MaxClients)
		rtc.OnClientCount = func(n int) { m.WebRTCClients.Store(int64(n)) }
		offers = rtc
	}

	monitor := webmonitor.NewServer(webmonitor.Config{
		CaptureDir:    cfg.CaptureDir,
		StatsInterval: cfg.Stream.StatsInterval,
	}, ctl, frames, offers, m)

	srv := &Server{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		metrics:  m,
		source:   src,
		pipeline: pipe,
		recorder: rec,
		emitter:  emitter,
		webrtc:   rtc,
		monitor:  monitor,
		httpServer: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: monitor.Handler(),
		},
	}
	if cfg.MetricsAddr != "" {
		srv.metricsSrv = m.NewServer(cfg.MetricsAddr)
	}

	if rtc != nil {
		_, ch := frames.Subscribe()
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			rtc.Run(ch)
		}()
	}

	return srv, nil
}

// Start starts the pipeline and the listeners.
func (s *Server) Start() {
	logger.Info("Main", "Starting streaming server...")
	logger.Info("Main", "  Source: %s %s", s.cfg.Source.Kind, s.cfg.Source.Path)
	logger.Info("Main", "  Detector: %s %s", s.cfg.Detector.Kind, s.cfg.Detector.Endpoint)
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Capture dir: %s", s.cfg.CaptureDir)

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if s.metricsSrv != nil {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	s.monitor.Start()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pipeline.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Main", "Pipeline stopped: %v", err)
			return
		}
		if s.ctx.Err() == nil {
			logger.Info("Main", "Source finished; control endpoints stay available")
		}
	}()

	logger.Info("Main", "Server started successfully")
}

// Shutdown stops the pipeline, releases the recorder and the source, and
// drains the HTTP servers.
func (s *Server) Shutdown() error {
	s.cancel()
	<-s.pipeline.Done()

	var errs []error
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: %w", err))
	}
	if err := s.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}
	if s.emitter != nil {
		s.emitter.Close()
	}

	// the pipeline closed the frame hub, which ends WebRTC fan-out
	s.wg.Wait()
	s.monitor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
