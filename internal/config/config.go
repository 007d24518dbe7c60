// Package config loads the server configuration. Values are layered:
// defaults, then an optional YAML file, then a .env file and the process
// environment (DETECT_* keys), then command-line flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detector"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/events"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/pipeline"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/source"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "DETECT_"

// Config is the complete server configuration.
type Config struct {
	HTTPAddr        string          `yaml:"http_addr"`
	MetricsAddr     string          `yaml:"metrics_addr"` // separate listener; empty serves /metrics on HTTPAddr only
	CaptureDir      string          `yaml:"capture_dir"`
	LogLevel        string          `yaml:"log_level"`
	LogColor        bool            `yaml:"log_color"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Source          source.Config   `yaml:"source"`
	Detector        detector.Config `yaml:"detector"`
	Policy          PolicyConfig    `yaml:"policy"`
	Pipeline        pipeline.Config `yaml:"pipeline"`
	Stream          StreamConfig    `yaml:"stream"`
	WebRTC          WebRTCConfig    `yaml:"webrtc"`
	MQTT            events.Config   `yaml:"mqtt"`
}

// PolicyConfig is the initial detection policy.
type PolicyConfig struct {
	TargetClasses       []string `yaml:"target_classes"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
}

// StreamConfig tunes client fan-out.
type StreamConfig struct {
	ClientBuffer  int           `yaml:"client_buffer"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	HistorySize   int           `yaml:"history_size"`
}

// WebRTCConfig configures the data-channel frame transport.
type WebRTCConfig struct {
	Enabled     bool     `yaml:"enabled"`
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":5000",
		CaptureDir:      "static/captures",
		LogLevel:        "info",
		LogColor:        true,
		ShutdownTimeout: 5 * time.Second,
		Source: source.Config{
			Kind: source.KindFFmpeg,
			Path: "video/garbage_test_2.mp4",
			FPS:  20,
		},
		Detector: detector.Config{
			Kind:      detector.KindHTTP,
			Endpoint:  "http://localhost:8000/detect",
			TimeoutMs: 2000,
		},
		Policy: PolicyConfig{
			TargetClasses: []string{
				"garbage", "bird", "cat", "dog", "horse", "sheep",
				"cow", "elephant", "bear", "zebra", "giraffe",
			},
			ConfidenceThreshold: 0.3,
		},
		Pipeline: pipeline.DefaultConfig(),
		Stream: StreamConfig{
			ClientBuffer:  2,
			StatsInterval: time.Second,
			HistorySize:   10,
		},
		WebRTC: WebRTCConfig{
			Enabled:     true,
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		MQTT: events.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty), and the environment overlaid with envFile (if it exists).
// Variables already set in the process environment win over envFile.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		err = Decode(f, &cfg)
		f.Close()
		if err != nil {
			return Config{}, err
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug("Config", "No %s file found, using process environment", envFile)
		default:
			return Config{}, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays DETECT_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = SplitList(v)
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("CAPTURE_DIR", &cfg.CaptureDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	boolean("LOG_COLOR", &cfg.LogColor)

	str("SOURCE_KIND", (*string)(&cfg.Source.Kind))
	str("SOURCE_PATH", &cfg.Source.Path)
	num("SOURCE_FPS", &cfg.Source.FPS)

	str("DETECTOR_KIND", (*string)(&cfg.Detector.Kind))
	str("DETECTOR_ENDPOINT", &cfg.Detector.Endpoint)
	num("DETECTOR_TIMEOUT_MS", &cfg.Detector.TimeoutMs)
	str("DETECTOR_REPLAY_PATH", &cfg.Detector.ReplayPath)

	list("TARGET_CLASSES", &cfg.Policy.TargetClasses)
	flt("CONFIDENCE_THRESHOLD", &cfg.Policy.ConfidenceThreshold)

	boolean("WEBRTC_ENABLED", &cfg.WebRTC.Enabled)
	list("STUN_SERVERS", &cfg.WebRTC.STUNServers)

	boolean("MQTT_ENABLED", &cfg.MQTT.Enabled)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)

	return errors.Join(errs...)
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.CaptureDir == "" {
		errs = append(errs, errors.New("capture_dir is required"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Source.Kind {
	case source.KindDir, source.KindMJPEG, source.KindFFmpeg:
	default:
		errs = append(errs, fmt.Errorf("source.kind %q must be one of dir, mjpeg, ffmpeg", c.Source.Kind))
	}
	if c.Source.Path == "" {
		errs = append(errs, errors.New("source.path is required"))
	}

	switch c.Detector.Kind {
	case detector.KindHTTP:
		if c.Detector.Endpoint == "" {
			errs = append(errs, errors.New("detector.endpoint is required for the http detector"))
		}
	case detector.KindReplay:
		if c.Detector.ReplayPath == "" {
			errs = append(errs, errors.New("detector.replay_path is required for the replay detector"))
		}
	case detector.KindNone:
	default:
		errs = append(errs, fmt.Errorf("detector.kind %q must be one of http, replay, none", c.Detector.Kind))
	}

	if len(c.Policy.TargetClasses) == 0 {
		errs = append(errs, errors.New("policy.target_classes must not be empty"))
	}
	if t := c.Policy.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("policy.confidence_threshold %v outside [0,1]", t))
	}

	if c.Pipeline.FrameInterval < 0 {
		errs = append(errs, errors.New("pipeline.frame_interval must not be negative"))
	}
	if q := c.Pipeline.JPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("pipeline.jpeg_quality %d outside [1,100]", q))
	}
	if c.Stream.HistorySize <= 0 {
		errs = append(errs, errors.New("stream.history_size must be positive"))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}
