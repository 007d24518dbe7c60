package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detector"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/source"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":5000", cfg.HTTPAddr)
	assert.Equal(t, "static/captures", cfg.CaptureDir)
	assert.Equal(t, 0.3, cfg.Policy.ConfidenceThreshold)
	assert.Len(t, cfg.Policy.TargetClasses, 11)
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	cfg := Default()
	err := Decode(strings.NewReader(`
http_addr: ":8080"
source:
  kind: dir
  path: ./frames
pipeline:
  frame_interval: 100ms
  jpeg_quality: 70
policy:
  target_classes: [dog]
`), &cfg)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, source.Config{Kind: source.KindDir, Path: "./frames", FPS: 20}, cfg.Source)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.FrameInterval)
	assert.Equal(t, []string{"dog"}, cfg.Policy.TargetClasses)
	// untouched keys keep their defaults
	assert.Equal(t, 0.3, cfg.Policy.ConfidenceThreshold)
	assert.Equal(t, "static/captures", cfg.CaptureDir)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	assert.Error(t, Decode(strings.NewReader("htp_addr: x\n"), &cfg))
}

func TestDecodeEmpty(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader("\n"), &cfg))
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("empty file changed config (-want +got):\n%s", diff)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DETECT_HTTP_ADDR":            ":9000",
		"DETECT_TARGET_CLASSES":       "dog, cat,,bird ",
		"DETECT_CONFIDENCE_THRESHOLD": "0.45",
		"DETECT_DETECTOR_KIND":        "replay",
		"DETECT_DETECTOR_REPLAY_PATH": "dets.jsonl",
		"DETECT_MQTT_ENABLED":         "true",
		"DETECT_SOURCE_FPS":           "",
	}
	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok }))

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"dog", "cat", "bird"}, cfg.Policy.TargetClasses)
	assert.Equal(t, 0.45, cfg.Policy.ConfidenceThreshold)
	assert.Equal(t, detector.KindReplay, cfg.Detector.Kind)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, 20, cfg.Source.FPS)
}

func TestApplyEnvBadValues(t *testing.T) {
	env := map[string]string{
		"DETECT_CONFIDENCE_THRESHOLD": "high",
		"DETECT_SOURCE_FPS":           "fast",
		"DETECT_LOG_COLOR":            "sometimes",
	}
	cfg := Default()
	err := ApplyEnv(&cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DETECT_CONFIDENCE_THRESHOLD")
	assert.Contains(t, err.Error(), "DETECT_SOURCE_FPS")
	assert.Contains(t, err.Error(), "DETECT_LOG_COLOR")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold", func(c *Config) { c.Policy.ConfidenceThreshold = 1.2 }, "confidence_threshold"},
		{"classes", func(c *Config) { c.Policy.TargetClasses = nil }, "target_classes"},
		{"source kind", func(c *Config) { c.Source.Kind = "webcam" }, "source.kind"},
		{"detector endpoint", func(c *Config) { c.Detector.Endpoint = "" }, "detector.endpoint"},
		{"detector kind", func(c *Config) { c.Detector.Kind = "onnx" }, "detector.kind"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
		{"quality", func(c *Config) { c.Pipeline.JPEGQuality = 0 }, "jpeg_quality"},
		{"mqtt", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(yamlPath, []byte("capture_dir: /tmp/yaml\nhttp_addr: \":7000\"\n"), 0o644))
	require.NoError(t, os.WriteFile(envPath, []byte("DETECT_CAPTURE_DIR=/tmp/dotenv\nDETECT_HTTP_ADDR=:7001\n"), 0o644))
	t.Setenv("DETECT_HTTP_ADDR", ":7002")

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dotenv", cfg.CaptureDir, ".env beats yaml")
	assert.Equal(t, ":7002", cfg.HTTPAddr, "process env beats .env")
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a ,, b,"))
	assert.Nil(t, SplitList(" , "))
}
