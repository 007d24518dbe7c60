// Package detector adapts object-detection backends to a single interface.
package detector

import (
	"context"
	"errors"
	"image"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
)

// ErrDetectorFailure wraps any failure to run inference on a frame.
var ErrDetectorFailure = errors.New("detector failure")

// Detector runs object detection on one frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]detection.RawDetection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, img image.Image) ([]detection.RawDetection, error)

func (f Func) Detect(ctx context.Context, img image.Image) ([]detection.RawDetection, error) {
	return f(ctx, img)
}

// Nop never detects anything.
type Nop struct{}

func (Nop) Detect(context.Context, image.Image) ([]detection.RawDetection, error) {
	return nil, nil
}

// Kind selects a detector implementation.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindReplay Kind = "replay"
	KindNone   Kind = "none"
)

// Config describes the detector backend.
type Config struct {
	Kind Kind `yaml:"kind"`
	// Endpoint is the inference URL for KindHTTP.
	Endpoint string `yaml:"endpoint"`
	// TimeoutMs bounds one inference request.
	TimeoutMs int `yaml:"timeout_ms"`
	// ReplayPath is the JSON-lines file for KindReplay.
	ReplayPath string `yaml:"replay_path"`
}
