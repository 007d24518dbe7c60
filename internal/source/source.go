// Package source provides the sequential frame sources the pipeline reads from.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// ErrSourceExhausted is returned by Next once no more frames will be produced.
var ErrSourceExhausted = errors.New("frame source exhausted")

// Frame is one decoded video frame.
type Frame struct {
	Image     image.Image
	Index     uint64
	Timestamp time.Time
}

// Source yields frames in order. Next and Dimensions may be called from
// different goroutines.
type Source interface {
	// Next blocks until a frame is available. It returns ErrSourceExhausted when
	// the source is drained; other errors affect only the current frame.
	Next(ctx context.Context) (Frame, error)
	// Dimensions reports the native frame size.
	Dimensions() (width, height int, err error)
	Close() error
}

// Kind selects a Source implementation.
type Kind string

const (
	KindDir    Kind = "dir"
	KindMJPEG  Kind = "mjpeg"
	KindFFmpeg Kind = "ffmpeg"
)

// Config describes a frame source.
type Config struct {
	Kind Kind   `yaml:"kind"`
	Path string `yaml:"path"`
	// FPS is the output rate requested from ffmpeg. Zero keeps the input rate.
	FPS int `yaml:"fps"`
	// FFmpegPath overrides the ffmpeg binary.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// Open builds the source described by cfg.
func Open(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Kind {
	case KindDir:
		return OpenDir(cfg.Path)
	case KindMJPEG:
		return OpenMJPEGFile(cfg.Path)
	case KindFFmpeg:
		return StartFFmpeg(ctx, cfg.FFmpegPath, cfg.Path, cfg.FPS)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
