package webmonitor

import (
	"time"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/stream"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	CaptureDir     string
	StatsInterval  time.Duration
	MJPEGKeepalive time.Duration
	MaxBodyBytes   int64
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		CaptureDir:     "static/captures",
		StatsInterval:  time.Second,
		MJPEGKeepalive: stream.KeepaliveInterval,
		MaxBodyBytes:   1 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CaptureDir == "" {
		c.CaptureDir = def.CaptureDir
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = def.StatsInterval
	}
	if c.MJPEGKeepalive <= 0 {
		c.MJPEGKeepalive = def.MJPEGKeepalive
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	return c
}
