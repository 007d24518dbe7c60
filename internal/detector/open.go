package detector

import (
	"fmt"
	"time"
)

// Open builds the detector described by cfg.
func Open(cfg Config) (Detector, error) {
	switch cfg.Kind {
	case KindHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http detector requires an endpoint")
		}
		return NewHTTPDetector(cfg.Endpoint, time.Duration(cfg.TimeoutMs)*time.Millisecond), nil
	case KindReplay:
		return LoadReplay(cfg.ReplayPath)
	case KindNone, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
	}
}
