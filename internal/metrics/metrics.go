// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesPublished atomic.Uint64

	// Detection counters
	DetectionsRaw      atomic.Uint64
	DetectionsAccepted atomic.Uint64
	DetectionsRejected atomic.Uint64
	DetectionsInvalid  atomic.Uint64

	// Error counters
	ReadErrors     atomic.Uint64
	DetectErrors   atomic.Uint64
	EncodeErrors   atomic.Uint64
	RecorderErrors atomic.Uint64
	EventsDropped  atomic.Uint64

	// Latency tracking
	ProcessLatencyMs atomic.Uint64 // last cycle, in ms

	// Stream clients
	MJPEGClients  atomic.Int64
	WebRTCClients atomic.Int64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingFrames atomic.Uint64

	detectLatency prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detect_inference_seconds",
			Help:    "Detector latency per frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("detect_frames_read_total", "Total frames read from the source", &m.FramesRead)
	m.counter("detect_frames_processed_total", "Total frames that completed a pipeline cycle", &m.FramesProcessed)
	m.counter("detect_frames_published_total", "Total encoded frames handed to stream subscribers", &m.FramesPublished)

	m.counter("detect_detections_raw_total", "Detections reported by the detector", &m.DetectionsRaw)
	m.counter("detect_detections_accepted_total", "Detections accepted by the policy", &m.DetectionsAccepted)
	m.counter("detect_detections_rejected_total", "Detections rejected by the policy", &m.DetectionsRejected)
	m.counter("detect_detections_invalid_total", "Malformed detections dropped before the policy", &m.DetectionsInvalid)

	m.counter("detect_read_errors_total", "Frame read errors", &m.ReadErrors)
	m.counter("detect_detector_errors_total", "Detector failures", &m.DetectErrors)
	m.counter("detect_encode_errors_total", "JPEG encode failures", &m.EncodeErrors)
	m.counter("detect_recorder_errors_total", "Recording write failures", &m.RecorderErrors)
	m.counter("detect_events_dropped_total", "Detection events dropped by the event emitter", &m.EventsDropped)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_process_latency_seconds",
			Help: "Processing latency of the last pipeline cycle",
		},
		func() float64 { return float64(m.ProcessLatencyMs.Load()) / 1000 },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_mjpeg_clients",
			Help: "Number of connected MJPEG clients",
		},
		func() float64 { return float64(m.MJPEGClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_webrtc_clients",
			Help: "Number of connected WebRTC clients",
		},
		func() float64 { return float64(m.WebRTCClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_recording_active",
			Help: "Recording active (0=inactive, 1=active)",
		},
		func() float64 { return float64(m.RecordingActive.Load()) },
	))

	m.counter("detect_recording_frames_total", "Total frames written to recordings", &m.RecordingFrames)

	m.registry.MustRegister(m.detectLatency)
}

// ObserveDetect records one detector call.
func (m *Metrics) ObserveDetect(d time.Duration) {
	m.detectLatency.Observe(d.Seconds())
}

// UpdateProcessLatency records the duration of the last pipeline cycle.
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
}

// SetRecording updates the recording gauge.
func (m *Metrics) SetRecording(active bool) {
	if active {
		m.RecordingActive.Store(1)
	} else {
		m.RecordingActive.Store(0)
	}
}

// Registry returns the private registry, for registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
