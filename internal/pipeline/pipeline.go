// Package pipeline runs the frame loop: read, detect, filter, annotate,
// record and publish.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/annotate"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/detector"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/metrics"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/source"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stats"
)

var log = logger.Module("Pipeline")

// ErrAlreadyStarted is returned by Run on a pipeline that has already run.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Recorder receives annotated frames while a recording is active.
type Recorder interface {
	IsRecording() bool
	Write(img image.Image) error
}

// Publisher receives encoded JPEG frames. Close is called once when the
// pipeline stops.
type Publisher interface {
	Publish(jpeg []byte)
	Close()
}

// DetectionSink receives accepted detections. Publish must not block.
type DetectionSink interface {
	Publish(d detection.Detection)
}

// Config tunes the frame loop.
type Config struct {
	// FrameInterval paces the loop; zero runs as fast as the source delivers.
	FrameInterval time.Duration `yaml:"frame_interval"`
	JPEGQuality   int           `yaml:"jpeg_quality"`
}

// DefaultConfig returns 20 fps pacing and JPEG quality 80.
func DefaultConfig() Config {
	return Config{
		FrameInterval: 50 * time.Millisecond,
		JPEGQuality:   80,
	}
}

// Pipeline owns the frame source. It runs once; after the source is exhausted
// it cannot be restarted.
type Pipeline struct {
	cfg      Config
	src      source.Source
	det      detector.Detector
	policies *detection.PolicyStore
	agg      *stats.Aggregator
	rec      Recorder
	pub      Publisher
	sink     DetectionSink
	metrics  *metrics.Metrics

	started atomic.Bool
	done    chan struct{}
	latest  atomic.Pointer[source.Frame]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithConfig(cfg Config) Option { return func(p *Pipeline) { p.cfg = cfg } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func WithSink(s DetectionSink) Option { return func(p *Pipeline) { p.sink = s } }

// New wires a pipeline. rec may be nil when recording is not needed.
func New(src source.Source, det detector.Detector, policies *detection.PolicyStore, agg *stats.Aggregator, rec Recorder, pub Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      DefaultConfig(),
		src:      src,
		det:      det,
		policies: policies,
		agg:      agg,
		rec:      rec,
		pub:      pub,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.cfg.JPEGQuality <= 0 || p.cfg.JPEGQuality > 100 {
		p.cfg.JPEGQuality = jpeg.DefaultQuality
	}
	return p
}

// Run processes frames until the source is exhausted (returns nil) or ctx is
// cancelled (returns ctx.Err()). The publisher is closed on return.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(p.done)
	defer p.pub.Close()

	log.Info("Started (interval=%v, quality=%d)", p.cfg.FrameInterval, p.cfg.JPEGQuality)

	var frames uint64
	for {
		if err := ctx.Err(); err != nil {
			log.Info("Stopped after %d frames: %v", frames, err)
			return err
		}

		cycleStart := time.Now()
		f, err := p.src.Next(ctx)
		if err != nil {
			if errors.Is(err, source.ErrSourceExhausted) {
				log.Info("Source exhausted after %d frames", frames)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				log.Info("Stopped after %d frames: %v", frames, ctxErr)
				return ctxErr
			}
			p.metrics.ReadErrors.Add(1)
			log.Warn("Skipping unreadable frame: %v", err)
			continue
		}
		frames++
		p.metrics.FramesRead.Add(1)
		p.latest.Store(&f)

		p.process(ctx, f)
		p.metrics.UpdateProcessLatency(time.Since(cycleStart))

		if err := p.pace(ctx, cycleStart); err != nil {
			log.Info("Stopped after %d frames: %v", frames, err)
			return err
		}
	}
}

func (p *Pipeline) pace(ctx context.Context, cycleStart time.Time) error {
	if p.cfg.FrameInterval <= 0 {
		return nil
	}
	wait := p.cfg.FrameInterval - time.Since(cycleStart)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs one cycle. The policy is loaded once so every detection in a
// frame is judged against the same policy.
func (p *Pipeline) process(ctx context.Context, f source.Frame) {
	policy := p.policies.Load()

	detectStart := time.Now()
	raws, err := p.det.Detect(ctx, f.Image)
	p.metrics.ObserveDetect(time.Since(detectStart))
	if err != nil {
		p.metrics.DetectErrors.Add(1)
		log.Warn("Frame %d passed through unannotated: %v", f.Index, err)
		raws = nil
	}
	p.metrics.DetectionsRaw.Add(uint64(len(raws)))

	canvas := annotate.NewCanvas(f.Image)
	for _, raw := range raws {
		if err := raw.Validate(); err != nil {
			p.metrics.DetectionsInvalid.Add(1)
			log.Warn("Frame %d: dropped %v", f.Index, err)
			continue
		}
		d := detection.New(raw, f.Timestamp)
		if !detection.Accept(d, policy) {
			p.metrics.DetectionsRejected.Add(1)
			continue
		}
		p.metrics.DetectionsAccepted.Add(1)
		canvas.Draw(d)
		p.agg.Record(d)
		if p.sink != nil {
			p.sink.Publish(d)
		}
	}
	annotated := canvas.Image()

	if p.rec != nil && p.rec.IsRecording() {
		if err := p.rec.Write(annotated); err != nil {
			p.metrics.RecorderErrors.Add(1)
			log.Error("Recording write failed on frame %d: %v", f.Index, err)
		} else {
			p.metrics.RecordingFrames.Add(1)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, annotated, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		p.metrics.EncodeErrors.Add(1)
		log.Error("Encoding frame %d: %v", f.Index, err)
		return
	}
	p.pub.Publish(buf.Bytes())
	p.metrics.FramesPublished.Add(1)
	p.metrics.FramesProcessed.Add(1)
}

// LatestFrame returns the most recent raw frame read from the source.
func (p *Pipeline) LatestFrame() (image.Image, bool) {
	f := p.latest.Load()
	if f == nil {
		return nil, false
	}
	return f.Image, true
}

// Done is closed when Run returns.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
