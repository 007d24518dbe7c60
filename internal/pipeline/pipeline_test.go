package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/detector"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/metrics"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/source"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stats"
)

// sliceSource yields n frames; errAt marks indices that fail to read.
type sliceSource struct {
	mu    sync.Mutex
	n     int
	next  int
	errAt map[int]bool
}

func (s *sliceSource) Next(ctx context.Context) (source.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= s.n {
		return source.Frame{}, source.ErrSourceExhausted
	}
	i := s.next
	s.next++
	if s.errAt[i] {
		return source.Frame{}, errors.New("corrupt frame")
	}
	return source.Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 48)), Index: uint64(i), Timestamp: time.Unix(int64(i), 0)}, nil
}
func (s *sliceSource) Dimensions() (int, int, error) { return 64, 48, nil }
func (s *sliceSource) Close() error                  { return nil }

// blockingSource blocks until ctx is done.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (source.Frame, error) {
	<-ctx.Done()
	return source.Frame{}, ctx.Err()
}
func (blockingSource) Dimensions() (int, int, error) { return 1, 1, nil }
func (blockingSource) Close() error                  { return nil }

type collector struct {
	mu     sync.Mutex
	frames [][]byte
	closed int
}

func (c *collector) Publish(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, b)
}
func (c *collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

type fakeRecorder struct {
	recording bool
	written   int
	err       error
}

func (r *fakeRecorder) IsRecording() bool { return r.recording }
func (r *fakeRecorder) Write(image.Image) error {
	r.written++
	return r.err
}

type sinkFunc func(detection.Detection)

func (f sinkFunc) Publish(d detection.Detection) { f(d) }

// perFrame returns the given detections on successive calls.
func perFrame(frames ...[]detection.RawDetection) detector.Detector {
	var mu sync.Mutex
	i := 0
	return detector.Func(func(context.Context, image.Image) ([]detection.RawDetection, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(frames) {
			return nil, nil
		}
		out := frames[i]
		i++
		return out, nil
	})
}

func raw(class string, conf float64) detection.RawDetection {
	return detection.RawDetection{ClassLabel: class, Confidence: conf, Box: detection.Box{X1: 2, Y1: 2, X2: 30, Y2: 30}}
}

func newStore(t *testing.T, classes []string, minConfidence float64) *detection.PolicyStore {
	t.Helper()
	p, err := detection.NewPolicy(classes, minConfidence)
	require.NoError(t, err)
	return detection.NewPolicyStore(p)
}

func noPacing() Option { return WithConfig(Config{JPEGQuality: 75}) }

func TestScenarioAcceptsOnlyAllowedAboveThreshold(t *testing.T) {
	agg := stats.NewAggregator(stats.DefaultHistorySize)
	pub := &collector{}
	var sunk []detection.Detection

	p := New(&sliceSource{n: 1},
		perFrame([]detection.RawDetection{raw("dog", 0.6), raw("cat", 0.9), raw("dog", 0.4)}),
		newStore(t, []string{"dog"}, 0.5), agg, nil, pub, noPacing(),
		WithSink(sinkFunc(func(d detection.Detection) { sunk = append(sunk, d) })))

	require.NoError(t, p.Run(context.Background()))

	s := agg.Snapshot()
	assert.Equal(t, uint64(1), s.TotalDetections)
	assert.Equal(t, map[string]uint64{"dog": 1}, s.PerClassCounts)
	assert.InDelta(t, 0.6, s.AvgConfidence, 1e-9)
	require.Len(t, sunk, 1)
	assert.Equal(t, "dog", sunk[0].ClassLabel)

	require.Len(t, pub.frames, 1)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(pub.frames[0]))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
}

func TestZeroFrameSource(t *testing.T) {
	agg := stats.NewAggregator(stats.DefaultHistorySize, "dog")
	before := agg.Snapshot()
	pub := &collector{}
	rec := &fakeRecorder{recording: true}

	p := New(&sliceSource{}, perFrame(), newStore(t, []string{"dog"}, 0), agg, rec, pub, noPacing())
	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, pub.frames)
	assert.Equal(t, 1, pub.closed)
	assert.Zero(t, rec.written)
	assert.Equal(t, before, agg.Snapshot())
	_, ok := p.LatestFrame()
	assert.False(t, ok)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestFramesWithoutDetectionsStillPublished(t *testing.T) {
	pub := &collector{}
	p := New(&sliceSource{n: 5}, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), nil, pub, noPacing())
	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, pub.frames, 5)
}

func TestDetectorFailurePassesFrameThrough(t *testing.T) {
	calls := 0
	det := detector.Func(func(context.Context, image.Image) ([]detection.RawDetection, error) {
		calls++
		if calls == 2 {
			return nil, detector.ErrDetectorFailure
		}
		return []detection.RawDetection{raw("dog", 0.9)}, nil
	})
	m := metrics.New()
	agg := stats.NewAggregator(0)
	pub := &collector{}

	p := New(&sliceSource{n: 3}, det, newStore(t, []string{"dog"}, 0.5), agg, nil, pub, noPacing(), WithMetrics(m))
	require.NoError(t, p.Run(context.Background()))

	assert.Len(t, pub.frames, 3)
	assert.Equal(t, uint64(2), agg.Snapshot().TotalDetections)
	assert.Equal(t, uint64(1), m.DetectErrors.Load())
}

func TestOutOfRangeConfidenceIsDropped(t *testing.T) {
	m := metrics.New()
	agg := stats.NewAggregator(0)
	pub := &collector{}
	var sunk []detection.Detection

	p := New(&sliceSource{n: 1},
		perFrame([]detection.RawDetection{raw("dog", 1.7), raw("dog", -0.2), raw("dog", math.NaN()), raw("dog", 0.8)}),
		newStore(t, []string{"dog"}, 0), agg, nil, pub, noPacing(), WithMetrics(m),
		WithSink(sinkFunc(func(d detection.Detection) { sunk = append(sunk, d) })))
	require.NoError(t, p.Run(context.Background()))

	assert.Len(t, pub.frames, 1)
	assert.Equal(t, uint64(3), m.DetectionsInvalid.Load())
	assert.Equal(t, uint64(1), m.DetectionsAccepted.Load())
	assert.Zero(t, m.DetectionsRejected.Load())
	require.Len(t, sunk, 1)
	assert.Equal(t, 0.8, sunk[0].Confidence)

	s := agg.Snapshot()
	assert.Equal(t, uint64(1), s.TotalDetections)
	assert.InDelta(t, 0.8, s.AvgConfidence, 1e-9)
}

func TestReadErrorsAreSkipped(t *testing.T) {
	m := metrics.New()
	pub := &collector{}
	src := &sliceSource{n: 4, errAt: map[int]bool{1: true, 2: true}}

	p := New(src, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), nil, pub, noPacing(), WithMetrics(m))
	require.NoError(t, p.Run(context.Background()))

	assert.Len(t, pub.frames, 2)
	assert.Equal(t, uint64(2), m.ReadErrors.Load())
	assert.Equal(t, uint64(2), m.FramesRead.Load())
}

func TestRecordingReceivesAnnotatedFramesOnlyWhileRecording(t *testing.T) {
	rec := &fakeRecorder{}
	p := New(&sliceSource{n: 2}, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), rec, &collector{}, noPacing())
	require.NoError(t, p.Run(context.Background()))
	assert.Zero(t, rec.written)

	rec = &fakeRecorder{recording: true, err: errors.New("disk full")}
	m := metrics.New()
	pub := &collector{}
	p = New(&sliceSource{n: 3}, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), rec, pub, noPacing(), WithMetrics(m))
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 3, rec.written)
	assert.Equal(t, uint64(3), m.RecorderErrors.Load())
	assert.Len(t, pub.frames, 3, "recording failures do not stop streaming")
}

func TestPolicyIsSnapshottedPerCycle(t *testing.T) {
	store := newStore(t, []string{"dog"}, 0.5)
	agg := stats.NewAggregator(0)

	calls := 0
	det := detector.Func(func(context.Context, image.Image) ([]detection.RawDetection, error) {
		calls++
		if calls == 1 {
			// replaced mid-cycle; this frame still uses the old policy
			_, err := store.Update(func(detection.Policy) (detection.Policy, error) {
				return detection.NewPolicy([]string{"cat"}, 0.5)
			})
			require.NoError(t, err)
		}
		return []detection.RawDetection{raw("dog", 0.9), raw("cat", 0.9)}, nil
	})

	p := New(&sliceSource{n: 2}, det, store, agg, nil, &collector{}, noPacing())
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, map[string]uint64{"dog": 1, "cat": 1}, agg.Snapshot().PerClassCounts)
}

func TestRunOnlyOnce(t *testing.T) {
	p := New(&sliceSource{}, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), nil, &collector{}, noPacing())
	require.NoError(t, p.Run(context.Background()))
	assert.ErrorIs(t, p.Run(context.Background()), ErrAlreadyStarted)
}

func TestRunStopsOnCancel(t *testing.T) {
	pub := &collector{}
	p := New(blockingSource{}, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), nil, pub, noPacing())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, pub.closed)
}

func TestPacing(t *testing.T) {
	p := New(&sliceSource{n: 3}, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), nil, &collector{},
		WithConfig(Config{FrameInterval: 20 * time.Millisecond}))

	start := time.Now()
	require.NoError(t, p.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestLatestFrame(t *testing.T) {
	p := New(&sliceSource{n: 2}, detector.Nop{}, newStore(t, nil, 0), stats.NewAggregator(0), nil, &collector{}, noPacing())
	require.NoError(t, p.Run(context.Background()))

	img, ok := p.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}
