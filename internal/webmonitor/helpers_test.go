package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/control"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/metrics"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/recorder"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stats"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stream"
)

type latestFrame struct {
	img atomic.Pointer[image.RGBA]
}

func (l *latestFrame) LatestFrame() (image.Image, bool) {
	img := l.img.Load()
	if img == nil {
		return nil, false
	}
	return img, true
}

type prober struct{ err error }

func (p prober) Dimensions() (int, int, error) { return 16, 16, p.err }

type fixture struct {
	baseURL string
	client  *http.Client
	server  *Server
	frames  *stream.Hub[[]byte]
	agg     *stats.Aggregator
	latest  *latestFrame
	metrics *metrics.Metrics
	dir     string
}

type fixtureOptions struct {
	probeErr error
	rtc      OfferHandler
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	dir := t.TempDir()

	policy, err := detection.NewPolicy([]string{"dog", "cat"}, 0.3)
	require.NoError(t, err)
	agg := stats.NewAggregator(stats.DefaultHistorySize, policy.Classes()...)
	rec := recorder.NewController(dir, prober{opts.probeErr})
	t.Cleanup(func() { rec.Close() })

	latest := &latestFrame{}
	ctl := control.New(agg, rec, detection.NewPolicyStore(policy), latest, dir)

	frames := stream.NewHub[[]byte]("TestFrames", 2)
	m := metrics.New()
	srv := NewServer(Config{CaptureDir: dir, StatsInterval: 20 * time.Millisecond}, ctl, frames, opts.rtc, m)
	srv.Start()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		frames.Close()
		srv.Close()
		ts.Close()
	})

	return &fixture{
		baseURL: ts.URL,
		client:  &http.Client{Timeout: 5 * time.Second},
		server:  srv,
		frames:  frames,
		agg:     agg,
		latest:  latest,
		metrics: m,
		dir:     dir,
	}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return f.do(t, http.MethodGet, path, nil, nil)
}

func (f *fixture) post(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return f.do(t, http.MethodPost, path, nil, nil)
}

func (f *fixture) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return f.do(t, http.MethodPost, path, data, http.Header{"Content-Type": {"application/json"}})
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func readSSEEvent(url string, header http.Header, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.HasPrefix(event, "data:") {
					return event, resp.Header, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func sseData(t *testing.T, event string) []byte {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return []byte(payload)
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

// assertStatsPayload checks the /get_stats shape the browser UI relies on.
func assertStatsPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["total_detections"], "total_detections")
	requireNumber(t, payload["avg_confidence"], "avg_confidence")
	requireBool(t, payload["is_recording"], "is_recording")
	counts := requireMap(t, payload["class_counts"], "class_counts")
	for class, n := range counts {
		requireNumber(t, n, "class_counts."+class)
	}
	history := requireSlice(t, payload["detection_history"], "detection_history")
	for i, raw := range history {
		entry := requireMap(t, raw, fmt.Sprintf("detection_history[%d]", i))
		requireString(t, entry["class"], "detection_history.class")
		requireNumber(t, entry["confidence"], "detection_history.confidence")
		ts := requireString(t, entry["timestamp"], "detection_history.timestamp")
		if _, err := time.Parse("15:04:05", ts); err != nil {
			t.Fatalf("detection_history.timestamp %q: %v", ts, err)
		}
	}
}
