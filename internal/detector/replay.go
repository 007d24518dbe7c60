package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
)

// ReplayDetector returns pre-recorded detections, one JSON array per line,
// one line per call. Once the lines run out every call returns no detections.
type ReplayDetector struct {
	mu     sync.Mutex
	frames [][]detection.RawDetection
	next   int
}

// LoadReplay reads a JSON-lines replay file. Blank lines mean "no detections".
func LoadReplay(path string) (*ReplayDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}
	return ParseReplay(data)
}

// ParseReplay parses JSON-lines replay data.
func ParseReplay(data []byte) (*ReplayDetector, error) {
	var frames [][]detection.RawDetection

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			frames = append(frames, nil)
			continue
		}
		var dets []detection.RawDetection
		if err := json.Unmarshal(text, &dets); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		frames = append(frames, dets)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}
	return &ReplayDetector{frames: frames}, nil
}

func (d *ReplayDetector) Detect(ctx context.Context, _ image.Image) ([]detection.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorFailure, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.frames) {
		return nil, nil
	}
	out := d.frames[d.next]
	d.next++
	return out, nil
}
