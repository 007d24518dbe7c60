package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
)

// HTTPDetector posts each frame as a JPEG to an inference service and reads
// back {"detections":[{"class":...,"confidence":...,"box":{...}}]}.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	quality  int
}

type inferenceResponse struct {
	Detections []detection.RawDetection `json:"detections"`
	Error      string                   `json:"error,omitempty"`
}

// NewHTTPDetector creates a detector for endpoint. A zero timeout defaults to 5s.
func NewHTTPDetector(endpoint string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		quality:  90,
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]detection.RawDetection, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %w", ErrDetectorFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorFailure, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrDetectorFailure, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrDetectorFailure, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDetectorFailure, out.Error)
	}
	return out.Detections, nil
}
