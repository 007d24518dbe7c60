package detection

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"
)

// ErrInvalidDetection is returned for a raw detection that cannot be stamped.
var ErrInvalidDetection = errors.New("invalid detection")

// Box is an axis-aligned bounding box in pixel coordinates (x1,y1 top-left, x2,y2 bottom-right).
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// RawDetection is one candidate object reported by a detector for a frame.
type RawDetection struct {
	ClassLabel string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Validate reports an error wrapping ErrInvalidDetection when the confidence
// is NaN or outside [0,1].
func (r RawDetection) Validate() error {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: %s confidence %v outside [0,1]", ErrInvalidDetection, r.ClassLabel, r.Confidence)
	}
	return nil
}

// Detection is a timestamped detection. Values are never mutated after creation.
type Detection struct {
	ClassLabel string    `json:"class"`
	Confidence float64   `json:"confidence"`
	Box        Box       `json:"box"`
	Timestamp  time.Time `json:"timestamp"`
}

// New stamps a raw detection. Confidence is rounded to two decimals, the
// precision detections are displayed and filtered at. Callers check
// raw.Validate first.
func New(raw RawDetection, ts time.Time) Detection {
	return Detection{
		ClassLabel: raw.ClassLabel,
		Confidence: RoundConfidence(raw.Confidence),
		Box:        raw.Box,
		Timestamp:  ts,
	}
}

// RoundConfidence rounds c to two decimals.
func RoundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}
