package annotate

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
)

func gray(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x40
	}
	return img
}

func TestLabel(t *testing.T) {
	tests := []struct {
		conf float64
		want string
	}{
		{0.87, "dog | 0.87"},
		{0.9, "dog | 0.9"},
		{1, "dog | 1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Label(detection.Detection{ClassLabel: "dog", Confidence: tt.conf}))
	}
}

func TestFrameLeavesSourceUntouched(t *testing.T) {
	src := gray(120, 80)
	d := detection.Detection{ClassLabel: "cat", Confidence: 0.5, Box: detection.Box{X1: 10, Y1: 40, X2: 60, Y2: 70}}

	out := Frame(src, []detection.Detection{d})

	for _, p := range src.Pix {
		if p != 0x40 {
			t.Fatal("source frame was modified")
		}
	}
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, color.RGBA{G: 255, A: 255}, out.RGBAAt(10, 69), "bottom-left corner")
	assert.Equal(t, boxColor, out.RGBAAt(35, 69), "bottom edge")
	assert.Equal(t, color.RGBA{R: 0x40, G: 0x40, B: 0x40, A: 0xff}, out.RGBAAt(35, 60), "interior")
}

func TestFrameWithoutDetectionsIsCopy(t *testing.T) {
	src := gray(16, 16)
	out := Frame(src, nil)
	assert.Equal(t, color.RGBA{R: 0x40, G: 0x40, B: 0x40, A: 0xff}, out.RGBAAt(3, 3))
}

func TestDrawClipsOutOfBoundsBoxes(t *testing.T) {
	src := gray(50, 50)
	dets := []detection.Detection{
		{ClassLabel: "dog", Confidence: 0.7, Box: detection.Box{X1: -20, Y1: -20, X2: 500, Y2: 500}},
		{ClassLabel: "cat", Confidence: 0.7, Box: detection.Box{X1: 100, Y1: 100, X2: 200, Y2: 200}},
		{ClassLabel: "bird", Confidence: 0.7, Box: detection.Box{X1: 30, Y1: 30, X2: 10, Y2: 10}},
	}
	assert.NotPanics(t, func() { Frame(src, dets) })
}

func TestLabelBackgroundPlacedAtTopClamp(t *testing.T) {
	src := gray(200, 100)
	d := detection.Detection{ClassLabel: "dog", Confidence: 0.8, Box: detection.Box{X1: 5, Y1: 0, X2: 80, Y2: 90}}

	out := Frame(src, []detection.Detection{d})
	// label baseline is clamped to y=35, so the row just above it is background
	assert.Equal(t, boxColor, out.RGBAAt(6, 34))
}
