// Package annotate draws detection boxes and labels onto frames.
package annotate

import (
	"image"
	"image/color"
	"image/draw"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
)

var (
	boxColor    = color.RGBA{R: 255, B: 255, A: 255}
	cornerColor = color.RGBA{G: 255, A: 255}
	textColor   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	cornerLength    = 9
	cornerThickness = 3
	labelPadding    = 3
	// labels are pushed down so they stay on screen above boxes at the top edge
	minLabelY = 35
)

// Label formats the text drawn above a detection, e.g. "dog | 0.87".
func Label(d detection.Detection) string {
	return d.ClassLabel + " | " + strconv.FormatFloat(d.Confidence, 'f', -1, 64)
}

// Canvas is a mutable copy of a frame.
type Canvas struct {
	img *image.RGBA
}

// NewCanvas copies src into a fresh RGBA image. src is never modified.
func NewCanvas(src image.Image) *Canvas {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return &Canvas{img: dst}
}

// Image returns the annotated frame.
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Draw renders the box and label for d.
func (c *Canvas) Draw(d detection.Detection) {
	r := d.Box.Rect().Intersect(c.img.Bounds())
	if !r.Empty() {
		c.rect(r, 1, boxColor)
		c.corners(r)
	}
	c.label(Label(d), max(0, d.Box.X1), max(minLabelY, d.Box.Y1))
}

func (c *Canvas) rect(r image.Rectangle, t int, col color.Color) {
	u := image.NewUniform(col)
	draw.Draw(c.img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), u, image.Point{}, draw.Src)
	draw.Draw(c.img, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(c.img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(c.img, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
}

func (c *Canvas) corners(r image.Rectangle) {
	u := image.NewUniform(cornerColor)
	l := min(cornerLength, r.Dx(), r.Dy())
	t := min(cornerThickness, l)
	fill := func(x0, y0, x1, y1 int) {
		draw.Draw(c.img, image.Rect(x0, y0, x1, y1).Intersect(c.img.Bounds()), u, image.Point{}, draw.Src)
	}

	// top-left, top-right, bottom-left, bottom-right
	fill(r.Min.X, r.Min.Y, r.Min.X+l, r.Min.Y+t)
	fill(r.Min.X, r.Min.Y, r.Min.X+t, r.Min.Y+l)
	fill(r.Max.X-l, r.Min.Y, r.Max.X, r.Min.Y+t)
	fill(r.Max.X-t, r.Min.Y, r.Max.X, r.Min.Y+l)
	fill(r.Min.X, r.Max.Y-t, r.Min.X+l, r.Max.Y)
	fill(r.Min.X, r.Max.Y-l, r.Min.X+t, r.Max.Y)
	fill(r.Max.X-l, r.Max.Y-t, r.Max.X, r.Max.Y)
	fill(r.Max.X-t, r.Max.Y-l, r.Max.X, r.Max.Y)
}

// label draws text with its baseline at (x, y) on a filled background.
func (c *Canvas) label(text string, x, y int) {
	face := basicfont.Face7x13
	dr := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(x+labelPadding, y-labelPadding),
	}

	width := dr.MeasureString(text).Ceil()
	m := face.Metrics()
	bg := image.Rect(
		x, y-labelPadding-m.Ascent.Ceil()-labelPadding,
		x+width+2*labelPadding, y,
	).Intersect(c.img.Bounds())
	draw.Draw(c.img, bg, image.NewUniform(boxColor), image.Point{}, draw.Src)

	dr.DrawString(text)
}

// Frame returns a copy of src with every detection drawn on it.
func Frame(src image.Image, dets []detection.Detection) *image.RGBA {
	c := NewCanvas(src)
	for _, d := range dets {
		c.Draw(d)
	}
	return c.Image()
}
