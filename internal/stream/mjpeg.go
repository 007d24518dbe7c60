package stream

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
)

const (
	// Boundary separates parts of the multipart stream.
	Boundary = "frame"
	// ContentType is the response type of an MJPEG stream.
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
	// KeepaliveInterval is how long a stream may go without a frame before a
	// filler frame is sent.
	KeepaliveInterval = 5 * time.Second
)

var partHeader = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")

// WritePart writes one multipart part: boundary, header, JPEG bytes, CRLF.
func WritePart(w io.Writer, jpegData []byte) error {
	if _, err := w.Write(partHeader); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

var (
	blankOnce sync.Once
	blankData []byte
	blankErr  error
)

// BlankJPEG returns a 640x480 color-bar frame, sent while no real frame is available.
func BlankJPEG() ([]byte, error) {
	blankOnce.Do(func() {
		blankData, blankErr = renderColorBars(640, 480)
	})
	return blankData, blankErr
}

func renderColorBars(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := width / len(colors)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, colors[min(x/barWidth, len(colors)-1)])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ServeMJPEG streams frames as multipart JPEG until the channel is closed or
// the client goes away. When no frame arrives within keepalive the last frame
// (or the blank frame) is repeated.
func ServeMJPEG(w http.ResponseWriter, r *http.Request, frames <-chan []byte, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	if keepalive <= 0 {
		keepalive = KeepaliveInterval
	}

	blank, err := BlankJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := blank
	timer := time.NewTimer(keepalive)
	defer timer.Stop()

	for {
		select {
		case data, ok := <-frames:
			if !ok {
				return
			}
			if data != nil {
				last = data
			}
		case <-timer.C:
		case <-r.Context().Done():
			return
		}

		if err := WritePart(w, last); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		flusher.Flush()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(keepalive)
	}
}
