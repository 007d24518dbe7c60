package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/media"
)

var (
	// ErrEncoderClosed is returned by an encoder whose handle is no longer usable.
	ErrEncoderClosed = errors.New("encoder closed")
	// ErrFrameSize is returned when a frame does not match the recording size.
	ErrFrameSize = errors.New("frame size mismatch")
)

// Encoder writes frames of a fixed size to one output file.
type Encoder interface {
	// WriteFrame appends one frame and returns the number of bytes written.
	WriteFrame(img image.Image) (int, error)
	// Name returns the output file name, relative to the capture directory.
	Name() string
	Close() error
}

// EncoderFactory opens an encoder for a new recording in dir.
type EncoderFactory func(dir string, width, height int, now time.Time) (Encoder, error)

// MJPEGFile writes a raw MJPEG stream: JPEG images back to back. Players and
// ffmpeg read it with "-f mjpeg". Each frame is encoded in memory and written
// with a single call, so a failed write never leaves a half-encoded image
// followed by more frames.
type MJPEGFile struct {
	mu      sync.Mutex
	file    *os.File
	frame   bytes.Buffer
	name    string
	width   int
	height  int
	quality int
	closed  bool
	broken  error
}

// NewMJPEGFile creates recording_<timestamp>.mjpeg in dir.
func NewMJPEGFile(dir string, width, height int, now time.Time) (Encoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %dx%d", media.ErrResourceUnavailable, width, height)
	}

	f, name, err := media.CreateUnique(dir, "recording", ".mjpeg", now)
	if err != nil {
		return nil, err
	}

	return &MJPEGFile{
		file:    f,
		name:    name,
		width:   width,
		height:  height,
		quality: 85,
	}, nil
}

// WriteFrame encodes img and appends it to the file. Once a write to the file
// fails, this and every later call return an error wrapping ErrEncoderClosed.
func (e *MJPEGFile) WriteFrame(img image.Image) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrEncoderClosed
	}
	if e.broken != nil {
		return 0, fmt.Errorf("%w: %w", ErrEncoderClosed, e.broken)
	}
	if b := img.Bounds(); b.Dx() != e.width || b.Dy() != e.height {
		return 0, fmt.Errorf("%w: got %dx%d, recording %dx%d", ErrFrameSize, b.Dx(), b.Dy(), e.width, e.height)
	}

	e.frame.Reset()
	if err := jpeg.Encode(&e.frame, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return 0, fmt.Errorf("encode frame: %w", err)
	}

	n, err := e.file.Write(e.frame.Bytes())
	if err != nil {
		e.broken = fmt.Errorf("write %s: %w", filepath.Base(e.name), err)
		return n, fmt.Errorf("%w: %w", ErrEncoderClosed, e.broken)
	}
	return n, nil
}

func (e *MJPEGFile) Name() string {
	return e.name
}

// Close syncs and closes the file. Closing twice is a no-op.
func (e *MJPEGFile) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if err := e.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync %s: %w", filepath.Base(e.name), err))
	}
	if err := e.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", filepath.Base(e.name), err))
	}
	return errors.Join(errs...)
}
