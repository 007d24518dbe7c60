package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

// maxJPEGSize bounds a single frame in a concatenated stream.
const maxJPEGSize = 16 << 20

// SplitJPEG is a bufio.SplitFunc yielding whole JPEG images (SOI through EOI)
// from a concatenated stream. Bytes before an SOI marker are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soiMarker)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF that may start a marker
		if n := len(data); n > 1 {
			return n - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(soiMarker):], eoiMarker)
	if end < 0 {
		if atEOF {
			// truncated trailing frame
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + len(soiMarker) + end + len(eoiMarker)
	return stop, data[start:stop], nil
}

// StreamSource decodes frames from a concatenated-JPEG (raw MJPEG) stream.
type StreamSource struct {
	rc io.ReadCloser
	// wait is run after the stream ends, e.g. to reap a child process.
	wait func() error

	readMu  sync.Mutex
	scanner *bufio.Scanner
	pending *Frame
	index   uint64

	width  atomic.Int64
	height atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewStreamSource reads frames from rc. The source owns rc.
func NewStreamSource(rc io.ReadCloser) *StreamSource {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 256<<10), maxJPEGSize)
	sc.Split(SplitJPEG)
	return &StreamSource{rc: rc, scanner: sc}
}

// OpenMJPEGFile opens a .mjpeg file written as concatenated JPEG images.
func OpenMJPEGFile(path string) (*StreamSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mjpeg stream: %w", err)
	}
	return NewStreamSource(f), nil
}

func (s *StreamSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}
	return s.readLocked()
}

func (s *StreamSource) readLocked() (Frame, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			return Frame{}, fmt.Errorf("%w: %w", ErrSourceExhausted, err)
		}
		return Frame{}, ErrSourceExhausted
	}

	idx := s.index
	s.index++

	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame %d: %w", idx, err)
	}
	s.remember(img.Bounds())

	return Frame{Image: img, Index: idx, Timestamp: time.Now()}, nil
}

func (s *StreamSource) remember(b image.Rectangle) {
	if s.width.Load() == 0 {
		s.width.Store(int64(b.Dx()))
		s.height.Store(int64(b.Dy()))
	}
}

// Dimensions returns the size of the first frame, reading ahead if no frame
// has been decoded yet. The frame read ahead is still returned by Next.
func (s *StreamSource) Dimensions() (int, int, error) {
	if w := s.width.Load(); w > 0 {
		return int(w), int(s.height.Load()), nil
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	if w := s.width.Load(); w > 0 {
		return int(w), int(s.height.Load()), nil
	}

	for {
		f, err := s.readLocked()
		if errors.Is(err, ErrSourceExhausted) {
			return 0, 0, err
		}
		if err != nil {
			continue
		}
		s.pending = &f
		b := f.Image.Bounds()
		return b.Dx(), b.Dy(), nil
	}
}

func (s *StreamSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
		if s.wait != nil {
			if err := s.wait(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
