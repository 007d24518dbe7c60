package source

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// DirSource replays the still images of a directory in lexical order.
type DirSource struct {
	files []string

	mu   sync.Mutex
	next int
}

// OpenDir lists the image files in dir. An empty directory is a valid,
// immediately exhausted source.
func OpenDir(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)

	return &DirSource{files: files}, nil
}

// Len returns the number of frames in the directory.
func (s *DirSource) Len() int {
	return len(s.files)
}

// Next decodes the next image. A file that fails to decode is reported and
// skipped on the following call.
func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	if s.next >= len(s.files) {
		s.mu.Unlock()
		return Frame{}, ErrSourceExhausted
	}
	idx := s.next
	s.next++
	s.mu.Unlock()

	img, err := decodeFile(s.files[idx])
	if err != nil {
		return Frame{}, err
	}
	return Frame{Image: img, Index: uint64(idx), Timestamp: time.Now()}, nil
}

// Dimensions reads the size of the first frame.
func (s *DirSource) Dimensions() (int, int, error) {
	if len(s.files) == 0 {
		return 0, 0, ErrSourceExhausted
	}

	f, err := os.Open(s.files[0])
	if err != nil {
		return 0, 0, fmt.Errorf("probe %s: %w", s.files[0], err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("probe %s: %w", s.files[0], err)
	}
	return cfg.Width, cfg.Height, nil
}

func (s *DirSource) Close() error {
	return nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
