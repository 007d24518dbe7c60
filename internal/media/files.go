// Package media names and creates the files written to the capture directory.
package media

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrResourceUnavailable is returned when an output file or encoder cannot be opened.
var ErrResourceUnavailable = errors.New("resource unavailable")

// TimestampLayout is used in every generated file name. Microseconds keep
// names from two requests in the same second apart.
const TimestampLayout = "20060102_150405.000000"

// maxSuffix bounds the collision retries in CreateUnique.
const maxSuffix = 100

// CreateUnique creates a new file named <prefix>_<timestamp><ext> in dir.
// An existing file is never truncated: on collision a numeric suffix is added.
// It returns the open file and its base name.
func CreateUnique(dir, prefix, ext string, now time.Time) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("%w: create %s: %w", ErrResourceUnavailable, dir, err)
	}

	stamp := now.Format(TimestampLayout)
	for i := 0; i < maxSuffix; i++ {
		name := fmt.Sprintf("%s_%s%s", prefix, stamp, ext)
		if i > 0 {
			name = fmt.Sprintf("%s_%s_%d%s", prefix, stamp, i, ext)
		}

		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
		}
	}
	return nil, "", fmt.Errorf("%w: no free name for %s_%s%s", ErrResourceUnavailable, prefix, stamp, ext)
}

// SaveJPEG writes img as screenshot_<timestamp>.jpg in dir and returns the file name.
// A partially written file is removed on failure.
func SaveJPEG(dir string, img image.Image, quality int, now time.Time) (string, error) {
	if img == nil {
		return "", fmt.Errorf("%w: no frame", ErrResourceUnavailable)
	}

	f, name, err := CreateUnique(dir, "screenshot", ".jpg", now)
	if err != nil {
		return "", err
	}

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: encode screenshot: %w", ErrResourceUnavailable, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: close screenshot: %w", ErrResourceUnavailable, err)
	}
	return name, nil
}
