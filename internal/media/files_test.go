package media

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 45, 123456000, time.Local)

func TestCreateUniqueNeverOverwrites(t *testing.T) {
	dir := t.TempDir()

	f1, n1, err := CreateUnique(dir, "recording", ".mjpeg", fixedNow)
	require.NoError(t, err)
	_, err = f1.WriteString("first")
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	f2, n2, err := CreateUnique(dir, "recording", ".mjpeg", fixedNow)
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	assert.Equal(t, "recording_20240501_123045.123456.mjpeg", n1)
	assert.Equal(t, "recording_20240501_123045.123456_1.mjpeg", n2)

	data, err := os.ReadFile(filepath.Join(dir, n1))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestCreateUniqueMissingDirIsCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	f, _, err := CreateUnique(dir, "x", ".bin", fixedNow)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestCreateUniqueUnwritableDir(t *testing.T) {
	// a regular file where the directory should be
	parent := t.TempDir()
	blocker := filepath.Join(parent, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, _, err := CreateUnique(filepath.Join(blocker, "sub"), "x", ".bin", fixedNow)
	assert.ErrorIs(t, err, ErrResourceUnavailable)
}

func TestSaveJPEG(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	name, err := SaveJPEG(dir, img, 90, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "screenshot_20240501_123045.123456.jpg", name)

	f, err := os.Open(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Width)
	assert.Equal(t, 8, cfg.Height)
}

func TestSaveJPEGWithoutFrame(t *testing.T) {
	dir := t.TempDir()
	_, err := SaveJPEG(dir, nil, 90, fixedNow)
	assert.ErrorIs(t, err, ErrResourceUnavailable)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
