package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
)

// StartFFmpeg transcodes input (file, device or URL) to a raw MJPEG pipe and
// reads frames from it. The process is killed when ctx is done or the source
// is closed.
func StartFFmpeg(ctx context.Context, binary, input string, fps int) (*StreamSource, error) {
	if binary == "" {
		binary = "ffmpeg"
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-i", input}
	if fps > 0 {
		args = append(args, "-r", strconv.Itoa(fps))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "pipe:1")

	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	logger.Info("Source", "ffmpeg started (pid=%d, input=%s)", cmd.Process.Pid, input)

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Warn("Source", "ffmpeg: %s", sc.Text())
		}
	}()

	s := NewStreamSource(stdout)
	s.wait = func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// killed on close
			return nil
		}
		return err
	}
	return s, nil
}
