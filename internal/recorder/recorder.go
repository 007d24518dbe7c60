// Package recorder implements the recording state machine that owns the
// output encoder.
package recorder

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/media"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// State is the recording state.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DimensionProber reports the native size of the frames being recorded.
type DimensionProber interface {
	Dimensions() (width, height int, err error)
}

// Controller is the recording state machine. At most one encoder is open at a
// time. transitionMu serializes Toggle, Start, Stop and Close; mu guards the
// state and is never held while probing the source or opening a file, so
// Status and Write are not delayed by a stalled frame read.
type Controller struct {
	transitionMu sync.Mutex
	mu           sync.Mutex

	dir     string
	prober  DimensionProber
	factory EncoderFactory
	now     func() time.Time
	onState func(State)

	state     State
	encoder   Encoder
	sessionID string
	startTime time.Time

	// last session, kept after Stop for status reporting
	filename     string
	frameCount   uint64
	bytesWritten uint64
	writeErrors  uint64
	lastErr      error
}

// Option configures a Controller.
type Option func(*Controller)

// WithEncoderFactory replaces the MJPEG file encoder.
func WithEncoderFactory(f EncoderFactory) Option {
	return func(c *Controller) { c.factory = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStateHook registers fn to be called, under the controller lock, after
// every state change.
func WithStateHook(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// NewController creates an idle controller writing recordings to dir.
func NewController(dir string, prober DimensionProber, opts ...Option) *Controller {
	c := &Controller{
		dir:     dir,
		prober:  prober,
		factory: NewMJPEGFile,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Toggle starts a recording when idle and stops it when recording. A failed
// start leaves the controller idle and returns an error wrapping
// media.ErrResourceUnavailable.
func (c *Controller) Toggle() (RecordingStatus, error) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	var err error
	if c.State() == Idle {
		err = c.start()
	} else {
		err = c.stop()
	}
	return c.Status(), err
}

// Start starts a recording.
func (c *Controller) Start() error {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	if c.State() == Recording {
		return ErrAlreadyRecording
	}
	return c.start()
}

// Stop stops the current recording.
func (c *Controller) Stop() error {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	return c.stop()
}

// start opens a new session. The caller holds transitionMu, so the state is
// Idle and stays Idle until the commit; mu is only taken for the commit.
func (c *Controller) start() error {
	w, h, err := c.prober.Dimensions()
	if err != nil {
		err = fmt.Errorf("%w: probe frame size: %w", media.ErrResourceUnavailable, err)
		c.fail(err)
		return err
	}

	now := c.now()
	enc, err := c.factory(c.dir, w, h, now)
	if err != nil {
		if !errors.Is(err, media.ErrResourceUnavailable) {
			err = fmt.Errorf("%w: %w", media.ErrResourceUnavailable, err)
		}
		logger.Error("Recorder", "Failed to open encoder: %v", err)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(Recording)
	c.encoder = enc
	c.sessionID = uuid.NewString()
	c.startTime = now
	c.filename = enc.Name()
	c.frameCount = 0
	c.bytesWritten = 0
	c.writeErrors = 0
	c.lastErr = nil

	logger.Info("Recorder", "Recording started: %s (%dx%d, session=%s)", c.filename, w, h, c.sessionID)
	return nil
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// stop detaches the encoder under mu and closes it after releasing mu, so a
// slow flush never holds up Status or Write. The caller holds transitionMu.
func (c *Controller) stop() error {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	enc, name, frames := c.detachLocked()
	c.mu.Unlock()

	err := enc.Close()
	if err != nil {
		c.fail(err)
	}
	return closed(name, frames, err)
}

// stopLocked releases the encoder while mu is held. The controller ends up
// idle even when closing fails.
func (c *Controller) stopLocked() error {
	enc, name, frames := c.detachLocked()
	err := enc.Close()
	if err != nil {
		c.lastErr = err
	}
	return closed(name, frames, err)
}

func (c *Controller) detachLocked() (Encoder, string, uint64) {
	enc := c.encoder
	c.setState(Idle)
	c.encoder = nil
	c.sessionID = ""
	c.startTime = time.Time{}
	return enc, c.filename, c.frameCount
}

func closed(name string, frames uint64, err error) error {
	if err != nil {
		logger.Error("Recorder", "Closing %s: %v", name, err)
		return fmt.Errorf("stop recording: %w", err)
	}
	logger.Info("Recorder", "Recording stopped: %s (%d frames)", name, frames)
	return nil
}

func (c *Controller) setState(st State) {
	c.state = st
	if c.onState != nil {
		c.onState(st)
	}
}

// Write appends an annotated frame to the current recording. It is a no-op
// when idle. A write failure is returned and recording continues, unless the
// encoder reports ErrEncoderClosed, in which case the session is ended.
func (c *Controller) Write(img image.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Recording {
		return nil
	}

	n, err := c.encoder.WriteFrame(img)
	c.bytesWritten += uint64(n)
	if err == nil {
		c.frameCount++
		return nil
	}

	c.writeErrors++
	c.lastErr = err
	if errors.Is(err, ErrEncoderClosed) {
		logger.Error("Recorder", "Encoder for %s became unusable, stopping: %v", c.filename, err)
		_ = c.stopLocked()
		c.lastErr = err
	}
	return fmt.Errorf("write frame: %w", err)
}

// IsRecording reports whether a recording is in progress.
func (c *Controller) IsRecording() bool {
	return c.State() == Recording
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current recording status.
func (c *Controller) Status() RecordingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() RecordingStatus {
	st := RecordingStatus{
		Recording:    c.state == Recording,
		State:        c.state.String(),
		SessionID:    c.sessionID,
		Filename:     c.filename,
		FrameCount:   c.frameCount,
		BytesWritten: c.bytesWritten,
		WriteErrors:  c.writeErrors,
	}
	if c.state == Recording {
		st.StartTime = c.startTime
		st.Duration = c.now().Sub(c.startTime)
		st.DurationMs = st.Duration.Milliseconds()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Close releases an open encoder. It is safe to call more than once.
func (c *Controller) Close() error {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	if err := c.stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool          `json:"recording"`
	State        string        `json:"state"`
	SessionID    string        `json:"session_id,omitempty"`
	Filename     string        `json:"filename"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	WriteErrors  uint64        `json:"write_errors"`
	Duration     time.Duration `json:"-"`
	DurationMs   int64         `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
	LastError    string        `json:"last_error,omitempty"`
}
