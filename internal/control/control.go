// Package control implements the operations exposed to clients: reading
// statistics, toggling recording, capturing screenshots and changing the
// detection policy.
package control

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/media"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/recorder"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stats"
)

// ErrNoFrame is returned by CaptureScreenshot before the first frame is read.
// It wraps media.ErrResourceUnavailable.
var ErrNoFrame = fmt.Errorf("%w: no frame available", media.ErrResourceUnavailable)

// FrameProvider exposes the latest frame read by the pipeline.
type FrameProvider interface {
	LatestFrame() (image.Image, bool)
}

// Recorder is the recording controller as seen by clients.
type Recorder interface {
	Toggle() (recorder.RecordingStatus, error)
	Start() error
	Stop() error
	Status() recorder.RecordingStatus
}

// StatsView is what GetStats returns.
type StatsView struct {
	stats.Snapshot
	Recording recorder.RecordingStatus
}

// IsRecording reports the recording state at the time of the call.
func (v StatsView) IsRecording() bool {
	return v.Recording.Recording
}

// PolicyUpdate changes the policy. Nil fields keep their current value.
type PolicyUpdate struct {
	MinConfidence  *float64
	AllowedClasses []string
}

// PolicySettings is the policy as reported to clients.
type PolicySettings struct {
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	TargetClasses       []string `json:"target_classes"`
}

// Service serves the control operations. It is safe for concurrent use.
type Service struct {
	agg        *stats.Aggregator
	rec        Recorder
	policies   *detection.PolicyStore
	frames     FrameProvider
	captureDir string
	quality    int
	now        func() time.Time
}

// New creates a control service writing screenshots to captureDir.
func New(agg *stats.Aggregator, rec Recorder, policies *detection.PolicyStore, frames FrameProvider, captureDir string) *Service {
	return &Service{
		agg:        agg,
		rec:        rec,
		policies:   policies,
		frames:     frames,
		captureDir: captureDir,
		quality:    95,
		now:        time.Now,
	}
}

// GetStats returns a consistent copy of the statistics and the recording state.
func (s *Service) GetStats() StatsView {
	return StatsView{
		Snapshot:  s.agg.Snapshot(),
		Recording: s.rec.Status(),
	}
}

// ToggleRecording flips the recording state.
func (s *Service) ToggleRecording() (recorder.RecordingStatus, error) {
	st, err := s.rec.Toggle()
	if err != nil {
		logger.Warn("Control", "Toggle recording failed: %v", err)
	}
	return st, err
}

// StartRecording starts a recording; it fails with recorder.ErrAlreadyRecording
// when one is in progress.
func (s *Service) StartRecording() (recorder.RecordingStatus, error) {
	err := s.rec.Start()
	return s.rec.Status(), err
}

// StopRecording stops the current recording; it fails with
// recorder.ErrNotRecording when idle.
func (s *Service) StopRecording() (recorder.RecordingStatus, error) {
	err := s.rec.Stop()
	return s.rec.Status(), err
}

// RecordingStatus returns the recording state.
func (s *Service) RecordingStatus() recorder.RecordingStatus {
	return s.rec.Status()
}

// CaptureScreenshot saves the latest raw frame and returns its file name.
func (s *Service) CaptureScreenshot() (string, error) {
	img, ok := s.frames.LatestFrame()
	if !ok {
		return "", ErrNoFrame
	}

	name, err := media.SaveJPEG(s.captureDir, img, s.quality, s.now())
	if err != nil {
		logger.Error("Control", "Screenshot failed: %v", err)
		return "", err
	}
	logger.Info("Control", "Screenshot saved: %s", name)
	return name, nil
}

// UpdatePolicy replaces the policy. An invalid update returns an error
// wrapping detection.ErrInvalidPolicy and leaves the policy unchanged.
func (s *Service) UpdatePolicy(u PolicyUpdate) (PolicySettings, error) {
	next, err := s.policies.Update(func(cur detection.Policy) (detection.Policy, error) {
		classes := cur.Classes()
		if u.AllowedClasses != nil {
			classes = u.AllowedClasses
		}
		minConfidence := cur.MinConfidence()
		if u.MinConfidence != nil {
			minConfidence = *u.MinConfidence
		}
		return detection.NewPolicy(classes, minConfidence)
	})
	if err != nil {
		if !errors.Is(err, detection.ErrInvalidPolicy) {
			err = fmt.Errorf("%w: %w", detection.ErrInvalidPolicy, err)
		}
		return settingsOf(s.policies.Load()), err
	}

	s.agg.Register(next.Classes()...)
	logger.Info("Control", "Policy updated: threshold=%.2f classes=%v", next.MinConfidence(), next.Classes())
	return settingsOf(next), nil
}

// CurrentPolicy returns the policy in effect.
func (s *Service) CurrentPolicy() PolicySettings {
	return settingsOf(s.policies.Load())
}

func settingsOf(p detection.Policy) PolicySettings {
	return PolicySettings{
		ConfidenceThreshold: p.MinConfidence(),
		TargetClasses:       p.Classes(),
	}
}
