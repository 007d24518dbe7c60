// Package webmonitor serves the browser UI, the live streams and the control
// endpoints over HTTP.
package webmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/control"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/metrics"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/recorder"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stream"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/webrtc"
)

// Controller is the set of control operations the server exposes.
type Controller interface {
	StatsSource
	ToggleRecording() (recorder.RecordingStatus, error)
	StartRecording() (recorder.RecordingStatus, error)
	StopRecording() (recorder.RecordingStatus, error)
	RecordingStatus() recorder.RecordingStatus
	CaptureScreenshot() (string, error)
	UpdatePolicy(control.PolicyUpdate) (control.PolicySettings, error)
	CurrentPolicy() control.PolicySettings
}

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// Server serves the web monitor endpoints.
type Server struct {
	cfg     Config
	ctl     Controller
	frames  *stream.Hub[[]byte]
	stats   *StatsBroadcaster
	webrtc  OfferHandler
	metrics *metrics.Metrics
}

// NewServer returns a configured monitor server. rtc may be nil, in which case
// offers are refused.
func NewServer(cfg Config, ctl Controller, frames *stream.Hub[[]byte], rtc OfferHandler, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:     cfg,
		ctl:     ctl,
		frames:  frames,
		stats:   NewStatsBroadcaster(ctl, cfg.StatsInterval, stream.DefaultBuffer),
		webrtc:  rtc,
		metrics: m,
	}
}

// Start begins pushing stats to live clients.
func (s *Server) Start() {
	s.stats.Start()
}

// Close ends stats subscriptions.
func (s *Server) Close() {
	s.stats.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/video_feed", s.handleStream)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/get_stats", s.handleGetStats)
	mux.HandleFunc("/capture_screenshot", s.handleCaptureScreenshot)
	mux.HandleFunc("/toggle_recording", s.handleToggleRecording)
	mux.HandleFunc("/update_settings", s.handleUpdateSettings)
	mux.Handle("/static/captures/", http.StripPrefix("/static/captures/", newCaptureHandler(s.cfg.CaptureDir)))
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/stats/stream", s.handleStatsStream)
	mux.HandleFunc("/ws/stats", s.handleStatsWebSocket)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)

	s.metrics.MJPEGClients.Add(1)
	defer s.metrics.MJPEGClients.Add(-1)

	stream.ServeMJPEG(w, r, frameCh, s.cfg.MJPEGKeepalive)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	payload := newStatsPayload(s.ctl.GetStats())

	if wantsProtobuf(r) {
		msg, err := toStruct(payload)
		if err == nil {
			var data []byte
			data, err = proto.Marshal(msg)
			if err == nil {
				w.Header().Set("Content-Type", "application/protobuf")
				_, _ = w.Write(data)
				return
			}
		}
		logger.Error("WebMonitor", "Protobuf stats encoding failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "encoding failed"}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, payload)
}

func (s *Server) handleCaptureScreenshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, err := s.ctl.CaptureScreenshot()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{
			"success": false,
			"error":   "Failed to capture screenshot",
		}, statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"success": true, "filename": filename})
}

func (s *Server) handleToggleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := s.ctl.ToggleRecording()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{
			"success": false,
			"error":   err.Error(),
			"state":   st.State,
		}, statusFor(err))
		return
	}

	action := "stopped"
	if st.Recording {
		action = "started"
	}
	writeJSON(w, map[string]any{
		"success":  true,
		"action":   action,
		"state":    st.State,
		"filename": st.Filename,
	})
}

type settingsRequest struct {
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	TargetClasses       []string `json:"target_classes"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req settingsRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{
			"success": false,
			"error":   "Invalid settings data",
		}, http.StatusBadRequest)
		return
	}

	settings, err := s.ctl.UpdatePolicy(control.PolicyUpdate{
		MinConfidence:  req.ConfidenceThreshold,
		AllowedClasses: req.TargetClasses,
	})
	if err != nil {
		writeJSONWithStatus(w, map[string]any{
			"success":          false,
			"error":            err.Error(),
			"current_settings": settings,
		}, statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"success": true, "current_settings": settings})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctl.CurrentPolicy())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := s.ctl.StartRecording()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusFor(err))
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       st.Filename,
		"session_id": st.SessionID,
		"started_at": float64(st.StartTime.Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := s.ctl.StopRecording()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusFor(err))
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       st.Filename,
		"stats":      st,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctl.RecordingStatus())
}

func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.stats.Subscribe()
	defer s.stats.Unsubscribe(id)

	stream.ServeSSE(w, r, eventCh, wantsProtobuf(r))
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	if payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		logger.Warn("WebMonitor", "WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":        "ok",
		"mjpeg_clients": s.frames.ClientCount(),
		"stats_clients": s.stats.ClientCount(),
		"recording":     s.ctl.RecordingStatus().State,
	})
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, detection.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, recorder.ErrAlreadyRecording), errors.Is(err, recorder.ErrNotRecording):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
