package webmonitor

import (
	"encoding/json"
	"math"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/control"
)

// HistoryEntry is one detection as shown in the history panel.
type HistoryEntry struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

// StatsPayload is the /get_stats response body.
type StatsPayload struct {
	TotalDetections  uint64            `json:"total_detections"`
	DetectionHistory []HistoryEntry    `json:"detection_history"`
	ClassCounts      map[string]uint64 `json:"class_counts"`
	AvgConfidence    float64           `json:"avg_confidence"` // percent, one decimal
	IsRecording      bool              `json:"is_recording"`
}

func newStatsPayload(v control.StatsView) StatsPayload {
	history := make([]HistoryEntry, len(v.History))
	for i, d := range v.History {
		history[i] = HistoryEntry{
			Class:      d.ClassLabel,
			Confidence: d.Confidence,
			Timestamp:  d.Timestamp.Format("15:04:05"),
		}
	}
	counts := v.PerClassCounts
	if counts == nil {
		counts = map[string]uint64{}
	}
	return StatsPayload{
		TotalDetections:  v.TotalDetections,
		DetectionHistory: history,
		ClassCounts:      counts,
		AvgConfidence:    math.Round(v.AvgConfidence*1000) / 10,
		IsRecording:      v.IsRecording(),
	}
}

// toStruct converts a JSON-serializable value to a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}
