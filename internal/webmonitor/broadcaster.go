package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/control"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stream"
)

// StatsSource provides the statistics pushed to live clients.
type StatsSource interface {
	GetStats() control.StatsView
}

// StatsBroadcaster periodically serializes the statistics and fans them out
// to SSE and WebSocket clients. Nothing is generated while no client is
// subscribed.
type StatsBroadcaster struct {
	hub      *stream.Hub[*stream.SerializedEvent]
	source   StatsSource
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewStatsBroadcaster creates a broadcaster publishing every interval.
func NewStatsBroadcaster(source StatsSource, interval time.Duration, buffer int) *StatsBroadcaster {
	return &StatsBroadcaster{
		hub:      stream.NewHub[*stream.SerializedEvent]("StatsBroadcaster", buffer),
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a client.
func (sb *StatsBroadcaster) Subscribe() (string, <-chan *stream.SerializedEvent) {
	return sb.hub.Subscribe()
}

// Unsubscribe removes a client.
func (sb *StatsBroadcaster) Unsubscribe(id string) {
	sb.hub.Unsubscribe(id)
}

// ClientCount returns the number of subscribed clients.
func (sb *StatsBroadcaster) ClientCount() int {
	return sb.hub.ClientCount()
}

// Start begins the broadcast loop.
func (sb *StatsBroadcaster) Start() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.started || sb.stopped {
		return
	}
	sb.started = true
	go sb.run()
}

// Stop halts the broadcaster and ends every subscription.
func (sb *StatsBroadcaster) Stop() {
	sb.mu.Lock()
	if sb.stopped {
		sb.mu.Unlock()
		return
	}
	sb.stopped = true
	started := sb.started
	close(sb.stop)
	sb.mu.Unlock()

	if started {
		<-sb.done
	}
	sb.hub.Close()
}

func (sb *StatsBroadcaster) run() {
	defer close(sb.done)

	logger.Info("StatsBroadcaster", "Starting stats broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.hub.ClientCount() == 0 {
				continue
			}
			if event := sb.Event(); event != nil {
				sb.hub.Publish(event)
			}
		}
	}
}

// Event serializes the current statistics. It returns nil if serialization
// fails.
func (sb *StatsBroadcaster) Event() *stream.SerializedEvent {
	payload := newStatsPayload(sb.source.GetStats())

	jsonData, err := json.Marshal(payload)
	if err != nil {
		logger.Error("StatsBroadcaster", "JSON marshal error: %v", err)
		return nil
	}

	pbStruct, err := toStruct(payload)
	if err != nil {
		logger.Error("StatsBroadcaster", "Protobuf conversion error: %v", err)
		return nil
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		logger.Error("StatsBroadcaster", "Protobuf marshal error: %v", err)
		return nil
	}

	return &stream.SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}
}
