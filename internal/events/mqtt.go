// Package events publishes accepted detections to an MQTT broker.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
)

// Config configures the MQTT emitter.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	QueueSize   int    `yaml:"queue_size"`
}

// DefaultConfig returns a disabled emitter publishing under "critter-watch".
func DefaultConfig() Config {
	return Config{
		Broker:      "localhost:1883",
		ClientID:    "critter-watch",
		TopicPrefix: "critter-watch",
		QueueSize:   64,
	}
}

// Publisher is the part of mqtt.Client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Event is the JSON payload of one detection message.
type Event struct {
	Class      string        `json:"class"`
	Confidence float64       `json:"confidence"`
	Box        detection.Box `json:"box"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Emitter queues detections and publishes them from a single worker, so the
// pipeline never waits on the broker.
type Emitter struct {
	cfg    Config
	client Publisher
	queue  chan detection.Detection

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64

	// OnDrop is called for each detection dropped because the queue is full.
	OnDrop func()
}

// Connect dials the broker and returns a started emitter.
func Connect(cfg Config) (*Emitter, error) {
	opts := mqtt.NewClientOptions()
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT", "Connected to %s as %s", broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}

	logger.Info("MQTT", "Connecting to %s", broker)
	return connect(cfg, mqtt.NewClient(opts), 5*time.Second)
}

type connector interface {
	Publisher
	Connect() mqtt.Token
}

// connect waits for the first connection. On failure the client is
// disconnected so its retry loop does not outlive the call.
func connect(cfg Config, client connector, timeout time.Duration) (*Emitter, error) {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return New(cfg, client), nil
}

// New starts an emitter on an existing client.
func New(cfg Config, client Publisher) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	e := &Emitter{
		cfg:    cfg,
		client: client,
		queue:  make(chan detection.Detection, cfg.QueueSize),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Topic returns the topic detections of class are published on.
func (e *Emitter) Topic(class string) string {
	return e.cfg.TopicPrefix + "/detections/" + strings.ReplaceAll(class, " ", "_")
}

// Publish queues d. It never blocks; when the queue is full d is dropped.
func (e *Emitter) Publish(d detection.Detection) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.queue <- d:
	default:
		e.dropped.Add(1)
		if e.OnDrop != nil {
			e.OnDrop()
		}
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for d := range e.queue {
		if err := e.send(d); err != nil {
			e.errors.Add(1)
			logger.Warn("MQTT", "Publish %s failed: %v", d.ClassLabel, err)
			continue
		}
		e.published.Add(1)
	}
}

func (e *Emitter) send(d detection.Detection) error {
	if !e.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(Event{
		Class:      d.ClassLabel,
		Confidence: d.Confidence,
		Box:        d.Box,
		Timestamp:  d.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := e.client.Publish(e.Topic(d.ClassLabel), e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Stats returns the published, dropped and failed counts.
func (e *Emitter) Stats() (published, dropped, failed uint64) {
	return e.published.Load(), e.dropped.Load(), e.errors.Load()
}

// Close flushes queued detections and disconnects.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()

		e.wg.Wait()
		e.client.Disconnect(250)
		p, d, f := e.Stats()
		logger.Info("MQTT", "Disconnected (published=%d, dropped=%d, failed=%d)", p, d, f)
	})
}
