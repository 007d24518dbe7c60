package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/detection"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

var _ mqtt.Token = doneToken{}

type message struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	failNext     bool
	block        chan struct{}
	messages     []message
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return doneToken{err: errors.New("broker said no")}
	}
	c.messages = append(c.messages, message{topic, payload.([]byte)})
	return doneToken{}
}
func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (pendingToken) Error() error                   { return nil }

type dialingClient struct {
	fakeClient
	token mqtt.Token
}

func (c *dialingClient) Connect() mqtt.Token { return c.token }

func TestConnectFailureDisconnects(t *testing.T) {
	tests := []struct {
		name  string
		token mqtt.Token
		want  string
	}{
		{"timeout", pendingToken{}, "timeout"},
		{"refused", doneToken{err: errors.New("not authorized")}, "not authorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &dialingClient{token: tt.token}
			e, err := connect(DefaultConfig(), client, 10*time.Millisecond)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, e)
			assert.True(t, client.disconnected, "retry loop must be stopped")
		})
	}
}

func TestConnectSuccessKeepsClient(t *testing.T) {
	client := &dialingClient{fakeClient: fakeClient{connected: true}, token: doneToken{}}
	e, err := connect(DefaultConfig(), client, time.Second)
	require.NoError(t, err)
	assert.False(t, client.disconnected)
	e.Close()
	assert.True(t, client.disconnected)
}

func det(class string) detection.Detection {
	return detection.Detection{
		ClassLabel: class,
		Confidence: 0.82,
		Box:        detection.Box{X1: 1, Y1: 2, X2: 3, Y2: 4},
		Timestamp:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEmitterPublishesJSON(t *testing.T) {
	client := &fakeClient{connected: true}
	e := New(Config{TopicPrefix: "yard", QueueSize: 4}, client)

	e.Publish(det("dog"))
	e.Publish(det("teddy bear"))
	e.Close()

	require.Len(t, client.messages, 2)
	assert.Equal(t, "yard/detections/dog", client.messages[0].topic)
	assert.Equal(t, "yard/detections/teddy_bear", client.messages[1].topic)

	var ev Event
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &ev))
	assert.Equal(t, "dog", ev.Class)
	assert.Equal(t, 0.82, ev.Confidence)
	assert.Equal(t, detection.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}, ev.Box)
	assert.True(t, client.disconnected)

	p, d, f := e.Stats()
	assert.Equal(t, [3]uint64{2, 0, 0}, [3]uint64{p, d, f})
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	client := &fakeClient{connected: true, block: make(chan struct{})}
	drops := 0
	e := New(Config{TopicPrefix: "yard", QueueSize: 1}, client)
	e.OnDrop = func() { drops++ }

	// the worker holds one, the queue holds one, the rest are dropped
	for i := 0; i < 10; i++ {
		e.Publish(det("cat"))
	}
	close(client.block)
	e.Close()

	p, d, _ := e.Stats()
	assert.Equal(t, uint64(10), p+d)
	assert.GreaterOrEqual(t, d, uint64(8))
	assert.Equal(t, int(d), drops)
}

func TestEmitterCountsFailures(t *testing.T) {
	client := &fakeClient{connected: true, failNext: true}
	e := New(Config{TopicPrefix: "yard"}, client)
	e.Publish(det("dog"))
	e.Publish(det("dog"))
	e.Close()

	p, _, f := e.Stats()
	assert.Equal(t, uint64(1), p)
	assert.Equal(t, uint64(1), f)
}

func TestEmitterDisconnectedBroker(t *testing.T) {
	client := &fakeClient{}
	e := New(Config{TopicPrefix: "yard"}, client)
	e.Publish(det("dog"))
	e.Close()

	_, _, f := e.Stats()
	assert.Equal(t, uint64(1), f)
	assert.Empty(t, client.messages)
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	e := New(Config{}, &fakeClient{connected: true})
	e.Close()
	e.Close()
	assert.NotPanics(t, func() { e.Publish(det("dog")) })
}
