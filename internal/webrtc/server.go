// Package webrtc delivers annotated frames to browsers over a WebRTC data
// channel, as an alternative to the MJPEG stream.
package webrtc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
)

const (
	// ChannelLabel is the label of the data channel the browser must open.
	ChannelLabel = "frames"
	// ChunkSize bounds one data channel message, header included.
	ChunkSize = 16 * 1024
	// chunk header: frame sequence (u32), chunk index (u16), chunk count (u16)
	headerSize = 8
)

// ErrMaxClients is returned by HandleOffer when the client limit is reached.
var ErrMaxClients = errors.New("maximum clients reached")

// Client represents a connected WebRTC client
type Client struct {
	id            string
	peerConn      *webrtc.PeerConnection
	frameChan     chan []byte
	closeChan     chan struct{}
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API

	// OnClientCount, if set, is called with the client count after every change.
	OnClientCount func(n int)
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer. The offer must
// carry a data channel labelled ChannelLabel; frames are sent on it once open.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected an SDP offer")
	}

	if n := s.ClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		frameChan: make(chan []byte, 4),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Client %s data channel open", client.id)
			go s.sendFrames(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.notifyCount(n)

	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// Run forwards frames to all clients until the channel is closed, then
// closes every connection.
func (s *Server) Run(frames <-chan []byte) {
	for f := range frames {
		s.SendFrame(f)
	}
	s.Close()
}

// SendFrame sends a JPEG frame to all connected clients
func (s *Server) SendFrame(frame []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.frameChan <- frame:
		default:
			client.framesDropped.Add(1)
		}
	}
}

func (s *Server) sendFrames(client *Client, dc *webrtc.DataChannel) {
	var seq uint32
	for {
		select {
		case <-client.closeChan:
			return

		case frame := <-client.frameChan:
			for _, chunk := range ChunkFrame(seq, frame) {
				if err := dc.Send(chunk); err != nil {
					logger.Warn("WebRTC", "Error sending frame to client %s: %v", client.id, err)
					s.RemoveClient(client.id)
					return
				}
			}
			seq++
			client.framesSent.Add(1)
		}
	}
}

// ChunkFrame splits a frame into data channel messages. Each message starts
// with an 8 byte big-endian header: frame sequence (u32), chunk index (u16),
// chunk count (u16).
func ChunkFrame(seq uint32, frame []byte) [][]byte {
	payload := ChunkSize - headerSize
	count := max((len(frame)+payload-1)/payload, 1)

	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * payload
		end := min(start+payload, len(frame))

		msg := make([]byte, headerSize+end-start)
		binary.BigEndian.PutUint32(msg[0:4], seq)
		binary.BigEndian.PutUint16(msg[4:6], uint16(i))
		binary.BigEndian.PutUint16(msg[6:8], uint16(count))
		copy(msg[headerSize:], frame[start:end])
		chunks = append(chunks, msg)
	}
	return chunks
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	close(client.closeChan)
	client.peerConn.Close()
	s.notifyCount(n)

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client frame counters.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}

func (s *Server) notifyCount(n int) {
	if s.OnClientCount != nil {
		s.OnClientCount(n)
	}
}
