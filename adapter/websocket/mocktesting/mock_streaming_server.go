// Package mocktesting provides a test WebSocket server speaking the
// platform's JSON streaming protocol: it records inbound l1-subscription
// frames and can broadcast l1-update messages to connected clients.
package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"

	fincharts "github.com/irzhakbasil/fincharts/adapter"
)

// MockStreamingServer is an httptest-backed streaming endpoint.
type MockStreamingServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	framesMu sync.Mutex
	frames   []fincharts.SubscriptionFrame

	tokenMu       sync.Mutex
	requiredToken string
}

// NewMockStreamingServer creates and starts the mock server.
func NewMockStreamingServer() *MockStreamingServer {
	mock := &MockStreamingServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/streaming/ws/v1/realtime", mock.handleWebSocket)
	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the streaming endpoint URL. The http:// scheme is converted
// to ws:// by the client at dial time.
func (m *MockStreamingServer) URL() string {
	return m.server.URL + "/api/streaming/ws/v1/realtime"
}

// RequireToken makes the handshake reject connections whose token query
// parameter differs from the given value.
func (m *MockStreamingServer) RequireToken(token string) {
	m.tokenMu.Lock()
	defer m.tokenMu.Unlock()
	m.requiredToken = token
}

// Close shuts down the mock server and all live connections.
func (m *MockStreamingServer) Close() {
	m.clientsMu.Lock()
	for conn := range m.clients {
		conn.Close()
	}
	m.clients = make(map[*websocket.Conn]bool)
	m.clientsMu.Unlock()
	m.server.Close()
}

// ReceivedFrames returns all subscription frames received so far.
func (m *MockStreamingServer) ReceivedFrames() []fincharts.SubscriptionFrame {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	out := make([]fincharts.SubscriptionFrame, len(m.frames))
	copy(out, m.frames)
	return out
}

// ClientCount returns the number of connected clients.
func (m *MockStreamingServer) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// SendL1Update broadcasts an l1-update message to all connected clients.
func (m *MockStreamingServer) SendL1Update(update fincharts.L1Update) error {
	update.Type = fincharts.MessageTypeL1Update
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	return m.broadcast(data)
}

// SendRaw broadcasts an arbitrary text message to all connected clients.
func (m *MockStreamingServer) SendRaw(data []byte) error {
	return m.broadcast(data)
}

func (m *MockStreamingServer) broadcast(data []byte) error {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()

	for conn := range m.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("failed to send test message: %w", err)
		}
	}
	return nil
}

func (m *MockStreamingServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.tokenMu.Lock()
	required := m.requiredToken
	m.tokenMu.Unlock()

	if required != "" && r.URL.Query().Get("token") != required {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.clientsMu.Lock()
	m.clients[conn] = true
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var frame fincharts.SubscriptionFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		m.framesMu.Lock()
		m.frames = append(m.frames, frame)
		m.framesMu.Unlock()
	}
}
