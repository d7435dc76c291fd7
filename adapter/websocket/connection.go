package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	fincharts "github.com/irzhakbasil/fincharts/adapter"
)

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// subscriberBuffer is the per-observer channel capacity. A slow observer
// drops messages rather than stalling the reader.
const subscriberBuffer = 100

// StreamingConnection is the persistent real-time connection. It dials the
// streaming endpoint with the access token as a URL credential, runs one
// reader goroutine per connection and broadcasts every parsed inbound
// message to all current observers. There is no automatic reconnect: a
// failed connection is logged and left closed.
type StreamingConnection struct {
	websocketURL string
	logger       *slog.Logger
	dialer       *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	// generation guards against a stale reader of a replaced connection
	// clobbering the state of its successor.
	generation int

	subscribersMu sync.RWMutex
	subscribers   []chan Message
}

// NewStreamingConnection creates a connection for the given streaming URL.
// http(s) schemes are converted to ws(s) at dial time.
func NewStreamingConnection(websocketURL string, logger *slog.Logger) *StreamingConnection {
	return &StreamingConnection{
		websocketURL: websocketURL,
		logger:       logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Open establishes the connection, closing any existing connection first.
// The access token is passed as the token query parameter.
func (sc *StreamingConnection) Open(ctx context.Context, token string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.conn != nil {
		sc.logger.Info("Replacing existing streaming connection",
			"function", "Open")
		sc.closeLocked()
	}

	sc.state = StateConnecting

	dialURL, err := sc.buildDialURL(token)
	if err != nil {
		sc.state = StateClosed
		return err
	}

	sc.logger.Info("Dialing streaming endpoint",
		"function", "Open",
		"state", sc.state.String())

	conn, resp, err := sc.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		sc.state = StateClosed
		if resp != nil {
			sc.logger.Error("Streaming handshake failed",
				"function", "Open",
				"status", resp.StatusCode,
				"error", err)
			return fmt.Errorf("streaming handshake failed with status %d: %w", resp.StatusCode, err)
		}
		sc.logger.Error("Streaming dial failed",
			"function", "Open",
			"error", err)
		return fmt.Errorf("streaming dial failed: %w", err)
	}

	sc.conn = conn
	sc.state = StateOpen
	sc.generation++

	sc.logger.Info("Streaming connection open",
		"function", "Open",
		"remote_addr", conn.RemoteAddr().String())

	go sc.readMessages(conn, sc.generation)
	return nil
}

// Send writes a subscription frame and reports whether it was sent.
// Frames are never queued: a connection that is not open drops the frame.
func (sc *StreamingConnection) Send(frame fincharts.SubscriptionFrame) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateOpen || sc.conn == nil {
		sc.logger.Warn("Frame dropped, connection not open",
			"function", "Send",
			"state", sc.state.String(),
			"instrument_id", frame.InstrumentID)
		return false
	}

	if err := sc.conn.WriteJSON(frame); err != nil {
		sc.logger.Error("Frame write failed",
			"function", "Send",
			"instrument_id", frame.InstrumentID,
			"error", err)
		sc.closeLocked()
		return false
	}
	return true
}

// Messages subscribes to the inbound broadcast. Late subscribers only see
// messages received after they subscribe.
func (sc *StreamingConnection) Messages() <-chan Message {
	ch := make(chan Message, subscriberBuffer)
	sc.subscribersMu.Lock()
	sc.subscribers = append(sc.subscribers, ch)
	sc.subscribersMu.Unlock()
	return ch
}

// Close shuts the connection down. Closing an already closed connection is
// a no-op.
func (sc *StreamingConnection) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.conn == nil {
		sc.logger.Debug("Close on already closed connection",
			"function", "Close")
		return nil
	}

	sc.closeLocked()
	sc.logger.Info("Streaming connection closed",
		"function", "Close")
	return nil
}

// IsOpen reports whether the connection is currently open.
func (sc *StreamingConnection) IsOpen() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == StateOpen
}

// State returns the current lifecycle state.
func (sc *StreamingConnection) State() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// closeLocked tears down the connection; callers must hold sc.mu.
func (sc *StreamingConnection) closeLocked() {
	if sc.conn != nil {
		// Best-effort close frame; the peer may already be gone.
		sc.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		sc.conn.Close()
		sc.conn = nil
	}
	sc.state = StateClosed
}

// buildDialURL converts the configured URL to a ws(s) scheme and attaches
// the token query parameter.
func (sc *StreamingConnection) buildDialURL(token string) (string, error) {
	raw := sc.websocketURL
	raw = strings.Replace(raw, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid streaming URL: %w", err)
	}

	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// readMessages is the reader goroutine for one connection generation. On
// any read error it marks the connection closed and exits; there is no
// reconnect attempt.
func (sc *StreamingConnection) readMessages(conn *websocket.Conn, generation int) {
	sc.logger.Info("Reader goroutine started",
		"function", "readMessages")

	defer func() {
		sc.mu.Lock()
		if sc.generation == generation && sc.conn == conn {
			sc.conn = nil
			sc.state = StateClosed
		}
		sc.mu.Unlock()
		sc.logger.Debug("Reader goroutine exiting",
			"function", "readMessages")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				sc.logger.Info("Connection closed by peer",
					"function", "readMessages")
			} else if strings.Contains(err.Error(), "use of closed network connection") {
				sc.logger.Debug("Connection closed locally",
					"function", "readMessages")
			} else {
				sc.logger.Error("Read failed, connection stopped",
					"function", "readMessages",
					"error", err)
			}
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			sc.logger.Warn("Discarding unparseable message",
				"function", "readMessages",
				"error", err)
			continue
		}

		sc.broadcast(msg)
	}
}

// broadcast fans a message out to all observers without blocking; a full
// observer channel drops the message for that observer only.
func (sc *StreamingConnection) broadcast(msg Message) {
	sc.subscribersMu.RLock()
	defer sc.subscribersMu.RUnlock()

	for _, ch := range sc.subscribers {
		select {
		case ch <- msg:
		default:
			sc.logger.Warn("Observer channel full, message dropped",
				"function", "broadcast",
				"message_type", msg.Type)
		}
	}
}
