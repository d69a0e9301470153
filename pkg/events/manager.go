package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// catchupLimit bounds how many historical messages a single catchup
	// request replays.
	catchupLimit = 200

	writeTimeout = 10 * time.Second
)

// Catchup replays channel history to reconnecting clients. Messages strictly
// after lastSeq are returned in order; overflow reports that older messages
// were dropped from the history window.
type Catchup interface {
	Since(channel string, lastSeq int64, limit int) (msgs []json.RawMessage, overflow bool)
}

// connection is one WebSocket client. The mutex serializes writes; the
// websocket library does not allow concurrent writers.
type connection struct {
	id   string
	sock *websocket.Conn
	mu   sync.Mutex
}

// ConnectionManager owns the WebSocket clients and their channel
// subscriptions, and fans broadcast messages out to subscribers.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*connection

	chMu     sync.RWMutex
	channels map[string]map[string]bool // channel -> set of connection ids

	catchup Catchup
	logger  *slog.Logger
}

// NewConnectionManager creates a manager. catchup may be nil, in which case
// catchup requests return an error message to the client.
func NewConnectionManager(catchup Catchup) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*connection),
		channels:    make(map[string]map[string]bool),
		catchup:     catchup,
		logger:      slog.Default().With("component", "events"),
	}
}

// HandleWebSocket upgrades the request and serves the connection until the
// client goes away. Intended to be mounted on a router as the /ws handler.
func (m *ConnectionManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin policy is enforced at the API gateway.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		m.logger.Warn("websocket accept failed", "error", err)
		return
	}

	conn := &connection{id: uuid.NewString(), sock: sock}
	m.register(conn)
	defer m.unregister(conn)

	m.logger.Info("client connected", "connection_id", conn.id)
	m.sendJSON(conn, map[string]any{
		"type":          "connection.established",
		"connection_id": conn.id,
	})

	m.readLoop(r.Context(), conn)
	m.logger.Info("client disconnected", "connection_id", conn.id)
}

func (m *ConnectionManager) register(conn *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.id] = conn
}

func (m *ConnectionManager) unregister(conn *connection) {
	m.mu.Lock()
	delete(m.connections, conn.id)
	m.mu.Unlock()

	m.chMu.Lock()
	for channel, subs := range m.channels {
		delete(subs, conn.id)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.chMu.Unlock()

	_ = conn.sock.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *connection) {
	for {
		_, data, err := conn.sock.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendJSON(conn, map[string]any{
				"type":  "error",
				"error": "invalid message",
			})
			continue
		}
		m.handleMessage(conn, msg)
	}
}

func (m *ConnectionManager) handleMessage(conn *connection, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(conn, map[string]any{"type": "error", "error": "subscribe requires a channel"})
			return
		}
		m.subscribe(conn.id, msg.Channel)
		m.sendJSON(conn, map[string]any{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		m.unsubscribe(conn.id, msg.Channel)
		m.sendJSON(conn, map[string]any{
			"type":    "subscription.removed",
			"channel": msg.Channel,
		})

	case "catchup":
		m.handleCatchup(conn, msg)

	case "ping":
		m.sendJSON(conn, map[string]any{"type": "pong"})

	default:
		m.sendJSON(conn, map[string]any{
			"type":  "error",
			"error": "unknown action: " + msg.Action,
		})
	}
}

func (m *ConnectionManager) handleCatchup(conn *connection, msg ClientMessage) {
	if msg.Channel == "" {
		m.sendJSON(conn, map[string]any{"type": "error", "error": "catchup requires a channel"})
		return
	}
	if m.catchup == nil {
		m.sendJSON(conn, map[string]any{"type": "error", "error": "catchup not available"})
		return
	}

	msgs, overflow := m.catchup.Since(msg.Channel, msg.LastEventID, catchupLimit)
	if overflow {
		m.sendJSON(conn, map[string]any{
			"type":    "catchup.overflow",
			"channel": msg.Channel,
		})
	}
	for _, raw := range msgs {
		m.sendRaw(conn, raw)
	}
	m.sendJSON(conn, map[string]any{
		"type":    "catchup.complete",
		"channel": msg.Channel,
		"count":   len(msgs),
	})
}

func (m *ConnectionManager) subscribe(connID, channel string) {
	m.chMu.Lock()
	defer m.chMu.Unlock()
	subs, ok := m.channels[channel]
	if !ok {
		subs = make(map[string]bool)
		m.channels[channel] = subs
	}
	subs[connID] = true
}

func (m *ConnectionManager) unsubscribe(connID, channel string) {
	m.chMu.Lock()
	defer m.chMu.Unlock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
}

// Broadcast sends raw to every subscriber of channel. Slow or dead clients
// only lose their own messages; the write lock is per-connection.
func (m *ConnectionManager) Broadcast(channel string, raw []byte) {
	m.chMu.RLock()
	ids := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		ids = append(ids, id)
	}
	m.chMu.RUnlock()

	if len(ids) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.sendRaw(conn, raw)
	}
}

// ConnectionCount reports the number of connected clients.
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SubscriberCount reports the number of subscribers on one channel.
func (m *ConnectionManager) SubscriberCount(channel string) int {
	m.chMu.RLock()
	defer m.chMu.RUnlock()
	return len(m.channels[channel])
}

// Shutdown closes every client connection.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*connection)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.sock.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (m *ConnectionManager) sendJSON(conn *connection, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("marshal push message failed", "error", err)
		return
	}
	m.sendRaw(conn, raw)
}

func (m *ConnectionManager) sendRaw(conn *connection, raw []byte) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.sock.Write(ctx, websocket.MessageText, raw); err != nil {
		m.logger.Debug("write to client failed", "connection_id", conn.id, "error", err)
	}
}
