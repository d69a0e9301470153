package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatchup struct {
	msgs     []json.RawMessage
	overflow bool

	channel string
	lastSeq int64
}

func (f *fakeCatchup) Since(channel string, lastSeq int64, limit int) ([]json.RawMessage, bool) {
	f.channel = channel
	f.lastSeq = lastSeq
	if len(f.msgs) > limit {
		return f.msgs[:limit], f.overflow
	}
	return f.msgs, f.overflow
}

func newTestServer(t *testing.T, m *ConnectionManager) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(m.HandleWebSocket))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return srv, conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionEstablished(t *testing.T) {
	m := NewConnectionManager(nil)
	_, conn := newTestServer(t, m)

	hello := readJSON(t, conn)
	assert.Equal(t, "connection.established", hello["type"])
	assert.NotEmpty(t, hello["connection_id"])

	assert.Eventually(t, func() bool {
		return m.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	m := NewConnectionManager(nil)
	_, conn := newTestServer(t, m)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "tree:7"})
	confirmed := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", confirmed["type"])
	assert.Equal(t, "tree:7", confirmed["channel"])

	m.Broadcast("tree:7", []byte(`{"kind":"task_updated","seq":1}`))
	push := readJSON(t, conn)
	assert.Equal(t, "task_updated", push["kind"])

	// Messages on other channels are not delivered.
	m.Broadcast("tree:8", []byte(`{"kind":"task_updated","seq":2}`))
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	pong := readJSON(t, conn)
	assert.Equal(t, "pong", pong["type"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewConnectionManager(nil)
	_, conn := newTestServer(t, m)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalTasksChannel})
	readJSON(t, conn)
	assert.Equal(t, 1, m.SubscriberCount(GlobalTasksChannel))

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: GlobalTasksChannel})
	removed := readJSON(t, conn)
	assert.Equal(t, "subscription.removed", removed["type"])
	assert.Equal(t, 0, m.SubscriberCount(GlobalTasksChannel))
}

func TestCatchupReplaysHistory(t *testing.T) {
	catchup := &fakeCatchup{
		msgs: []json.RawMessage{
			[]byte(`{"kind":"task_created","seq":3}`),
			[]byte(`{"kind":"task_updated","seq":4}`),
		},
	}
	m := NewConnectionManager(catchup)
	_, conn := newTestServer(t, m)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "catchup", Channel: "tree:1", LastEventID: 2})

	first := readJSON(t, conn)
	assert.Equal(t, "task_created", first["kind"])
	second := readJSON(t, conn)
	assert.Equal(t, "task_updated", second["kind"])

	complete := readJSON(t, conn)
	assert.Equal(t, "catchup.complete", complete["type"])
	assert.Equal(t, float64(2), complete["count"])

	assert.Equal(t, "tree:1", catchup.channel)
	assert.Equal(t, int64(2), catchup.lastSeq)
}

func TestCatchupOverflowNotice(t *testing.T) {
	catchup := &fakeCatchup{
		msgs:     []json.RawMessage{[]byte(`{"kind":"task_updated","seq":900}`)},
		overflow: true,
	}
	m := NewConnectionManager(catchup)
	_, conn := newTestServer(t, m)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "catchup", Channel: "tree:1", LastEventID: 5})

	notice := readJSON(t, conn)
	assert.Equal(t, "catchup.overflow", notice["type"])
	readJSON(t, conn) // replayed message
	complete := readJSON(t, conn)
	assert.Equal(t, "catchup.complete", complete["type"])
}

func TestUnknownActionAndBadMessage(t *testing.T) {
	m := NewConnectionManager(nil)
	_, conn := newTestServer(t, m)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "teleport"})
	errMsg := readJSON(t, conn)
	assert.Equal(t, "error", errMsg["type"])
	assert.Contains(t, errMsg["error"], "unknown action")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	bad := readJSON(t, conn)
	assert.Equal(t, "error", bad["type"])
}

func TestDisconnectCleansSubscriptions(t *testing.T) {
	m := NewConnectionManager(nil)
	_, conn := newTestServer(t, m)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "tree:9"})
	readJSON(t, conn)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	assert.Eventually(t, func() bool {
		return m.ConnectionCount() == 0 && m.SubscriberCount("tree:9") == 0
	}, time.Second, 10*time.Millisecond)
}
