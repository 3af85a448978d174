package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/imgpull/internal/adapters/out/progressbus"
	"github.com/nullstream/imgpull/internal/domain"
)

func testLog() zerowrap.Logger {
	return zerowrap.New(zerowrap.Config{Level: "warn"})
}

func newTestServer(t *testing.T) (*httptest.Server, *progressbus.Bus) {
	bus := progressbus.New(testLog())
	mux := http.NewServeMux()
	NewHandler(bus, testLog()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, bus
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandler_SubscribeHandshake(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Op: "subscribe", Topic: domain.GlobalTopic}))

	var ack subscribedAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Op)
	assert.Equal(t, domain.GlobalTopic, ack.Topic)
}

func TestHandler_RejectsMalformedSubscribe(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"op": "nonsense"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]string
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["op"])
}

func TestHandler_FansOutGlobalTopicEvents(t *testing.T) {
	srv, bus := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Op: "subscribe", Topic: domain.GlobalTopic}))
	var ack subscribedAck
	require.NoError(t, conn.ReadJSON(&ack))

	bus.PublishComplete("task-1", "/data/tasks/task-1/manifest.json", "sha256:abc")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope domain.Envelope
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, domain.EventComplete, envelope.Type)
}

func TestHandler_PerTaskTopicFiltersOtherTasks(t *testing.T) {
	srv, bus := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(subscribeMessage{Op: "subscribe", Topic: domain.TaskTopic("task-1")}))
	var ack subscribedAck
	require.NoError(t, conn.ReadJSON(&ack))

	bus.PublishComplete("task-2", "/data/tasks/task-2/manifest.json", "sha256:def")
	bus.PublishComplete("task-1", "/data/tasks/task-1/manifest.json", "sha256:abc")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope domain.Envelope
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, domain.TaskTopic("task-1"), envelope.Topic)
}
