package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balancer-core/utils"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func nextCommand(t *testing.T, ch <-chan Command) Command {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
		return nil
	}
}

func TestHubRoundTrip(t *testing.T) {
	cmds := make(chan Command, 8)
	hub := NewHub(cmds, func() []string { return []string{"P,1.0,0.0,0.50", "C,830,85"} }, utils.NopLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv)
	assert.Equal(t, "P,1.0,0.0,0.50", readLine(t, conn))
	assert.Equal(t, "C,830,85", readLine(t, conn))
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("J,10,-20")))
	assert.Equal(t, Steer{X: 10, Y: -20}, nextCommand(t, cmds))

	// junk is ignored, the connection stays up
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("???")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("S")))
	assert.Equal(t, Activate{}, nextCommand(t, cmds))

	hub.Broadcast("A,1.00")
	assert.Equal(t, "A,1.00", readLine(t, conn))

	conn.Close()
	assert.Equal(t, Disconnect{}, nextCommand(t, cmds))
	assert.Zero(t, hub.Clients())
}

func TestHubDisconnectOnlyWhenLastClientLeaves(t *testing.T) {
	cmds := make(chan Command, 8)
	hub := NewHub(cmds, nil, utils.NopLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 5*time.Millisecond)

	a.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	select {
	case cmd := <-cmds:
		t.Fatalf("unexpected command %#v", cmd)
	default:
	}

	b.Close()
	assert.Equal(t, Disconnect{}, nextCommand(t, cmds))
}

func TestMQTTPayloadDecoding(t *testing.T) {
	cmds := make(chan Command, 1)
	b := NewMQTTBridge(DefaultMQTTConfig(), cmds, utils.NopLogger())

	b.handle([]byte("E"))
	assert.Equal(t, EmergencyStop{}, nextCommand(t, cmds))

	b.handle([]byte("nope"))
	b.handle([]byte("R"))
	b.handle([]byte("S")) // queue full, dropped
	assert.Equal(t, Reset{}, nextCommand(t, cmds))
	assert.Empty(t, cmds)
}
