package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSignalingConfig() config.SignalingConfig {
	return config.SignalingConfig{
		ReadLimit:       1 << 16,
		WriteTimeout:    time.Second,
		PongTimeout:     10 * time.Second,
		PingInterval:    5 * time.Second,
		HubPingInterval: time.Hour,
		SendBuffer:      16,
	}
}

// startHub serves a hub that echoes every message back to its sender and
// reports registered clients on the returned channel.
func startHub(t *testing.T) (*Hub, string, <-chan *Client) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(time.Hour, zap.NewNop())
	go hub.Run(ctx)

	registered := make(chan *Client, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(domain.NewPeerID(), ws, testSignalingConfig(), zap.NewNop())
		c.OnMessage = func(c *Client, m Message) { c.SendMessage(m) }
		c.OnDisconnect = func(c *Client) { hub.UnregisterClient(c) }
		if !hub.RegisterClient(c) {
			return
		}
		go c.WritePump()
		go c.ReadPump()
		registered <- c
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), registered
}

func receive(t *testing.T, c *Conn) Message {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestReadPumpStampsSender(t *testing.T) {
	_, url, registered := startHub(t)

	conn, err := Dial(context.Background(), url, zap.NewNop())
	require.NoError(t, err)
	defer conn.Close()
	client := <-registered

	msg, err := NewMessage(MessageTypeOffer, SignalPayload{Target: "x"})
	require.NoError(t, err)
	msg.From = "spoofed"
	require.NoError(t, conn.Send(msg))

	echoed := receive(t, conn)
	assert.Equal(t, MessageTypeOffer, echoed.Type)
	assert.Equal(t, client.ID, echoed.From)
}

func TestHubSendToAndUnregister(t *testing.T) {
	hub, url, registered := startHub(t)

	conn, err := Dial(context.Background(), url, zap.NewNop())
	require.NoError(t, err)
	client := <-registered

	assert.Equal(t, 1, hub.Count())
	assert.True(t, hub.SendTo(client.ID, Message{Type: MessageTypeAddPeers}))
	assert.False(t, hub.SendTo("missing", Message{Type: MessageTypeAddPeers}))
	assert.Equal(t, MessageTypeAddPeers, receive(t, conn).Type)

	client.SetRoomName("Alpha")
	assert.Len(t, hub.GetClientsByRoom("Alpha"), 1)
	assert.Empty(t, hub.GetClientsByRoom("Beta"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, client.SendMessage(Message{Type: MessageTypePing}))
}

func TestConnSendAfterClose(t *testing.T) {
	_, url, _ := startHub(t)

	conn, err := Dial(context.Background(), url, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.SendPayload(MessageTypeLeaveRoom, nil), ErrConnClosed)
}
