package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/relay-engine/frame"
)

// newEchoServer relays every frame it receives back to the same
// connection, standing in for the bus broadcasting a peer's frame back
// to this agent.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f frame.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if err := conn.WriteJSON(&f); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(handler)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientSendAndReceive(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	client := NewClient(wsURL(server.URL), "agent-a", DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	to := "agent-a"
	err := client.Send(&frame.Frame{To: &to, Intent: frame.IntentRegister})
	require.NoError(t, err)

	select {
	case f := <-client.Inbound():
		assert.Equal(t, "agent-a", f.From, "send hook must stamp from before the frame reaches the bus")
		assert.Equal(t, frame.IntentRegister, f.Intent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}

func TestClientDropsMisaddressedFrames(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	client := NewClient(wsURL(server.URL), "agent-a", DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	to := "some-other-agent"
	err := client.Send(&frame.Frame{To: &to, Intent: frame.IntentRegister})
	require.NoError(t, err)

	select {
	case f := <-client.Inbound():
		t.Fatalf("expected frame addressed to another agent to be dropped, got %+v", f)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:0/unused", "agent-a", DefaultOptions())
	err := client.Send(&frame.Frame{Intent: frame.IntentRegister})
	assert.Error(t, err)
}
