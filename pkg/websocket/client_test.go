package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradeguard/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer writes one frame per connection and then hangs up
func echoServer(t *testing.T, frame string, conns *int32) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(conns, 1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var conns int32
	url := echoServer(t, `{"type":"event"}`, &conns)

	var received int32
	client := NewClient(url, func(message []byte) {
		assert.JSONEq(t, `{"type":"event"}`, string(message))
		atomic.AddInt32(&received, 1)
	}, logging.NewNopLogger())
	client.SetReconnect(5*time.Millisecond, 20*time.Millisecond)

	var connected int32
	client.SetOnConnected(func() { atomic.AddInt32(&connected, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, 0) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&received) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&connected), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&conns), int32(3))
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", nil, logging.NewNopLogger())
	client.SetReconnect(time.Millisecond, 5*time.Millisecond)

	err := client.Run(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestClient_CancelUnblocksRead(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Stay silent until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), nil, logging.NewNopLogger())
	connected := make(chan struct{}, 1)
	client.SetOnConnected(func() { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, 0) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked after cancel")
	}
}
