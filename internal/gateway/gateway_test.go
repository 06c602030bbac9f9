package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func fakeGatewayServer(t *testing.T, onInvoke func(conn *websocket.Conn)) (string, func()) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		challenge := Envelope{Type: "evt", Method: "connect.challenge", Params: mustJSON(t, map[string]any{"nonce": "abc123"})}
		require.NoError(t, conn.WriteJSON(challenge))

		var connectReq Envelope
		require.NoError(t, conn.ReadJSON(&connectReq))

		ok := Envelope{Type: "res", ID: connectReq.ID, Method: "hello-ok"}
		require.NoError(t, conn.WriteJSON(ok))

		if onInvoke != nil {
			onInvoke(conn)
		}

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return wsURL, ts.Close
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandshakeReachesActiveState(t *testing.T) {
	url, closeFn := fakeGatewayServer(t, nil)
	defer closeFn()

	keyPath := filepath.Join(t.TempDir(), "device-key.pem")
	c, err := New(url, keyPath, func(method string, params json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == StateActive }, 500*time.Millisecond, 5*time.Millisecond)
}

func TestDeviceKeyPersistsAcrossClients(t *testing.T) {
	url, closeFn := fakeGatewayServer(t, nil)
	defer closeFn()
	keyPath := filepath.Join(t.TempDir(), "device-key.pem")

	c1, err := New(url, keyPath, nil, nil)
	require.NoError(t, err)
	c2, err := New(url, keyPath, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, c1.deviceID, c2.deviceID)
}

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "device-key.pem")
	c, err := New("ws://unused", keyPath, nil, nil)
	require.NoError(t, err)

	d1 := c.backoffDelay(1)
	d5 := c.backoffDelay(5)
	d20 := c.backoffDelay(20)

	assert.Less(t, d1, d5)
	assert.LessOrEqual(t, d20, backoffMax+backoffMax/10+time.Second)
}
